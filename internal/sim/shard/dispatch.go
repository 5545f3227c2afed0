package shard

import (
	"go.uber.org/zap"

	"shardworld.ai/internal/sim/entity"
)

// dispatch finishes a cell's tick: it bumps versions of owned entities,
// recomputes ownership, replicates owned entities to nearby cells, tells
// connection shards about hand-offs and retires tombstoned and stale
// entities.
func (s *Shard) dispatch(c *cellState, nowMs int64) {
	idx := c.index
	stale := int64(s.t.StaleTimeoutMs)
	nearby := map[int][]entity.Envelope{}
	returns := map[string][]entity.Ref{}
	var gone []key
	clear(c.ran)

	c.tree.Each(func(e entity.Entity) {
		h := e.Head()
		if !h.External {
			c.ran[keyOf(e)] = true
			if h.Version > 0 {
				h.Version++
			}
			h.Processed = nowMs
		}
		h.TCID = s.internal.IndexOf(h.X, h.Y)
		if h.CCID == entity.NoCell {
			// Created inside this cell, e.g. a bot or a coin.
			h.CCID = idx
			h.Version = 1
		}
		h.UpdateExternal(idx)

		if h.CCID == idx {
			env := entity.Wrap(e.Clone())
			for _, target := range s.replicaTargets(h) {
				if target != idx {
					nearby[target] = append(nearby[target], env)
				}
			}
			if h.TCID != idx {
				c.stats.HandoffsSent++
				if h.SWID != "" {
					returns[h.SWID] = append(returns[h.SWID], entity.Ref{
						ID:     h.ID,
						Type:   h.Type,
						SWID:   h.SWID,
						TCID:   h.TCID,
						Delete: h.Delete,
					})
				}
			}
		}

		k := keyOf(e)
		switch {
		case h.Delete:
			gone = append(gone, k)
			// Replicas of a deleted entity are dropped silently; only the
			// owner reports the tombstone.
			if !h.External {
				c.pendingDeletes[k] = e
				c.stats.Deleted++
			}
		case nowMs-h.Processed > stale:
			gone = append(gone, k)
			c.stats.Evicted++
			if h.Type == entity.TypeCoin {
				c.coins.Forget(h.ID)
			}
		}
	})
	for _, k := range gone {
		c.tree.Remove(k.typ, k.id)
	}

	codec := s.internal.Codec()
	for swid, refs := range returns {
		b, err := codec.Marshal(refs)
		if err != nil {
			s.log.Error("encode return refs", zap.String("swid", swid), zap.Error(err))
			continue
		}
		s.internal.Exchange().Publish(ReturnChannel(swid), b)
	}
	for _, target := range sortedInts(nearby) {
		envs := nearby[target]
		if len(envs) == 0 {
			continue
		}
		if err := s.internal.PublishToCells(ChannelTransition, positioned(envs), []int{target}); err != nil {
			s.log.Error("publish transition", zap.Int("cell", idx), zap.Int("target", target), zap.Error(err))
		}
	}
}

// replicaTargets is every cell within the overlap distance plus the target
// cell, which must always receive the hand-off.
func (s *Shard) replicaTargets(h *entity.Header) []int {
	targets := s.internal.CellIndexesOverlapping(h.X, h.Y)
	for _, t := range targets {
		if t == h.TCID {
			return targets
		}
	}
	return append(targets, h.TCID)
}

func positioned[T entity.Positioned](in []T) []entity.Positioned {
	out := make([]entity.Positioned, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
