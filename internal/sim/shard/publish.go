package shard

import (
	"sort"

	"go.uber.org/zap"

	"shardworld.ai/internal/protocol"
	"shardworld.ai/internal/sim/entity"
	"shardworld.ai/internal/sim/grid"
)

// collectViews gathers this tick's client publication: the members of
// groups this shard's cells are authoritative for, every entity a cell
// simulated this tick that no group holds back, and every pending
// tombstone. Types with a reduced publish rate are left to PublishTypes.
func (s *Shard) collectViews(groups map[int]map[string]*Group) []entity.Positioned {
	var views []entity.Positioned
	for _, idx := range s.order {
		c := s.cells[idx]
		n := len(views)
		published := map[key]bool{}

		cellGroups := groups[idx]
		ids := make([]string, 0, len(cellGroups))
		for id := range cellGroups {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			g := cellGroups[id]
			c.stats.Groups++
			if !g.Authority {
				continue
			}
			c.stats.GroupsPublished++
			for _, m := range g.Members {
				k := keyOf(m.Entity)
				if published[k] || m.Entity.Head().Delete {
					continue
				}
				published[k] = true
				views = append(views, protocol.ViewAt(m.Entity, m.X, m.Y))
			}
		}

		c.tree.Each(func(e entity.Entity) {
			h := e.Head()
			k := keyOf(e)
			if s.special[h.Type] || h.Delete || !c.ran[k] || published[k] {
				return
			}
			if len(h.Group) > 0 {
				// The cell that simulated the leader reports the group. If
				// that is this cell and it had no eligible candidate, the
				// entity is published on its own.
				leader, pt := leaderOf(h.Group)
				if !c.ran[key{typ: pt.Type, id: leader}] {
					return
				}
			}
			views = append(views, protocol.ViewOf(e))
		})

		// Tombstones go out on the main tick whatever their type's rate.
		for _, k := range sortedKeys(c.pendingDeletes) {
			views = append(views, protocol.ViewOf(c.pendingDeletes[k]))
			delete(c.pendingDeletes, k)
		}
		c.stats.Published += len(views) - n
	}
	return views
}

// PublishTypes publishes every owned entity of the given types. It serves
// the types configured with a reduced publish rate.
func (s *Shard) PublishTypes(types []string) int {
	want := map[string]bool{}
	for _, t := range types {
		want[t] = true
	}
	var views []entity.Positioned
	for _, idx := range s.order {
		s.cells[idx].tree.Each(func(e entity.Entity) {
			h := e.Head()
			if want[h.Type] && !h.External && !h.Delete {
				views = append(views, protocol.ViewOf(e))
			}
		})
	}
	if err := s.client.Publish(ChannelCellData, views, grid.PublishOptions{Mode: grid.ModeExactCell}); err != nil {
		s.log.Error("publish reduced-rate types", zap.Strings("types", types), zap.Error(err))
	}
	return len(views)
}

func sortedKeys(m map[key]entity.Entity) []key {
	out := make([]key, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].typ != out[j].typ {
			return out[i].typ < out[j].typ
		}
		return out[i].id < out[j].id
	})
	return out
}
