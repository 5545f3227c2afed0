package shard

import (
	"math"
	"sort"
	"strings"

	"shardworld.ai/internal/sim/cell"
	"shardworld.ai/internal/sim/entity"
)

// Member is one group member together with the position recorded for it
// when the interaction happened.
type Member struct {
	Entity entity.Entity
	X, Y   float64
}

// Group is the per-tick agreement on which cell reports a set of
// interacting entities. It is rebuilt from interaction markers every tick
// and never leaves the shard.
type Group struct {
	ID string
	// Leader is the lowest member id; Carrier is the member whose marker
	// the group was built from.
	Leader  string
	Carrier string
	Members []Member
	X, Y    float64
	// Authority is set only in the cell that simulated the leader this
	// tick, so at most one cell in the world publishes the members.
	Authority bool
}

// markGroups records each interaction on its non-external members as a
// plain snapshot that survives serialization. Members without an
// interaction this tick lose any previous marker.
func (c *cellState) markGroups(events []cell.Interaction) {
	marked := map[string]bool{}
	for _, in := range events {
		snap := make(map[string]entity.GroupPoint, len(in.Members))
		for id, pt := range in.Members {
			snap[id] = entity.GroupPoint{Type: pt.Type, X: math.Round(pt.X), Y: math.Round(pt.Y)}
		}
		for id := range in.Members {
			p, ok := c.tree.Players[id]
			if !ok || p.External {
				continue
			}
			p.Group = snap
			marked[id] = true
		}
	}
	c.tree.Each(func(e entity.Entity) {
		h := e.Head()
		if !h.External && !marked[h.ID] {
			h.Group = nil
		}
	})
}

// buildGroups reconstructs the groups every owned cell can see, keyed by
// cell then group id.
func (s *Shard) buildGroups() map[int]map[string]*Group {
	out := make(map[int]map[string]*Group, len(s.order))
	for _, idx := range s.order {
		out[idx] = s.groupsFor(s.cells[idx])
	}
	return out
}

// groupsFor builds one candidate per marker carrier. A candidate is only
// eligible when the cell holds every member. Among candidates for the same
// id the one carried by the lowest member id wins, which does not depend
// on the order markers were seen in.
func (s *Shard) groupsFor(c *cellState) map[string]*Group {
	groups := map[string]*Group{}
	c.tree.Each(func(e entity.Entity) {
		h := e.Head()
		if len(h.Group) == 0 {
			return
		}
		ids := make([]string, 0, len(h.Group))
		for id := range h.Group {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		g := &Group{ID: strings.Join(ids, ","), Leader: ids[0], Carrier: h.ID}
		for _, id := range ids {
			pt := h.Group[id]
			m, ok := c.tree.Get(pt.Type, id)
			if !ok {
				return
			}
			g.Members = append(g.Members, Member{Entity: m, X: pt.X, Y: pt.Y})
			g.X += pt.X
			g.Y += pt.Y
		}
		n := float64(len(g.Members))
		g.X = math.Round(g.X / n)
		g.Y = math.Round(g.Y / n)

		if cur, ok := groups[g.ID]; ok && cur.Carrier <= g.Carrier {
			return
		}
		// A marker is fresh only on entities this cell just simulated.
		g.Authority = g.Carrier == g.Leader && c.ran[key{typ: h.Group[g.Leader].Type, id: g.Leader}]
		groups[g.ID] = g
	})
	return groups
}

// leaderOf is the lowest member id of a marker.
func leaderOf(marker map[string]entity.GroupPoint) (string, entity.GroupPoint) {
	var id string
	for m := range marker {
		if id == "" || m < id {
			id = m
		}
	}
	return id, marker[id]
}
