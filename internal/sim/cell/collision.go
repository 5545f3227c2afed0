package cell

import "math"

// resolveCollision pushes two overlapping circles apart along the line
// between their centres. Each side moves by the penetration depth scaled by
// the other side's share of the combined mass, so the heavier body moves
// less. Touching circles count as a collision with zero depth.
func resolveCollision(a, b *body) bool {
	dx := b.x - a.x
	dy := b.y - a.y
	total := a.r + b.r
	distSq := dx*dx + dy*dy
	if distSq > total*total {
		return false
	}
	dist := math.Sqrt(distSq)
	nx, ny := 1.0, 0.0
	if dist > 0 {
		nx, ny = dx/dist, dy/dist
	}
	depth := total - dist
	ox, oy := nx*depth, ny*depth

	ma, mb := a.p.Mass, b.p.Mass
	sum := ma + mb
	if sum <= 0 {
		ma, mb, sum = 1, 1, 2
	}
	a.x -= ox * (mb / sum)
	a.y -= oy * (mb / sum)
	b.x += ox * (ma / sum)
	b.y += oy * (ma / sum)
	return true
}

// unionFind merges pairwise contacts into connected interaction sets.
type unionFind struct {
	parent map[*body]*body
}

func newUnionFind() *unionFind {
	return &unionFind{parent: map[*body]*body{}}
}

func (u *unionFind) find(b *body) *body {
	p, ok := u.parent[b]
	if !ok {
		u.parent[b] = b
		return b
	}
	if p == b {
		return b
	}
	root := u.find(p)
	u.parent[b] = root
	return root
}

func (u *unionFind) union(a, b *body) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	// Smallest id becomes the root so components come out the same
	// regardless of contact order.
	if rb.p.ID < ra.p.ID {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
}

// components returns every set with at least two members, ordered by the
// smallest member id.
func (u *unionFind) components() [][]*body {
	byRoot := map[*body][]*body{}
	for b := range u.parent {
		r := u.find(b)
		byRoot[r] = append(byRoot[r], b)
	}
	out := make([][]*body, 0, len(byRoot))
	for _, members := range byRoot {
		if len(members) < 2 {
			continue
		}
		sortBodies(members)
		out = append(out, members)
	}
	sortComponents(out)
	return out
}
