// Package cell runs one fixed simulation step over the entity tree of a
// single grid cell.
//
// The step is order sensitive: overlaps are found before anything moves,
// then players are visited in ascending id order to move, resolve
// collisions, collect coins and clamp to the world. Entities marked
// external are replicas owned by another cell; they take part in the
// collision math through a per-step shadow position but are never written.
//
// Only players this cell owns collect its coins. A neighbour's player whose
// circle reaches over the boundary collects once its centre has crossed.
package cell

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/tidwall/rtree"

	"shardworld.ai/internal/sim/economy"
	"shardworld.ai/internal/sim/entity"
)

var diagonalFactor = math.Sqrt(0.5)

type Config struct {
	Index       int
	WorldWidth  float64
	WorldHeight float64
	// PlayerSpeed is the move speed of human players; bots carry their own.
	PlayerSpeed float64
}

// Interaction is a set of entities that pushed each other this step, with
// their positions after the step. Cells holding different parts of the set
// use it to agree on who reports the members.
type Interaction struct {
	Members map[string]entity.GroupPoint
}

// IDs returns the member ids in ascending order.
func (in Interaction) IDs() []string {
	out := make([]string, 0, len(in.Members))
	for id := range in.Members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type Result struct {
	Interactions []Interaction
	Spawned      *entity.Coin
	Collected    int
}

type Simulator struct {
	cfg   Config
	coins *economy.Coins
	bots  *economy.Bots
	rng   *rand.Rand
}

func New(cfg Config, coins *economy.Coins, bots *economy.Bots, rng *rand.Rand) *Simulator {
	return &Simulator{cfg: cfg, coins: coins, bots: bots, rng: rng}
}

// body is the working position of a player during one step.
type body struct {
	p    *entity.Player
	x, y float64
	r    float64
}

type step struct {
	bodies       map[string]*body
	playerHits   map[string][]*body
	coinHits     map[string][]*entity.Coin
	interactions *unionFind
}

func (s *Simulator) Run(tree *entity.Tree, now time.Time) Result {
	ids := tree.PlayerIDs()
	st := &step{
		bodies:       make(map[string]*body, len(ids)),
		playerHits:   map[string][]*body{},
		coinHits:     map[string][]*entity.Coin{},
		interactions: newUnionFind(),
	}
	for _, id := range ids {
		p := tree.Players[id]
		st.bodies[id] = &body{p: p, x: p.X, y: p.Y, r: p.Radius()}
	}

	s.findOverlaps(tree, ids, st)
	res := Result{}
	res.Spawned = s.dropCoin(tree, now)
	s.botOps(ids, st)
	res.Collected = s.applyOps(ids, st)

	for _, b := range st.bodies {
		if !b.p.External {
			b.p.X, b.p.Y = b.x, b.y
		}
	}
	res.Interactions = st.interactionEvents()
	return res
}

func (s *Simulator) findOverlaps(tree *entity.Tree, ids []string, st *step) {
	var tr rtree.RTreeG[*body]
	for _, id := range ids {
		b := st.bodies[id]
		tr.Insert([2]float64{b.x - b.r, b.y - b.r}, [2]float64{b.x + b.r, b.y + b.r}, b)
	}

	for _, id := range ids {
		b := st.bodies[id]
		var hits []*body
		tr.Search([2]float64{b.x - b.r, b.y - b.r}, [2]float64{b.x + b.r, b.y + b.r},
			func(_, _ [2]float64, other *body) bool {
				if other != b {
					hits = append(hits, other)
				}
				return true
			})
		sortBodies(hits)
		st.playerHits[id] = hits
	}

	for _, cid := range tree.CoinIDs() {
		coin := tree.Coins[cid]
		if coin.External {
			continue
		}
		var hits []*body
		tr.Search([2]float64{coin.X - coin.R, coin.Y - coin.R}, [2]float64{coin.X + coin.R, coin.Y + coin.R},
			func(_, _ [2]float64, b *body) bool {
				if !b.p.External {
					hits = append(hits, b)
				}
				return true
			})
		if len(hits) == 0 {
			continue
		}
		sortBodies(hits)
		winner := hits[s.rng.Intn(len(hits))]
		st.coinHits[winner.p.ID] = append(st.coinHits[winner.p.ID], coin)
	}
}

func (s *Simulator) dropCoin(tree *entity.Tree, now time.Time) *entity.Coin {
	if s.coins == nil || !s.coins.ShouldDrop(now) {
		return nil
	}
	coin, err := s.coins.Drop(now, tree.Players)
	if err != nil {
		// A broken probability table is a deployment error.
		panic(fmt.Errorf("cell %d: %w", s.cfg.Index, err))
	}
	if coin != nil {
		tree.Put(coin)
	}
	return coin
}

func (s *Simulator) botOps(ids []string, st *step) {
	for _, id := range ids {
		b := st.bodies[id]
		p := b.p
		if !p.IsBot() || p.External {
			continue
		}
		onEdge := b.x <= b.r || b.x >= s.cfg.WorldWidth-b.r ||
			b.y <= b.r || b.y >= s.cfg.WorldHeight-b.r
		if s.rng.Float64() <= p.ChangeDirProb || onEdge {
			p.RepeatOp = s.bots.NextMove()
		}
		if !p.RepeatOp.IsZero() {
			p.Op = p.RepeatOp
		}
	}
}

func (s *Simulator) applyOps(ids []string, st *step) int {
	collected := 0
	for _, id := range ids {
		b := st.bodies[id]
		p := b.p

		if !p.External {
			s.move(b)
		}

		for _, other := range st.playerHits[id] {
			if resolveCollision(b, other) {
				if !p.External || !other.p.External {
					st.interactions.union(b, other)
				}
			}
			s.clamp(other)
		}

		for _, coin := range st.coinHits[id] {
			// The coin may have been taken earlier in this step, or the
			// collision pushed the winner off it.
			if coin.Delete || !s.coins.Touches(coin.ID, b.x, b.y, b.r) {
				continue
			}
			p.Score += coin.Value
			coin.Tombstone()
			s.coins.Remove(coin.ID)
			collected++
		}

		s.clamp(b)
	}
	return collected
}

func (s *Simulator) move(b *body) {
	p := b.p
	op := p.Op
	if op.IsZero() {
		return
	}
	speed := s.cfg.PlayerSpeed
	if p.IsBot() {
		speed = p.Speed
	}
	var dx, dy float64
	vertical, horizontal := false, false
	if op.Up {
		dy = -speed
		p.Direction = "up"
		vertical = true
	}
	if op.Down {
		dy = speed
		p.Direction = "down"
		vertical = true
	}
	if op.Right {
		dx = speed
		p.Direction = "right"
		horizontal = true
	}
	if op.Left {
		dx = -speed
		p.Direction = "left"
		horizontal = true
	}
	if vertical && horizontal {
		dx *= diagonalFactor
		dy *= diagonalFactor
	}
	b.x += dx
	b.y += dy
}

// clamp keeps the body's circle inside the world.
func (s *Simulator) clamp(b *body) {
	if b.x-b.r < 0 {
		b.x = b.r
	} else if b.x+b.r > s.cfg.WorldWidth {
		b.x = s.cfg.WorldWidth - b.r
	}
	if b.y-b.r < 0 {
		b.y = b.r
	} else if b.y+b.r > s.cfg.WorldHeight {
		b.y = s.cfg.WorldHeight - b.r
	}
}

func sortBodies(bs []*body) {
	sort.Slice(bs, func(i, j int) bool { return bs[i].p.ID < bs[j].p.ID })
}

func (st *step) interactionEvents() []Interaction {
	comps := st.interactions.components()
	out := make([]Interaction, 0, len(comps))
	for _, members := range comps {
		in := Interaction{Members: make(map[string]entity.GroupPoint, len(members))}
		for _, b := range members {
			in.Members[b.p.ID] = entity.GroupPoint{Type: b.p.Type, X: b.x, Y: b.y}
		}
		out = append(out, in)
	}
	return out
}

func sortComponents(cs [][]*body) {
	sort.Slice(cs, func(i, j int) bool { return cs[i][0].p.ID < cs[j][0].p.ID })
}
