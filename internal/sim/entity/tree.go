package entity

import "sort"

// Tree is the entity state of one cell, indexed by type then id.
// It is owned by a single shard goroutine and never shared.
type Tree struct {
	Players map[string]*Player
	Coins   map[string]*Coin
}

func NewTree() *Tree {
	return &Tree{
		Players: map[string]*Player{},
		Coins:   map[string]*Coin{},
	}
}

func (t *Tree) Get(typ, id string) (Entity, bool) {
	switch typ {
	case TypePlayer:
		if p, ok := t.Players[id]; ok {
			return p, true
		}
	case TypeCoin:
		if c, ok := t.Coins[id]; ok {
			return c, true
		}
	}
	return nil, false
}

func (t *Tree) Put(e Entity) {
	switch v := e.(type) {
	case *Player:
		t.Players[v.ID] = v
	case *Coin:
		t.Coins[v.ID] = v
	}
}

func (t *Tree) Remove(typ, id string) {
	switch typ {
	case TypePlayer:
		delete(t.Players, id)
	case TypeCoin:
		delete(t.Coins, id)
	}
}

func (t *Tree) Len() int { return len(t.Players) + len(t.Coins) }

// Each visits every entity, players first, each type in ascending id order.
func (t *Tree) Each(fn func(Entity)) {
	for _, id := range t.PlayerIDs() {
		fn(t.Players[id])
	}
	for _, id := range sortedKeys(t.Coins) {
		fn(t.Coins[id])
	}
}

// PlayerIDs returns player ids in ascending order. Every cell iterates
// players in this order so that overlapping cells agree on outcomes.
func (t *Tree) PlayerIDs() []string { return sortedKeys(t.Players) }

func (t *Tree) CoinIDs() []string { return sortedKeys(t.Coins) }

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
