package protocol

import (
	"math"

	"shardworld.ai/internal/sim/entity"
)

// EntityView is the compact client form of an entity. Player and coin
// fields share one struct; unused fields are omitted on the wire.
type EntityView struct {
	ID      string  `json:"id"`
	Type    string  `json:"type"`
	Subtype string  `json:"subtype,omitempty"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Delete  bool    `json:"delete,omitempty"`

	// player
	Name      string  `json:"name,omitempty"`
	Diam      float64 `json:"diam,omitempty"`
	Score     int     `json:"score,omitempty"`
	Direction string  `json:"direction,omitempty"`

	// coin
	Value  int     `json:"v,omitempty"`
	Radius float64 `json:"r,omitempty"`
}

func (v EntityView) Position() (float64, float64) { return v.X, v.Y }

// ViewOf applies the outbound transformer for the entity's type.
func ViewOf(e entity.Entity) EntityView {
	h := e.Head()
	v := EntityView{
		ID:      h.ID,
		Type:    h.Type,
		Subtype: h.Subtype,
		X:       math.Round(h.X),
		Y:       math.Round(h.Y),
		Delete:  h.Delete,
	}
	switch t := e.(type) {
	case *entity.Player:
		v.Name = t.Name
		v.Diam = t.Diam
		v.Score = t.Score
		v.Direction = t.Direction
	case *entity.Coin:
		v.Value = t.Value
		v.Radius = t.R
	}
	return v
}

// ViewAt is ViewOf with the position replaced, used for group members
// whose reported position is the group snapshot.
func ViewAt(e entity.Entity, x, y float64) EntityView {
	v := ViewOf(e)
	v.X = math.Round(x)
	v.Y = math.Round(y)
	return v
}
