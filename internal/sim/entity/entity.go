package entity

import (
	"errors"
	"fmt"
	"math"
)

const (
	TypePlayer = "player"
	TypeCoin   = "coin"

	SubtypeBot = "bot"
)

// NoCell marks an entity that has not yet been processed by any cell.
const NoCell = -1

var ErrInvalidRef = errors.New("invalid state reference")

// GroupPoint is the position of one group member as seen by the cell that
// recorded the interaction.
type GroupPoint struct {
	Type string  `msgpack:"type" json:"type"`
	X    float64 `msgpack:"x" json:"x"`
	Y    float64 `msgpack:"y" json:"y"`
}

// Header is the state every entity carries regardless of its type.
type Header struct {
	ID      string  `msgpack:"id"`
	Type    string  `msgpack:"type"`
	Subtype string  `msgpack:"subtype,omitempty"`
	X       float64 `msgpack:"x"`
	Y       float64 `msgpack:"y"`

	Version uint64 `msgpack:"version"`
	CCID    int    `msgpack:"ccid"`
	TCID    int    `msgpack:"tcid"`
	SWID    string `msgpack:"swid,omitempty"`

	External  bool  `msgpack:"external,omitempty"`
	Processed int64 `msgpack:"processed"`
	Delete    bool  `msgpack:"delete,omitempty"`

	Group map[string]GroupPoint `msgpack:"group,omitempty"`
}

func NewHeader(id, typ string, x, y float64) Header {
	return Header{ID: id, Type: typ, X: x, Y: y, CCID: NoCell, TCID: NoCell}
}

// Positioned is anything with world coordinates.
type Positioned interface {
	Position() (x, y float64)
}

// Ownable exposes the ownership bookkeeping used by the hand-off protocol.
type Ownable interface {
	Owner() (ccid, tcid int)
	SetOwner(ccid, tcid int)
	IsExternal() bool
}

// Deletable is implemented by entities that can be tombstoned.
type Deletable interface {
	Tombstoned() bool
	Tombstone()
}

type Entity interface {
	Positioned
	Ownable
	Deletable
	Head() *Header
	Clone() Entity
	// Radius is the hit-area radius.
	Radius() float64
}

func (h *Header) Head() *Header                { return h }
func (h *Header) Position() (float64, float64) { return h.X, h.Y }
func (h *Header) Owner() (int, int)            { return h.CCID, h.TCID }
func (h *Header) IsExternal() bool             { return h.External }
func (h *Header) Tombstoned() bool             { return h.Delete }
func (h *Header) Tombstone()                   { h.Delete = true }

func (h *Header) SetOwner(ccid, tcid int) {
	h.CCID = ccid
	h.TCID = tcid
}

// UpdateExternal recomputes the external flag for the cell holding this copy.
func (h *Header) UpdateExternal(cell int) {
	h.External = h.CCID != cell || h.TCID != cell
}

func (h Header) cloneHeader() Header {
	out := h
	if h.Group != nil {
		out.Group = make(map[string]GroupPoint, len(h.Group))
		for k, v := range h.Group {
			out.Group[k] = v
		}
	}
	return out
}

// Op is a one-shot movement intent.
type Op struct {
	Up    bool `msgpack:"u,omitempty" json:"u,omitempty"`
	Down  bool `msgpack:"d,omitempty" json:"d,omitempty"`
	Left  bool `msgpack:"l,omitempty" json:"l,omitempty"`
	Right bool `msgpack:"r,omitempty" json:"r,omitempty"`
}

func (o Op) IsZero() bool { return o == Op{} }

// Merge returns o with every flag set in other also set.
func (o Op) Merge(other Op) Op {
	return Op{
		Up:    o.Up || other.Up,
		Down:  o.Down || other.Down,
		Left:  o.Left || other.Left,
		Right: o.Right || other.Right,
	}
}

type Player struct {
	Header

	Name          string  `msgpack:"name,omitempty"`
	Diam          float64 `msgpack:"diam"`
	Mass          float64 `msgpack:"mass"`
	Score         int     `msgpack:"score"`
	Speed         float64 `msgpack:"speed,omitempty"`
	ChangeDirProb float64 `msgpack:"change_dir_prob,omitempty"`
	Direction     string  `msgpack:"direction,omitempty"`

	Op       Op `msgpack:"op,omitempty"`
	RepeatOp Op `msgpack:"repeat_op,omitempty"`
}

func (p *Player) IsBot() bool { return p.Subtype == SubtypeBot }

// Radius rounds half the diameter the same way hit areas and the boundary clamp do.
func (p *Player) Radius() float64 { return math.Round(p.Diam / 2) }

func (p *Player) Clone() Entity {
	out := *p
	out.Header = p.Header.cloneHeader()
	return &out
}

type Coin struct {
	Header

	Value int     `msgpack:"v"`
	R     float64 `msgpack:"r"`
}

func (c *Coin) Radius() float64 { return c.R }

func (c *Coin) Clone() Entity {
	out := *c
	out.Header = c.Header.cloneHeader()
	return &out
}

// Envelope is the tagged wire form of an entity.
type Envelope struct {
	Type   string  `msgpack:"type"`
	Player *Player `msgpack:"player,omitempty"`
	Coin   *Coin   `msgpack:"coin,omitempty"`
}

func Wrap(e Entity) Envelope {
	switch v := e.(type) {
	case *Player:
		return Envelope{Type: TypePlayer, Player: v}
	case *Coin:
		return Envelope{Type: TypeCoin, Coin: v}
	}
	return Envelope{}
}

func (e Envelope) Unwrap() (Entity, error) {
	switch e.Type {
	case TypePlayer:
		if e.Player != nil && e.Player.ID != "" {
			return e.Player, nil
		}
	case TypeCoin:
		if e.Coin != nil && e.Coin.ID != "" {
			return e.Coin, nil
		}
	}
	return nil, fmt.Errorf("envelope type %q: %w", e.Type, ErrInvalidRef)
}

func (e Envelope) Position() (float64, float64) {
	switch {
	case e.Player != nil:
		return e.Player.X, e.Player.Y
	case e.Coin != nil:
		return e.Coin.X, e.Coin.Y
	}
	return 0, 0
}

// Ref is the lightweight reference connection shards keep for their
// entities. It carries intents into the owning cell and ownership changes back.
type Ref struct {
	ID     string    `msgpack:"id"`
	Type   string    `msgpack:"type"`
	SWID   string    `msgpack:"swid,omitempty"`
	TCID   int       `msgpack:"tcid"`
	Delete bool      `msgpack:"delete,omitempty"`
	Op     *Op       `msgpack:"op,omitempty"`
	Create *Envelope `msgpack:"create,omitempty"`
	// Hops counts how often a cell passed the ref on to the owner.
	Hops int `msgpack:"hops,omitempty"`
}

func (r Ref) Validate() error {
	if r.ID == "" || r.Type == "" {
		return fmt.Errorf("ref %q/%q: %w", r.ID, r.Type, ErrInvalidRef)
	}
	return nil
}

// Position is the position of the created entity, if any. Refs are routed
// by TCID so the position only matters for exact-cell publication.
func (r Ref) Position() (float64, float64) {
	if r.Create != nil {
		return r.Create.Position()
	}
	return 0, 0
}
