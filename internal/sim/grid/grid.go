// Package grid maps world coordinates onto the cell grid and addresses
// per-cell channels on the bus.
package grid

import (
	"fmt"
	"math"
	"strings"

	"shardworld.ai/internal/bus"
	"shardworld.ai/internal/sim/tuning"
)

type Config struct {
	WorldWidth  float64
	WorldHeight float64
	Cols        int
	Rows        int
	// OverlapDist is the margin used by ModeNearby and CellIndexesOverlapping.
	OverlapDist float64
}

func ConfigFromTuning(t tuning.Tuning) Config {
	return Config{
		WorldWidth:  t.WorldWidth,
		WorldHeight: t.WorldHeight,
		Cols:        t.Cols(),
		Rows:        t.Rows(),
		OverlapDist: t.CellOverlapDist,
	}
}

// Coord addresses a cell by row and column.
type Coord struct {
	Row int
	Col int
}

type Rect struct {
	MinX, MinY, MaxX, MaxY float64
}

func (r Rect) Width() float64  { return r.MaxX - r.MinX }
func (r Rect) Height() float64 { return r.MaxY - r.MinY }

func (r Rect) Contains(x, y float64) bool {
	return x >= r.MinX && x < r.MaxX && y >= r.MinY && y < r.MaxY
}

type Grid struct {
	cfg        Config
	cellWidth  float64
	cellHeight float64

	ex    *bus.Exchange
	codec bus.Codec
}

func New(cfg Config, ex *bus.Exchange, codec bus.Codec) *Grid {
	if cfg.Cols <= 0 {
		cfg.Cols = 1
	}
	if cfg.Rows <= 0 {
		cfg.Rows = 1
	}
	return &Grid{
		cfg:        cfg,
		cellWidth:  cfg.WorldWidth / float64(cfg.Cols),
		cellHeight: cfg.WorldHeight / float64(cfg.Rows),
		ex:         ex,
		codec:      codec,
	}
}

func (g *Grid) Cols() int               { return g.cfg.Cols }
func (g *Grid) Rows() int               { return g.cfg.Rows }
func (g *Grid) CellCount() int          { return g.cfg.Cols * g.cfg.Rows }
func (g *Grid) CellWidth() float64      { return g.cellWidth }
func (g *Grid) CellHeight() float64     { return g.cellHeight }
func (g *Grid) WorldWidth() float64     { return g.cfg.WorldWidth }
func (g *Grid) WorldHeight() float64    { return g.cfg.WorldHeight }
func (g *Grid) Codec() bus.Codec        { return g.codec }
func (g *Grid) Exchange() *bus.Exchange { return g.ex }

// CellOf returns the unclamped cell coordinates of a point.
func (g *Grid) CellOf(x, y float64) Coord {
	return Coord{
		Row: int(math.Floor(y / g.cellHeight)),
		Col: int(math.Floor(x / g.cellWidth)),
	}
}

func (g *Grid) InBounds(c Coord) bool {
	return c.Row >= 0 && c.Row < g.cfg.Rows && c.Col >= 0 && c.Col < g.cfg.Cols
}

func (g *Grid) Index(c Coord) int { return c.Row*g.cfg.Cols + c.Col }

func (g *Grid) CoordOf(index int) Coord {
	return Coord{Row: index / g.cfg.Cols, Col: index % g.cfg.Cols}
}

// IndexOf returns the index of the cell containing the point. Points on or
// past the far world edge belong to the last row/column.
func (g *Grid) IndexOf(x, y float64) int {
	c := g.CellOf(x, y)
	c.Row = clamp(c.Row, 0, g.cfg.Rows-1)
	c.Col = clamp(c.Col, 0, g.cfg.Cols-1)
	return g.Index(c)
}

func (g *Grid) Bounds(index int) Rect {
	c := g.CoordOf(index)
	x := float64(c.Col) * g.cellWidth
	y := float64(c.Row) * g.cellHeight
	return Rect{MinX: x, MinY: y, MaxX: x + g.cellWidth, MaxY: y + g.cellHeight}
}

// CellsOverlapping returns every cell intersecting the square of side
// 2*margin centred on the point, clipped to the grid. A region entirely
// outside the grid yields an empty slice.
func (g *Grid) CellsOverlapping(x, y, margin float64) []Coord {
	lo := g.CellOf(x-margin, y-margin)
	hi := g.CellOf(x+margin, y+margin)
	minR, maxR := max(lo.Row, 0), min(hi.Row, g.cfg.Rows-1)
	minC, maxC := max(lo.Col, 0), min(hi.Col, g.cfg.Cols-1)

	var out []Coord
	for r := minR; r <= maxR; r++ {
		for c := minC; c <= maxC; c++ {
			out = append(out, Coord{Row: r, Col: c})
		}
	}
	return out
}

// CellIndexesOverlapping is CellsOverlapping with the configured overlap distance.
func (g *Grid) CellIndexesOverlapping(x, y float64) []int {
	coords := g.CellsOverlapping(x, y, g.cfg.OverlapDist)
	out := make([]int, 0, len(coords))
	for _, c := range coords {
		out = append(out, g.Index(c))
	}
	return out
}

// ChannelName is the bus channel of one cell for a logical channel.
func ChannelName(channel string, c Coord) string {
	return fmt.Sprintf("(%d,%d)%s", c.Col, c.Row, channel)
}

// ParseChannelName splits a name built by ChannelName.
func ParseChannelName(name string) (Coord, string, bool) {
	end := strings.IndexByte(name, ')')
	if !strings.HasPrefix(name, "(") || end < 0 {
		return Coord{}, "", false
	}
	var c Coord
	if _, err := fmt.Sscanf(name[:end+1], "(%d,%d)", &c.Col, &c.Row); err != nil {
		return Coord{}, "", false
	}
	return c, name[end+1:], true
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
