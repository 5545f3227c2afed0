package grid

import (
	"fmt"

	"shardworld.ai/internal/bus"
	"shardworld.ai/internal/sim/entity"
)

type Mode int

const (
	// ModeExactCell sends each object to the cell containing it.
	ModeExactCell Mode = iota
	// ModeNearby sends each object to every cell within the overlap distance.
	ModeNearby
	// ModeTargets sends each object to the cells returned by PublishOptions.Targets.
	ModeTargets
)

type PublishOptions struct {
	Mode    Mode
	Targets func(obj entity.Positioned) []int
}

// Publish buckets objects per cell and sends one message per non-empty cell.
func (g *Grid) Publish(channel string, objects []entity.Positioned, opts PublishOptions) error {
	if len(objects) == 0 {
		return nil
	}
	buckets := make([][]entity.Positioned, g.CellCount())
	for _, obj := range objects {
		for _, idx := range g.affected(obj, opts) {
			if idx < 0 || idx >= len(buckets) {
				continue
			}
			buckets[idx] = append(buckets[idx], obj)
		}
	}
	return g.flush(channel, buckets)
}

// PublishToCells sends every object to every listed cell.
func (g *Grid) PublishToCells(channel string, objects []entity.Positioned, cellIndexes []int) error {
	if len(objects) == 0 || len(cellIndexes) == 0 {
		return nil
	}
	buckets := make([][]entity.Positioned, g.CellCount())
	for _, idx := range cellIndexes {
		if idx < 0 || idx >= len(buckets) {
			continue
		}
		buckets[idx] = append(buckets[idx], objects...)
	}
	return g.flush(channel, buckets)
}

func (g *Grid) affected(obj entity.Positioned, opts PublishOptions) []int {
	x, y := obj.Position()
	switch opts.Mode {
	case ModeTargets:
		if opts.Targets == nil {
			return nil
		}
		return opts.Targets(obj)
	case ModeNearby:
		return g.CellIndexesOverlapping(x, y)
	default:
		c := g.CellOf(x, y)
		if !g.InBounds(c) {
			return nil
		}
		return []int{g.Index(c)}
	}
}

func (g *Grid) flush(channel string, buckets [][]entity.Positioned) error {
	for idx, objs := range buckets {
		if len(objs) == 0 {
			continue
		}
		b, err := g.codec.Marshal(objs)
		if err != nil {
			return fmt.Errorf("grid publish %s: %w", channel, err)
		}
		g.ex.Publish(ChannelName(channel, g.CoordOf(idx)), b)
	}
	return nil
}

func (g *Grid) WatchCell(channel string, c Coord, mb *bus.Mailbox, h bus.Handler) {
	g.ex.Subscribe(ChannelName(channel, c), mb, h)
}

func (g *Grid) WatchCellAtIndex(channel string, index int, mb *bus.Mailbox, h bus.Handler) {
	g.WatchCell(channel, g.CoordOf(index), mb, h)
}

func (g *Grid) UnwatchCell(channel string, c Coord, mb *bus.Mailbox) {
	g.ex.Unsubscribe(ChannelName(channel, c), mb)
}
