package grid

import (
	"math"

	"shardworld.ai/internal/bus"
)

// DefaultLineOfSight is used when a watch set is updated with a non-positive radius.
const DefaultLineOfSight = 1000

// WatchSet keeps one observer subscribed to the cells around a moving position.
type WatchSet struct {
	g        *Grid
	channel  string
	mb       *bus.Mailbox
	handler  bus.Handler
	watching map[Coord]struct{}
}

func (g *Grid) NewWatchSet(channel string, mb *bus.Mailbox, h bus.Handler) *WatchSet {
	return &WatchSet{
		g:        g,
		channel:  channel,
		mb:       mb,
		handler:  h,
		watching: map[Coord]struct{}{},
	}
}

// Update subscribes to cells newly inside the square of side 2*sight around
// (x, y) and unsubscribes from cells that left it. Calling it again with the
// same position changes nothing.
func (w *WatchSet) Update(x, y, sight float64) (added, removed []Coord) {
	if sight <= 0 {
		sight = DefaultLineOfSight
	}
	g := w.g
	minCol := max(int(math.Floor((x-sight)/g.cellWidth)), 0)
	maxCol := min(int(math.Floor((x+sight)/g.cellWidth)), g.cfg.Cols-1)
	minRow := max(int(math.Floor((y-sight)/g.cellHeight)), 0)
	maxRow := min(int(math.Floor((y+sight)/g.cellHeight)), g.cfg.Rows-1)

	visible := map[Coord]struct{}{}
	for r := minRow; r <= maxRow; r++ {
		for c := minCol; c <= maxCol; c++ {
			coord := Coord{Row: r, Col: c}
			visible[coord] = struct{}{}
			if _, ok := w.watching[coord]; !ok {
				w.watching[coord] = struct{}{}
				g.WatchCell(w.channel, coord, w.mb, w.handler)
				added = append(added, coord)
			}
		}
	}
	for coord := range w.watching {
		if _, ok := visible[coord]; ok {
			continue
		}
		g.UnwatchCell(w.channel, coord, w.mb)
		delete(w.watching, coord)
		removed = append(removed, coord)
	}
	return added, removed
}

func (w *WatchSet) Watching() int { return len(w.watching) }

// Close drops every subscription.
func (w *WatchSet) Close() {
	for coord := range w.watching {
		w.g.UnwatchCell(w.channel, coord, w.mb)
	}
	w.watching = map[Coord]struct{}{}
}
