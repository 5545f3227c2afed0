package grid

import (
	"testing"

	"shardworld.ai/internal/bus"
	"shardworld.ai/internal/sim/entity"
)

func testGrid(x *bus.Exchange) *Grid {
	return New(Config{WorldWidth: 1000, WorldHeight: 1000, Cols: 2, Rows: 2, OverlapDist: 100}, x, bus.Msgpack{})
}

type pt struct {
	ID string  `msgpack:"id"`
	X  float64 `msgpack:"x"`
	Y  float64 `msgpack:"y"`
}

func (p pt) Position() (float64, float64) { return p.X, p.Y }

func TestCellMath(t *testing.T) {
	g := testGrid(bus.NewExchange())
	if c := g.CellOf(750, 250); c.Row != 0 || c.Col != 1 {
		t.Fatalf("CellOf(750,250)=%+v", c)
	}
	if idx := g.IndexOf(750, 750); idx != 3 {
		t.Fatalf("IndexOf=%d want 3", idx)
	}
	if idx := g.IndexOf(1000, 1000); idx != 3 {
		t.Fatalf("far edge should clamp into last cell, got %d", idx)
	}
	b := g.Bounds(1)
	if b.MinX != 500 || b.MinY != 0 || b.MaxX != 1000 || b.MaxY != 500 {
		t.Fatalf("Bounds(1)=%+v", b)
	}
}

func TestCellsOverlapping(t *testing.T) {
	g := testGrid(bus.NewExchange())

	if got := g.CellIndexesOverlapping(250, 250); len(got) != 1 || got[0] != 0 {
		t.Fatalf("interior point: %v", got)
	}
	if got := g.CellIndexesOverlapping(480, 480); len(got) != 4 {
		t.Fatalf("corner point should touch all 4 cells: %v", got)
	}
	if got := g.CellsOverlapping(5000, 5000, 10); len(got) != 0 {
		t.Fatalf("region outside the grid should be empty: %v", got)
	}
}

func TestPublish_OneMessagePerNonEmptyCell(t *testing.T) {
	x := bus.NewExchange()
	g := testGrid(x)
	mb := bus.NewMailbox(16)

	got := map[int][]pt{}
	for i := 0; i < g.CellCount(); i++ {
		idx := i
		g.WatchCellAtIndex("data", idx, mb, func(m bus.Message) {
			var batch []pt
			if err := g.Codec().Unmarshal(m.Data, &batch); err != nil {
				t.Fatalf("decode: %v", err)
			}
			got[idx] = append(got[idx], batch...)
		})
	}

	objs := []entity.Positioned{pt{ID: "a", X: 10, Y: 10}, pt{ID: "b", X: 20, Y: 20}, pt{ID: "c", X: 900, Y: 900}}
	if err := g.Publish("data", objs, PublishOptions{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if n := mb.Len(); n != 2 {
		t.Fatalf("messages=%d want 2", n)
	}
	mb.Drain()
	if len(got[0]) != 2 || len(got[3]) != 1 || len(got[1]) != 0 {
		t.Fatalf("buckets=%v", got)
	}

	before := x.Published()
	if err := g.Publish("data", nil, PublishOptions{}); err != nil {
		t.Fatalf("empty publish: %v", err)
	}
	if x.Published() != before {
		t.Fatalf("empty publish should be a no-op")
	}
}

func TestPublish_NearbyAndTargets(t *testing.T) {
	x := bus.NewExchange()
	g := testGrid(x)
	mb := bus.NewMailbox(16)
	hits := map[int]int{}
	for i := 0; i < g.CellCount(); i++ {
		idx := i
		g.WatchCellAtIndex("t", idx, mb, func(bus.Message) { hits[idx]++ })
	}

	_ = g.Publish("t", []entity.Positioned{pt{ID: "edge", X: 480, Y: 100}}, PublishOptions{Mode: ModeNearby})
	_ = g.Publish("t", []entity.Positioned{pt{ID: "far", X: 10, Y: 10}}, PublishOptions{
		Mode:    ModeTargets,
		Targets: func(entity.Positioned) []int { return []int{3} },
	})
	_ = g.PublishToCells("t", []entity.Positioned{pt{ID: "x"}, pt{ID: "y"}}, []int{2})
	mb.Drain()

	if hits[0] != 1 || hits[1] != 1 || hits[3] != 1 || hits[2] != 1 {
		t.Fatalf("hits=%v", hits)
	}
}

func TestWatchSet_DiffsAndIsIdempotent(t *testing.T) {
	x := bus.NewExchange()
	g := New(Config{WorldWidth: 3000, WorldHeight: 3000, Cols: 3, Rows: 3}, x, bus.JSON{})
	mb := bus.NewMailbox(4)
	ws := g.NewWatchSet("cell-data", mb, func(bus.Message) {})

	added, removed := ws.Update(500, 500, 600)
	if len(added) != 4 || len(removed) != 0 {
		t.Fatalf("first update added=%v removed=%v", added, removed)
	}
	added, removed = ws.Update(500, 500, 600)
	if len(added) != 0 || len(removed) != 0 {
		t.Fatalf("same position should not change subscriptions: %v %v", added, removed)
	}
	added, removed = ws.Update(2500, 500, 400)
	if len(added) != 1 || len(removed) != 4 || ws.Watching() != 1 {
		t.Fatalf("move added=%v removed=%v watching=%d", added, removed, ws.Watching())
	}
	if x.Subscribers(ChannelName("cell-data", Coord{Row: 0, Col: 0})) != 0 {
		t.Fatalf("old cell still subscribed")
	}
	added, removed = ws.Update(-5000, -5000, 10)
	if len(added) != 0 || len(removed) != 1 || ws.Watching() != 0 {
		t.Fatalf("outside the grid should watch nothing: %v %v", added, removed)
	}
}

func TestChannelName_RoundTrip(t *testing.T) {
	name := ChannelName("cell-data", Coord{Row: 3, Col: 12})
	c, ch, ok := ParseChannelName(name)
	if !ok || c != (Coord{Row: 3, Col: 12}) || ch != "cell-data" {
		t.Fatalf("parse %q = %v %q %v", name, c, ch, ok)
	}
	for _, bad := range []string{"cell-data", "(x,1)cell-data", "(1,2"} {
		if _, _, ok := ParseChannelName(bad); ok {
			t.Fatalf("parsed %q", bad)
		}
	}
}
