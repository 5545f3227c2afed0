package shard

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"shardworld.ai/internal/bus"
	"shardworld.ai/internal/protocol"
	"shardworld.ai/internal/sim/entity"
	"shardworld.ai/internal/sim/grid"
	"shardworld.ai/internal/sim/tuning"
)

// testTuning is a 1000x500 world split into two 500x500 cells, no bots and
// no coin drops.
func testTuning() tuning.Tuning {
	tu := tuning.Defaults()
	tu.WorldWidth, tu.WorldHeight = 1000, 500
	tu.CellWidth, tu.CellHeight = 500, 500
	tu.CellOverlapDist = 150
	tu.Player.MoveSpeed = 10
	tu.Bots.Count = 0
	tu.Coins.MaxCount = 0
	tu.ShardCount = 1
	return tu
}

type harness struct {
	t        *testing.T
	ex       *bus.Exchange
	internal *grid.Grid
	client   *grid.Grid
	clock    time.Time
	shard    *Shard
}

func newHarness(t *testing.T, tu tuning.Tuning) *harness {
	t.Helper()
	ex := bus.NewExchange()
	cfg := grid.ConfigFromTuning(tu)
	h := &harness{
		t:        t,
		ex:       ex,
		internal: grid.New(cfg, ex, bus.Msgpack{}),
		client:   grid.New(cfg, ex, bus.JSON{}),
		clock:    time.Unix(1_700_000_000, 0),
	}
	s, err := New(Options{
		ID:       0,
		Count:    1,
		Tuning:   tu,
		Internal: h.internal,
		Client:   h.client,
		Seed:     1,
		Now:      func() time.Time { return h.clock },
	})
	if err != nil {
		t.Fatalf("new shard: %v", err)
	}
	h.shard = s
	return h
}

func (h *harness) cell(idx int) *cellState { return h.shard.cells[idx] }

func (h *harness) drain() { h.shard.Mailbox().Drain() }

func (h *harness) tick() TickReport {
	h.clock = h.clock.Add(20 * time.Millisecond)
	return h.shard.Tick(h.clock)
}

func (h *harness) sendRefs(refs ...entity.Ref) {
	h.t.Helper()
	err := h.internal.Publish(ChannelInbound, positioned(refs), grid.PublishOptions{
		Mode:    grid.ModeTargets,
		Targets: func(obj entity.Positioned) []int { return []int{obj.(entity.Ref).TCID} },
	})
	if err != nil {
		h.t.Fatalf("publish refs: %v", err)
	}
	h.drain()
}

func (h *harness) sendTransition(cellIndex int, es ...entity.Entity) {
	h.t.Helper()
	envs := make([]entity.Envelope, 0, len(es))
	for _, e := range es {
		envs = append(envs, entity.Wrap(e))
	}
	if err := h.internal.PublishToCells(ChannelTransition, positioned(envs), []int{cellIndex}); err != nil {
		h.t.Fatalf("publish transition: %v", err)
	}
	h.drain()
}

func (h *harness) playerRef(id string, x, y float64, swid string) entity.Ref {
	p := &entity.Player{Header: entity.NewHeader(id, entity.TypePlayer, x, y), Name: id, Diam: 60, Mass: 20}
	p.SWID = swid
	env := entity.Wrap(p)
	return entity.Ref{ID: id, Type: entity.TypePlayer, SWID: swid, TCID: h.internal.IndexOf(x, y), Create: &env}
}

// viewLog collects everything published on the client channels.
type viewLog struct {
	mb    *bus.Mailbox
	views []protocol.EntityView
}

func (h *harness) watchClient() *viewLog {
	w := &viewLog{mb: bus.NewMailbox(256)}
	for idx := 0; idx < h.client.CellCount(); idx++ {
		h.client.WatchCellAtIndex(ChannelCellData, idx, w.mb, func(msg bus.Message) {
			var batch []protocol.EntityView
			if err := json.Unmarshal(msg.Data, &batch); err != nil {
				h.t.Fatalf("decode cell data: %v", err)
			}
			w.views = append(w.views, batch...)
		})
	}
	return w
}

func (w *viewLog) take() []protocol.EntityView {
	w.mb.Drain()
	out := w.views
	w.views = nil
	return out
}

func countID(views []protocol.EntityView, id string) int {
	n := 0
	for _, v := range views {
		if v.ID == id {
			n++
		}
	}
	return n
}

func findView(t *testing.T, views []protocol.EntityView, id string) protocol.EntityView {
	t.Helper()
	for _, v := range views {
		if v.ID == id {
			return v
		}
	}
	t.Fatalf("no view for %s in %+v", id, views)
	return protocol.EntityView{}
}

func TestNew_AssignsCellsByModulo(t *testing.T) {
	tu := testTuning()
	tu.WorldWidth, tu.WorldHeight = 2000, 1000
	ex := bus.NewExchange()
	cfg := grid.ConfigFromTuning(tu)
	internal := grid.New(cfg, ex, bus.Msgpack{})
	client := grid.New(cfg, ex, bus.JSON{})

	s, err := New(Options{ID: 1, Count: 3, Tuning: tu, Internal: internal, Client: client})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := s.Cells(); !reflect.DeepEqual(got, []int{1, 4, 7}) {
		t.Fatalf("cells=%v want [1 4 7]", got)
	}
	if !s.Owns(7) || s.Owns(6) {
		t.Fatalf("ownership check disagrees with the assignment")
	}
	if _, err := New(Options{ID: 3, Count: 3, Tuning: tu, Internal: internal, Client: client}); !errors.Is(err, ErrBadAssignment) {
		t.Fatalf("err=%v want ErrBadAssignment", err)
	}
}

func TestNew_RejectsBrokenCoinTable(t *testing.T) {
	tu := testTuning()
	tu.Coins.Types = []tuning.CoinType{{Type: 1, Value: 1, Radius: 10, Probability: 0.5}}
	ex := bus.NewExchange()
	cfg := grid.ConfigFromTuning(tu)
	_, err := New(Options{ID: 0, Count: 1, Tuning: tu, Internal: grid.New(cfg, ex, bus.Msgpack{}), Client: grid.New(cfg, ex, bus.JSON{})})
	if err == nil {
		t.Fatalf("expected a configuration error")
	}
}

func TestInbound_CreatesOwnedEntity(t *testing.T) {
	h := newHarness(t, testTuning())
	w := h.watchClient()
	h.sendRefs(h.playerRef("p1", 100, 100, "sw1"))

	p := h.cell(0).tree.Players["p1"]
	if p == nil {
		t.Fatalf("player not created in cell 0")
	}
	if p.CCID != 0 || p.TCID != 0 || p.Version != 1 || p.External {
		t.Fatalf("header=%+v", p.Header)
	}

	rep := h.tick()
	if p.Version != 2 {
		t.Fatalf("version=%d want 2 after one tick", p.Version)
	}
	views := w.take()
	if countID(views, "p1") != 1 {
		t.Fatalf("p1 published %d times", countID(views, "p1"))
	}
	if v := findView(t, views, "p1"); v.X != 100 || v.Y != 100 || v.Diam != 60 {
		t.Fatalf("view=%+v", v)
	}
	if rep.Cells[0].Owned != 1 || rep.Published != 1 {
		t.Fatalf("report=%+v", rep)
	}
}

func TestInbound_RejectsRefWithoutState(t *testing.T) {
	h := newHarness(t, testTuning())
	h.sendRefs(
		entity.Ref{ID: "ghost", Type: entity.TypePlayer, TCID: 0},
		entity.Ref{Type: entity.TypePlayer, TCID: 0},
	)
	h.ex.Publish(grid.ChannelName(ChannelInbound, h.internal.CoordOf(0)), []byte{0xc1})
	h.drain()

	if h.cell(0).tree.Len() != 0 {
		t.Fatalf("invalid refs created state")
	}
	if rep := h.tick(); rep.Cells[0].Rejected != 3 {
		t.Fatalf("rejected=%d want 3", rep.Cells[0].Rejected)
	}
}

func TestInbound_OpMovesPlayerForOneTick(t *testing.T) {
	h := newHarness(t, testTuning())
	h.sendRefs(h.playerRef("p1", 100, 100, "sw1"))
	op := entity.Op{Right: true}
	h.sendRefs(entity.Ref{ID: "p1", Type: entity.TypePlayer, TCID: 0, Op: &op})

	h.tick()
	p := h.cell(0).tree.Players["p1"]
	if p.X != 110 || p.Y != 100 {
		t.Fatalf("after op: (%v,%v) want (110,100)", p.X, p.Y)
	}
	h.tick()
	if p.X != 110 {
		t.Fatalf("op applied twice: x=%v", p.X)
	}
}

func TestTombstone_PublishedExactlyOnce(t *testing.T) {
	h := newHarness(t, testTuning())
	w := h.watchClient()
	h.sendRefs(h.playerRef("p1", 100, 100, "sw1"))
	h.tick()
	w.take()

	h.sendRefs(entity.Ref{ID: "p1", Type: entity.TypePlayer, TCID: 0, Delete: true})
	rep := h.tick()
	views := w.take()
	if countID(views, "p1") != 1 || !findView(t, views, "p1").Delete {
		t.Fatalf("tombstone not published once: %+v", views)
	}
	if _, ok := h.cell(0).tree.Players["p1"]; ok {
		t.Fatalf("deleted player still in the tree")
	}
	if rep.Cells[0].Deleted != 1 {
		t.Fatalf("deleted=%d", rep.Cells[0].Deleted)
	}

	h.tick()
	if n := countID(w.take(), "p1"); n != 0 {
		t.Fatalf("tombstone published again (%d)", n)
	}
}

func TestTransition_IdempotentAndMonotonic(t *testing.T) {
	h := newHarness(t, testTuning())
	incoming := func(version uint64, x float64) *entity.Player {
		p := &entity.Player{Header: entity.NewHeader("x", entity.TypePlayer, x, 100), Diam: 60, Mass: 20}
		p.SetOwner(0, 1)
		p.Version = version
		return p
	}

	h.sendTransition(1, incoming(5, 700))
	p := h.cell(1).tree.Players["x"]
	if p == nil || p.CCID != 1 || p.External {
		t.Fatalf("ownership not taken: %+v", p)
	}
	before := *p

	h.sendTransition(1, incoming(5, 710))
	if got := *h.cell(1).tree.Players["x"]; !reflect.DeepEqual(before, got) {
		t.Fatalf("duplicate transition changed state:\n%+v\n%+v", before, got)
	}

	h.sendTransition(1, incoming(3, 720))
	if got := h.cell(1).tree.Players["x"]; got.Version != 5 || got.X != 700 {
		t.Fatalf("older version applied: v=%d x=%v", got.Version, got.X)
	}

	h.sendTransition(1, incoming(7, 730))
	if got := h.cell(1).tree.Players["x"]; got.Version != 7 || got.X != 730 {
		t.Fatalf("newer version ignored: v=%d x=%v", got.Version, got.X)
	}

	rep := h.tick()
	if c := rep.Cells[1]; c.Accepted != 2 || c.Discarded != 2 {
		t.Fatalf("accepted=%d discarded=%d", c.Accepted, c.Discarded)
	}
}

func TestTransition_ReplicaIsReadOnly(t *testing.T) {
	h := newHarness(t, testTuning())
	w := h.watchClient()
	r := &entity.Player{Header: entity.NewHeader("r", entity.TypePlayer, 450, 100), Diam: 60, Mass: 20}
	r.SetOwner(0, 0)
	r.Version = 5
	r.Op = entity.Op{Right: true}
	h.sendTransition(1, r)

	if _, ok := h.cell(1).tree.Players["r"]; ok {
		t.Fatalf("replica should be staged until the next tick")
	}
	rep := h.tick()
	got := h.cell(1).tree.Players["r"]
	if got == nil || !got.External {
		t.Fatalf("replica missing or owned: %+v", got)
	}
	if got.X != 450 || got.Version != 5 {
		t.Fatalf("replica mutated: x=%v v=%d", got.X, got.Version)
	}
	if countID(w.take(), "r") != 0 {
		t.Fatalf("a replica was published")
	}
	if rep.Cells[1].Replicas != 1 || rep.Cells[1].Replicated != 1 {
		t.Fatalf("report=%+v", rep.Cells[1])
	}
}

func TestStaleReplicaEvicted(t *testing.T) {
	tu := testTuning()
	h := newHarness(t, tu)
	r := &entity.Player{Header: entity.NewHeader("r", entity.TypePlayer, 450, 100), Diam: 60, Mass: 20}
	r.SetOwner(0, 0)
	r.Version = 2
	h.sendTransition(1, r)

	h.tick()
	if _, ok := h.cell(1).tree.Players["r"]; !ok {
		t.Fatalf("fresh replica evicted")
	}
	h.clock = h.clock.Add(time.Duration(tu.StaleTimeoutMs+100) * time.Millisecond)
	rep := h.tick()
	if _, ok := h.cell(1).tree.Players["r"]; ok {
		t.Fatalf("stale replica kept")
	}
	if rep.Cells[1].Evicted != 1 {
		t.Fatalf("evicted=%d", rep.Cells[1].Evicted)
	}
}

func TestHandoff_MovesOwnershipAndNotifiesConnection(t *testing.T) {
	h := newHarness(t, testTuning())
	w := h.watchClient()

	var returned []entity.Ref
	rmb := bus.NewMailbox(16)
	h.ex.Subscribe(ReturnChannel("sw1"), rmb, func(msg bus.Message) {
		var refs []entity.Ref
		if err := h.internal.Codec().Unmarshal(msg.Data, &refs); err != nil {
			t.Fatalf("decode return refs: %v", err)
		}
		returned = append(returned, refs...)
	})

	h.sendRefs(h.playerRef("p1", 495, 100, "sw1"))
	op := entity.Op{Right: true}
	h.sendRefs(entity.Ref{ID: "p1", Type: entity.TypePlayer, TCID: 0, Op: &op})

	rep := h.tick()
	old := h.cell(0).tree.Players["p1"]
	if old.TCID != 1 || !old.External {
		t.Fatalf("cell 0 copy after crossing: %+v", old.Header)
	}
	if rep.Cells[0].HandoffsSent != 1 {
		t.Fatalf("handoffs=%d", rep.Cells[0].HandoffsSent)
	}
	rmb.Drain()
	if len(returned) != 1 || returned[0].ID != "p1" || returned[0].TCID != 1 {
		t.Fatalf("return refs=%+v", returned)
	}

	h.drain()
	p := h.cell(1).tree.Players["p1"]
	if p == nil || p.CCID != 1 || p.External {
		t.Fatalf("cell 1 did not take ownership: %+v", p)
	}
	w.take()

	h.tick()
	if countID(w.take(), "p1") != 1 {
		t.Fatalf("entity should be published exactly once after the hand-off")
	}
	if p.Version != 3 {
		t.Fatalf("version=%d want 3", p.Version)
	}
}

func TestInbound_RefToOldOwnerIsForwarded(t *testing.T) {
	h := newHarness(t, testTuning())
	w := h.watchClient()
	h.sendRefs(h.playerRef("p1", 495, 100, "sw1"))
	op := entity.Op{Right: true}
	h.sendRefs(entity.Ref{ID: "p1", Type: entity.TypePlayer, TCID: 0, Op: &op})
	h.tick()
	h.drain()
	if h.owner("p1") != 1 {
		t.Fatalf("p1 not handed to cell 1")
	}
	w.take()

	// The connection shard has not seen the return ref yet.
	h.sendRefs(entity.Ref{ID: "p1", Type: entity.TypePlayer, TCID: 0, Delete: true})
	if p := h.cell(1).tree.Players["p1"]; p == nil || !p.Delete {
		t.Fatalf("delete did not reach the owner: %+v", p)
	}

	rep := h.tick()
	views := w.take()
	if countID(views, "p1") != 1 || !findView(t, views, "p1").Delete {
		t.Fatalf("tombstone not published once: %+v", views)
	}
	if rep.Cells[0].Forwarded != 1 || rep.Cells[1].Deleted != 1 {
		t.Fatalf("report=%+v", rep.Cells)
	}
	h.drain()
	h.tick()
	if n := countID(w.take(), "p1"); n != 0 {
		t.Fatalf("p1 published %d times after its tombstone", n)
	}
	for _, idx := range []int{0, 1} {
		if _, ok := h.cell(idx).tree.Players["p1"]; ok {
			t.Fatalf("cell %d still holds p1", idx)
		}
	}
}

func TestInbound_ForwardingStopsWithoutOwner(t *testing.T) {
	h := newHarness(t, testTuning())
	r := &entity.Player{Header: entity.NewHeader("r", entity.TypePlayer, 450, 100), Diam: 60, Mass: 20}
	r.SetOwner(0, 0)
	r.Version = 2
	h.sendTransition(1, r)
	h.tick()

	h.sendRefs(entity.Ref{ID: "r", Type: entity.TypePlayer, TCID: 1, Delete: true, Hops: maxRefHops})
	rep := h.tick()
	if rep.Cells[1].Rejected != 1 || rep.Cells[1].Forwarded != 0 {
		t.Fatalf("report=%+v", rep.Cells[1])
	}
}

func TestGroups_OneCellPublishesStraddlingPair(t *testing.T) {
	h := newHarness(t, testTuning())
	w := h.watchClient()
	h.sendRefs(h.playerRef("a", 480, 250, "sw1"), h.playerRef("b", 520, 250, "sw1"))

	h.tick()
	w.take()
	h.drain()

	rep := h.tick()
	views := w.take()
	if countID(views, "a") != 1 || countID(views, "b") != 1 {
		t.Fatalf("a=%d b=%d, want each exactly once", countID(views, "a"), countID(views, "b"))
	}
	if a, b := findView(t, views, "a"), findView(t, views, "b"); a.X != 470 || b.X != 530 {
		t.Fatalf("group positions a=%v b=%v want 470/530", a.X, b.X)
	}
	authorities := 0
	for _, c := range rep.Cells {
		if c.Groups != 1 {
			t.Fatalf("cell %d sees %d groups", c.Cell, c.Groups)
		}
		authorities += c.GroupsPublished
	}
	if authorities != 1 {
		t.Fatalf("%d cells published the group", authorities)
	}
}

// owner returns the cell holding the owned copy of a player, or -1.
func (h *harness) owner(id string) int {
	for _, idx := range h.shard.order {
		if p, ok := h.cell(idx).tree.Players[id]; ok && !p.External {
			return idx
		}
	}
	return -1
}

func TestGroups_PushAcrossBoundaryPublishesEachOncePerTick(t *testing.T) {
	h := newHarness(t, testTuning())
	w := h.watchClient()
	h.sendRefs(h.playerRef("a", 440, 250, "sw1"), h.playerRef("b", 510, 250, "sw1"))

	crossed := -1
	for i := 0; i < 40; i++ {
		op := entity.Op{Right: true}
		h.sendRefs(entity.Ref{ID: "a", Type: entity.TypePlayer, TCID: h.owner("a"), Op: &op})
		h.tick()
		views := w.take()
		if na, nb := countID(views, "a"), countID(views, "b"); na != 1 || nb != 1 {
			t.Fatalf("tick %d: a=%d b=%d, want each exactly once", i, na, nb)
		}
		h.drain()
		if crossed < 0 && h.owner("a") == 1 {
			crossed = i
		}
	}
	if crossed < 0 {
		t.Fatalf("a never crossed into cell 1")
	}
	if a := h.cell(1).tree.Players["a"]; a.X <= 500 {
		t.Fatalf("a.x=%v after crossing", a.X)
	}
}

func TestGroups_LeaderIsOrderIndependent(t *testing.T) {
	h := newHarness(t, testTuning())
	c := h.cell(0)
	snapA := map[string]entity.GroupPoint{
		"a": {Type: entity.TypePlayer, X: 100, Y: 100},
		"b": {Type: entity.TypePlayer, X: 140, Y: 100},
	}
	snapB := map[string]entity.GroupPoint{
		"a": {Type: entity.TypePlayer, X: 102, Y: 100},
		"b": {Type: entity.TypePlayer, X: 142, Y: 100},
	}
	for _, id := range []string{"b", "a"} {
		p := &entity.Player{Header: entity.NewHeader(id, entity.TypePlayer, 0, 0), Diam: 40}
		p.Group = snapB
		if id == "a" {
			p.Group = snapA
		}
		c.tree.Put(p)
	}
	g := h.shard.groupsFor(c)["a,b"]
	if g == nil || g.Leader != "a" || g.Carrier != "a" || g.X != 120 {
		t.Fatalf("group=%+v", g)
	}
	if g.Authority {
		t.Fatalf("a cell that did not simulate the leader claimed the group")
	}
}

func TestPublishTypes_ReducedRate(t *testing.T) {
	h := newHarness(t, testTuning())
	w := h.watchClient()
	c := h.cell(0)
	coin := c.coins.Add(2, 1, 10, nil)
	if coin == nil {
		t.Fatalf("coin placement failed")
	}
	c.tree.Put(coin)

	h.tick()
	if countID(w.take(), coin.ID) != 0 {
		t.Fatalf("reduced-rate type published on the main tick")
	}
	if n := h.shard.PublishTypes([]string{entity.TypeCoin}); n != 1 {
		t.Fatalf("published %d coins", n)
	}
	if v := findView(t, w.take(), coin.ID); v.Value != 2 || v.Subtype != "1" {
		t.Fatalf("coin view=%+v", v)
	}

	c.coins.Remove(coin.ID)
	h.tick()
	views := w.take()
	if countID(views, coin.ID) != 1 || !findView(t, views, coin.ID).Delete {
		t.Fatalf("coin tombstone not published on the main tick: %+v", views)
	}
}
