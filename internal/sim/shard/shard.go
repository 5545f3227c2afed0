// Package shard drives the cells one worker owns: it feeds them inbound
// refs and neighbour replicas, runs their simulation tick, hands entities
// off as they cross cell borders and publishes the result to clients.
//
// A Shard is single threaded. Bus handlers, ticks and reduced-rate
// publications all run on the goroutine that calls Run, so the cell trees
// need no locking. Shards never share memory; everything between them
// travels as encoded bus messages.
package shard

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"go.uber.org/zap"

	"shardworld.ai/internal/bus"
	"shardworld.ai/internal/sim/cell"
	"shardworld.ai/internal/sim/economy"
	"shardworld.ai/internal/sim/entity"
	"shardworld.ai/internal/sim/grid"
	"shardworld.ai/internal/sim/tuning"
)

var ErrBadAssignment = errors.New("invalid shard assignment")

// ErrNoOwner is returned for a ref that kept landing on replicas.
var ErrNoOwner = errors.New("no owning cell for ref")

// maxRefHops bounds forwarding while a hand-off is in flight.
const maxRefHops = 4

type Options struct {
	ID     int
	Count  int
	Tuning tuning.Tuning

	// Internal carries hand-off traffic, Client carries entity views.
	Internal *grid.Grid
	Client   *grid.Grid

	Logger      *zap.Logger
	Seed        int64
	Now         func() time.Time
	MailboxSize int
	Reporters   []Reporter
}

type key struct {
	typ string
	id  string
}

func keyOf(e entity.Entity) key {
	h := e.Head()
	return key{typ: h.Type, id: h.ID}
}

type cellState struct {
	index int
	tree  *entity.Tree
	// staged holds replicas received between ticks; restore moves them
	// into the tree before the simulator runs.
	staged map[key]entity.Entity
	// stash keeps pre-tick copies of external entities.
	stash          []entity.Entity
	pendingDeletes map[key]entity.Entity
	// ran holds the entities this cell simulated as owner in the current
	// tick. Ownership is unique at simulation time, including the tick an
	// entity is handed off in.
	ran map[key]bool

	sim   *cell.Simulator
	coins *economy.Coins
	stats CellReport
}

type Shard struct {
	id    int
	count int
	t     tuning.Tuning

	internal *grid.Grid
	client   *grid.Grid
	log      *zap.Logger
	now      func() time.Time
	mb       *bus.Mailbox

	cells   map[int]*cellState
	order   []int
	special map[string]bool

	reporters []Reporter
	tick      uint64
}

func New(opts Options) (*Shard, error) {
	if opts.Count <= 0 || opts.ID < 0 || opts.ID >= opts.Count {
		return nil, fmt.Errorf("shard %d of %d: %w", opts.ID, opts.Count, ErrBadAssignment)
	}
	if opts.Internal == nil || opts.Client == nil {
		return nil, fmt.Errorf("shard %d: internal and client grids are required", opts.ID)
	}
	table, err := economy.NewCoinTable(opts.Tuning.Coins.Types)
	if err != nil {
		return nil, fmt.Errorf("shard %d: %w", opts.ID, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &Shard{
		id:        opts.ID,
		count:     opts.Count,
		t:         opts.Tuning,
		internal:  opts.Internal,
		client:    opts.Client,
		log:       logger.Named("shard").With(zap.Int("shard", opts.ID)),
		now:       now,
		mb:        bus.NewMailbox(opts.MailboxSize),
		cells:     map[int]*cellState{},
		special:   opts.Tuning.SpecialTypes(),
		reporters: opts.Reporters,
	}

	n := s.internal.CellCount()
	if n%opts.Count != 0 {
		s.log.Warn("cell count is not a multiple of the shard count; load will be uneven",
			zap.Int("cells", n), zap.Int("shards", opts.Count))
	}
	for idx := 0; idx < n; idx++ {
		if idx%opts.Count != opts.ID {
			continue
		}
		s.cells[idx] = s.newCell(idx, table, opts.Seed)
		s.order = append(s.order, idx)
		s.internal.WatchCellAtIndex(ChannelInbound, idx, s.mb, s.inboundHandler(idx))
		s.internal.WatchCellAtIndex(ChannelTransition, idx, s.mb, s.transitionHandler(idx))
	}
	s.log.Info("shard ready", zap.Ints("cells", s.order))
	return s, nil
}

func (s *Shard) newCell(idx int, table *economy.CoinTable, seed int64) *cellState {
	t := s.t
	rng := rand.New(rand.NewSource(seed + int64(idx)))
	coins := economy.NewCoins(economy.CoinConfig{
		Bounds:       s.internal.Bounds(idx),
		NoDropRadius: t.Coins.PlayerNoDropDist,
		MaxCount:     t.CellCoinMaxCount(),
		DropInterval: time.Duration(t.CellCoinDropIntervalMs()) * time.Millisecond,
	}, table, rng)
	bots := economy.NewBots(economy.BotConfig{
		WorldWidth:  t.WorldWidth,
		WorldHeight: t.WorldHeight,
		Diameter:    t.Bots.Diameter,
		Speed:       t.Bots.MoveSpeed,
		Mass:        t.Bots.Mass,
		ChangeProb:  t.Bots.ChangeDirectionProb,
	}, rng)
	c := &cellState{
		index:          idx,
		tree:           entity.NewTree(),
		staged:         map[key]entity.Entity{},
		pendingDeletes: map[key]entity.Entity{},
		ran:            map[key]bool{},
		sim: cell.New(cell.Config{
			Index:       idx,
			WorldWidth:  t.WorldWidth,
			WorldHeight: t.WorldHeight,
			PlayerSpeed: t.Player.MoveSpeed,
		}, coins, bots, rng),
		coins: coins,
	}
	// Bots start anywhere in the world; the first dispatch hands them to
	// the cell they landed in.
	for i := 0; i < t.CellBotCount(); i++ {
		c.tree.Put(bots.New(economy.BotOptions{}))
	}
	return c
}

func (s *Shard) ID() int                 { return s.id }
func (s *Shard) Cells() []int            { return append([]int(nil), s.order...) }
func (s *Shard) Mailbox() *bus.Mailbox   { return s.mb }
func (s *Shard) Owns(cellIndex int) bool { return cellIndex%s.count == s.id }

// Run processes bus messages and ticks until ctx is cancelled.
func (s *Shard) Run(ctx context.Context) error {
	interval := time.Duration(s.t.TickIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	special := make(chan int)
	for _, ms := range s.t.SpecialIntervals() {
		go fire(ctx, ms, special)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-s.mb.C():
			s.mb.Dispatch(msg)
		case now := <-ticker.C:
			s.Tick(now)
		case ms := <-special:
			s.PublishTypes(s.t.SpecialUpdateIntervals[ms])
		}
	}
}

func fire(ctx context.Context, ms int, out chan<- int) {
	tk := time.NewTicker(time.Duration(ms) * time.Millisecond)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			select {
			case out <- ms:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Shard) inboundHandler(idx int) bus.Handler {
	return func(msg bus.Message) {
		c := s.cells[idx]
		var refs []entity.Ref
		if err := s.internal.Codec().Unmarshal(msg.Data, &refs); err != nil {
			c.stats.Rejected++
			s.log.Warn("decode inbound batch", zap.Int("cell", idx), zap.Error(err))
			return
		}
		for _, ref := range refs {
			if err := s.applyRef(c, ref); err != nil {
				c.stats.Rejected++
				s.log.Warn("rejected state ref", zap.Int("cell", idx), zap.String("id", ref.ID), zap.Error(err))
			}
		}
	}
}

// applyRef creates the referenced entity if the cell has never seen it and
// applies the ref's intent and tombstone.
func (s *Shard) applyRef(c *cellState, ref entity.Ref) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	k := key{typ: ref.Type, id: ref.ID}
	e, ok := c.lookup(k)
	if !ok {
		if ref.Create == nil {
			return fmt.Errorf("ref %s has no local state and no create payload: %w", ref.ID, entity.ErrInvalidRef)
		}
		created, err := ref.Create.Unwrap()
		if err != nil {
			return err
		}
		if keyOf(created) != k {
			return fmt.Errorf("ref %s carries state for %s: %w", ref.ID, created.Head().ID, entity.ErrInvalidRef)
		}
		h := created.Head()
		h.CCID = c.index
		h.Version = 1
		c.tree.Put(created)
		e = created
	}

	h := e.Head()
	if ok && h.External {
		return s.forwardRef(c, h, ref)
	}
	if ref.Op != nil {
		if p, ok := e.(*entity.Player); ok {
			p.Op = *ref.Op
		}
	}
	if ref.Delete {
		h.Tombstone()
	}
	h.TCID = s.internal.IndexOf(h.X, h.Y)
	h.UpdateExternal(c.index)
	h.Processed = s.now().UnixMilli()
	return nil
}

// forwardRef passes a ref that hit a replica on to the cell that owns the
// entity, or is about to after a hand-off. The replica is left untouched;
// the owner's next replication overwrites it.
func (s *Shard) forwardRef(c *cellState, h *entity.Header, ref entity.Ref) error {
	target := h.TCID
	if target == c.index {
		target = h.CCID
	}
	if target == c.index || target == entity.NoCell || ref.Hops >= maxRefHops {
		return fmt.Errorf("ref %s after %d hops: %w", ref.ID, ref.Hops, ErrNoOwner)
	}
	ref.Hops++
	ref.TCID = target
	ref.Create = nil
	if err := s.internal.PublishToCells(ChannelInbound, []entity.Positioned{ref}, []int{target}); err != nil {
		return err
	}
	c.stats.Forwarded++
	return nil
}

func (s *Shard) transitionHandler(idx int) bus.Handler {
	return func(msg bus.Message) {
		c := s.cells[idx]
		var envs []entity.Envelope
		if err := s.internal.Codec().Unmarshal(msg.Data, &envs); err != nil {
			c.stats.Rejected++
			s.log.Warn("decode transition batch", zap.Int("cell", idx), zap.Error(err))
			return
		}
		for _, env := range envs {
			e, err := env.Unwrap()
			if err != nil {
				c.stats.Rejected++
				s.log.Warn("rejected transition", zap.Int("cell", idx), zap.Error(err))
				continue
			}
			s.acceptTransition(c, e)
		}
	}
}

// acceptTransition applies an incoming copy iff the cell has none or the
// incoming version is newer. A copy targeting this cell makes it the
// owner; anything else is kept as a read-only replica.
func (s *Shard) acceptTransition(c *cellState, in entity.Entity) bool {
	k := keyOf(in)
	h := in.Head()
	cur, ok := c.lookup(k)
	accepted := !ok || h.Version > cur.Head().Version
	if accepted {
		if h.TCID == c.index && !h.Delete {
			h.CCID = c.index
			delete(c.staged, k)
			c.tree.Put(in)
			c.stats.Accepted++
		} else {
			c.staged[k] = in
			c.stats.Replicated++
		}
		h.UpdateExternal(c.index)
	} else {
		c.stats.Discarded++
	}
	if cur, ok := c.lookup(k); ok {
		cur.Head().Processed = s.now().UnixMilli()
	}
	return accepted
}

// lookup returns the newest copy the cell holds, staged or live.
func (c *cellState) lookup(k key) (entity.Entity, bool) {
	if e, ok := c.staged[k]; ok {
		return e, true
	}
	return c.tree.Get(k.typ, k.id)
}

// restore moves staged replicas into the tree and stashes a copy of every
// external entity so nothing the simulator does to them survives the tick.
func (c *cellState) restore() {
	for k, e := range c.staged {
		if cur, ok := c.tree.Get(k.typ, k.id); !ok || e.Head().Version > cur.Head().Version {
			c.tree.Put(e)
		}
		delete(c.staged, k)
	}
	c.stash = c.stash[:0]
	c.tree.Each(func(e entity.Entity) {
		if e.IsExternal() {
			c.stash = append(c.stash, e.Clone())
		}
	})
}

func (c *cellState) unstash() {
	for _, e := range c.stash {
		c.tree.Put(e)
	}
	c.stash = c.stash[:0]
}

func (c *cellState) clearOps() {
	for _, p := range c.tree.Players {
		p.Op = entity.Op{}
	}
}

// Tick runs one full step over every owned cell and publishes the result.
func (s *Shard) Tick(now time.Time) TickReport {
	start := time.Now()
	s.tick++
	nowMs := now.UnixMilli()

	for _, idx := range s.order {
		c := s.cells[idx]
		c.restore()
		res := c.sim.Run(c.tree, now)
		c.stats.Collected += res.Collected
		if res.Spawned != nil {
			c.stats.Spawned++
		}
		c.markGroups(res.Interactions)
		c.clearOps()
		c.unstash()
		s.dispatch(c, nowMs)
	}

	groups := s.buildGroups()
	views := s.collectViews(groups)
	if err := s.client.Publish(ChannelCellData, views, grid.PublishOptions{Mode: grid.ModeExactCell}); err != nil {
		s.log.Error("publish cell data", zap.Error(err))
	}

	rep := TickReport{
		Shard:      s.id,
		Tick:       s.tick,
		At:         nowMs,
		DurationUs: time.Since(start).Microseconds(),
		Published:  len(views),
		Dropped:    s.mb.Dropped(),
		Cells:      make([]CellReport, 0, len(s.order)),
	}
	for _, idx := range s.order {
		c := s.cells[idx]
		c.stats.Cell = idx
		c.stats.Owned, c.stats.Replicas = c.census()
		c.stats.Coins = c.coins.Count()
		rep.Cells = append(rep.Cells, c.stats)
		c.stats = CellReport{}
	}
	for _, r := range s.reporters {
		r.Report(rep)
	}
	return rep
}

func (c *cellState) census() (owned, replicas int) {
	c.tree.Each(func(e entity.Entity) {
		if e.IsExternal() {
			replicas++
		} else {
			owned++
		}
	})
	return owned, replicas
}

func sortedInts[V any](m map[int]V) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
