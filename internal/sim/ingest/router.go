// Package ingest is the connection side of the world: it keeps one ref per
// entity created through this server worker, routes intents to the cell that
// currently owns each entity and follows hand-offs through the return
// channel.
package ingest

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"shardworld.ai/internal/bus"
	"shardworld.ai/internal/sim/entity"
	"shardworld.ai/internal/sim/grid"
	"shardworld.ai/internal/sim/shard"
	"shardworld.ai/internal/sim/tuning"
)

type Options struct {
	// SWID identifies this server worker on the return channel. A random id
	// is generated when empty.
	SWID     string
	Tuning   tuning.Tuning
	Internal *grid.Grid
	Logger   *zap.Logger
	Rand     *rand.Rand
}

type reqKind int

const (
	reqCreate reqKind = iota
	reqUpdate
	reqDelete
)

type request struct {
	kind reqKind
	id   string
	name string
	op   entity.Op
	resp chan *entity.Player
}

// Router is an actor: Join, Act and Leave enqueue requests and Run applies
// them on its own goroutine together with return-channel updates and the
// per-tick flush.
type Router struct {
	swid     string
	t        tuning.Tuning
	internal *grid.Grid
	log      *zap.Logger
	rng      *rand.Rand

	reqs chan request
	mb   *bus.Mailbox
	refs map[string]*entity.Ref

	flushed uint64
}

func New(opts Options) *Router {
	swid := opts.SWID
	if swid == "" {
		swid = uuid.NewString()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	r := &Router{
		swid:     swid,
		t:        opts.Tuning,
		internal: opts.Internal,
		log:      logger.Named("ingest").With(zap.String("swid", swid)),
		rng:      rng,
		reqs:     make(chan request, 1024),
		mb:       bus.NewMailbox(1024),
		refs:     map[string]*entity.Ref{},
	}
	r.internal.Exchange().Subscribe(shard.ReturnChannel(swid), r.mb, r.handleReturn)
	return r
}

func (r *Router) SWID() string { return r.swid }

// NewPlayer builds a player at a random position inside the world.
func NewPlayer(t tuning.Tuning, swid, name string, rng *rand.Rand) *entity.Player {
	d := t.Player.Diameter
	x := math.Round(d/2 + (t.WorldWidth-d)*rng.Float64())
	y := math.Round(d/2 + (t.WorldHeight-d)*rng.Float64())
	p := &entity.Player{
		Header: entity.NewHeader(uuid.NewString(), entity.TypePlayer, x, y),
		Name:   name,
		Diam:   d,
		Mass:   t.Player.Mass,
	}
	p.SWID = swid
	return p
}

// Join creates a player entity, queues it for its first cell and returns a
// copy of it.
func (r *Router) Join(ctx context.Context, name string) (*entity.Player, error) {
	resp := make(chan *entity.Player, 1)
	if err := r.send(ctx, request{kind: reqCreate, name: name, resp: resp}); err != nil {
		return nil, err
	}
	select {
	case p := <-resp:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Act merges op into the entity's intent for the next tick.
func (r *Router) Act(ctx context.Context, id string, op entity.Op) error {
	return r.send(ctx, request{kind: reqUpdate, id: id, op: op})
}

// Leave tombstones the entity.
func (r *Router) Leave(ctx context.Context, id string) error {
	return r.send(ctx, request{kind: reqDelete, id: id})
}

func (r *Router) send(ctx context.Context, req request) error {
	select {
	case r.reqs <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(r.t.TickIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-r.reqs:
			r.handle(req)
		case msg := <-r.mb.C():
			r.mb.Dispatch(msg)
		case <-ticker.C:
			r.Flush()
		}
	}
}

func (r *Router) handle(req request) {
	switch req.kind {
	case reqCreate:
		p := r.create(req.name)
		if req.resp != nil {
			req.resp <- p
		}
	case reqUpdate:
		ref, ok := r.refs[req.id]
		if !ok {
			r.log.Debug("action for unknown entity", zap.String("id", req.id))
			return
		}
		op := req.op
		if ref.Op != nil {
			op = ref.Op.Merge(op)
		}
		ref.Op = &op
	case reqDelete:
		if ref, ok := r.refs[req.id]; ok {
			ref.Delete = true
		}
	}
}

func (r *Router) create(name string) *entity.Player {
	p := NewPlayer(r.t, r.swid, name, r.rng)
	env := entity.Wrap(p.Clone())
	r.refs[p.ID] = &entity.Ref{
		ID:     p.ID,
		Type:   p.Type,
		SWID:   r.swid,
		TCID:   r.internal.IndexOf(p.X, p.Y),
		Create: &env,
	}
	return p
}

// handleReturn follows hand-offs reported by the owning cells.
func (r *Router) handleReturn(msg bus.Message) {
	var refs []entity.Ref
	if err := r.internal.Codec().Unmarshal(msg.Data, &refs); err != nil {
		r.log.Warn("decode return refs", zap.Error(err))
		return
	}
	for _, in := range refs {
		ref, ok := r.refs[in.ID]
		if !ok {
			continue
		}
		ref.TCID = in.TCID
		if in.Delete {
			ref.Delete = true
		}
	}
}

// Flush sends every ref to the inbound channel of its target cell. One-shot
// intents are cleared afterwards, create payloads are only sent once and
// deleted refs are forgotten.
func (r *Router) Flush() {
	if len(r.refs) == 0 {
		return
	}
	ids := make([]string, 0, len(r.refs))
	for id := range r.refs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	objs := make([]entity.Positioned, 0, len(ids))
	for _, id := range ids {
		objs = append(objs, *r.refs[id])
	}
	err := r.internal.Publish(shard.ChannelInbound, objs, grid.PublishOptions{
		Mode:    grid.ModeTargets,
		Targets: func(obj entity.Positioned) []int { return []int{obj.(entity.Ref).TCID} },
	})
	if err != nil {
		r.log.Error("flush refs", zap.Error(err))
		return
	}
	r.flushed++
	for _, id := range ids {
		ref := r.refs[id]
		ref.Op = nil
		ref.Create = nil
		if ref.Delete {
			delete(r.refs, id)
		}
	}
}

// Ref returns a copy of the ref held for id.
func (r *Router) Ref(id string) (entity.Ref, bool) {
	ref, ok := r.refs[id]
	if !ok {
		return entity.Ref{}, false
	}
	return *ref, true
}

func (r *Router) Len() int { return len(r.refs) }
