// Package ws serves game clients over websockets. Each connection joins one
// player through the ingest router and watches the client cell channels
// around that player's latest published position.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"shardworld.ai/internal/bus"
	"shardworld.ai/internal/protocol"
	"shardworld.ai/internal/sim/entity"
	"shardworld.ai/internal/sim/grid"
	"shardworld.ai/internal/sim/shard"
	"shardworld.ai/internal/sim/tuning"
)

const (
	handshakeTimeout = 5 * time.Second
	readTimeout      = 60 * time.Second
	writeTimeout     = 5 * time.Second
	leaveTimeout     = time.Second

	defaultMailbox       = 256
	defaultActionsPerSec = 60
)

// Players is the slice of the ingest router a session needs.
type Players interface {
	Join(ctx context.Context, name string) (*entity.Player, error)
	Act(ctx context.Context, id string, op entity.Op) error
	Leave(ctx context.Context, id string) error
	SWID() string
}

type Options struct {
	Players Players
	Client  *grid.Grid
	Tuning  tuning.Tuning
	Logger  *zap.Logger

	// MailboxSize bounds the queued cell batches per session; extra batches
	// are dropped.
	MailboxSize   int
	ActionsPerSec int
}

type Server struct {
	players Players
	client  *grid.Grid
	t       tuning.Tuning
	log     *zap.Logger
	mbSize  int
	maxAct  int

	upgrader websocket.Upgrader
	sessions atomic.Int64
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		players: opts.Players,
		client:  opts.Client,
		t:       opts.Tuning,
		log:     logger.Named("ws"),
		mbSize:  opts.MailboxSize,
		maxAct:  opts.ActionsPerSec,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	if s.mbSize <= 0 {
		s.mbSize = defaultMailbox
	}
	if s.maxAct <= 0 {
		s.maxAct = defaultActionsPerSec
	}
	return s
}

func (s *Server) Sessions() int64 { return s.sessions.Load() }

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		s.sessions.Add(1)
		defer s.sessions.Add(-1)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		sess := newSession(s, conn)
		done := make(chan struct{})
		go func() {
			defer close(done)
			sess.pump(ctx, cancel)
			// Unblock the reader when the pump stops first.
			_ = conn.SetReadDeadline(time.Now())
		}()

		sess.read(ctx)
		cancel()
		<-done

		if id := sess.playerID.Load(); id != nil {
			lctx, lcancel := context.WithTimeout(context.Background(), leaveTimeout)
			if err := s.players.Leave(lctx, *id); err != nil {
				s.log.Warn("leave", zap.String("player", *id), zap.Error(err))
			}
			lcancel()
		}
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
	}
}

func (s *Server) worldInfo() protocol.WorldInfoMsg {
	return protocol.WorldInfoMsg{
		Type:            protocol.TypeWorldInfo,
		ProtocolVersion: protocol.Version,
		Width:           s.t.WorldWidth,
		Height:          s.t.WorldHeight,
		Cols:            s.client.Cols(),
		Rows:            s.client.Rows(),
		CellWidth:       s.client.CellWidth(),
		CellHeight:      s.client.CellHeight(),
		CellOverlapDist: s.t.CellOverlapDist,
		ServerWorkerID:  s.players.SWID(),
	}
}

// session is one connection. The reader goroutine handles client messages;
// the pump goroutine owns the watch set and is the only writer to conn.
type session struct {
	s    *Server
	conn *websocket.Conn
	log  *zap.Logger

	replies chan []byte
	joined  chan *entity.Player
	mb      *bus.Mailbox

	playerID atomic.Pointer[string]

	// pump goroutine only
	watch *grid.WatchSet
	self  string

	// reader goroutine only
	window  time.Time
	actions int
}

func newSession(s *Server, conn *websocket.Conn) *session {
	return &session{
		s:       s,
		conn:    conn,
		log:     s.log.With(zap.String("remote", conn.RemoteAddr().String())),
		replies: make(chan []byte, 16),
		joined:  make(chan *entity.Player, 1),
		mb:      bus.NewMailbox(s.mbSize),
	}
}

func (ss *session) pump(ctx context.Context, cancel context.CancelFunc) {
	ss.watch = ss.s.client.NewWatchSet(shard.ChannelCellData, ss.mb, ss.onCellData)
	defer ss.watch.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-ss.replies:
			if err := ss.write(b); err != nil {
				cancel()
				return
			}
		case p := <-ss.joined:
			ss.self = p.ID
			ss.watch.Update(p.X, p.Y, ss.s.t.DefaultLineOfSight)
		case msg := <-ss.mb.C():
			ss.mb.Dispatch(msg)
		}
	}
}

// onCellData forwards one cell batch and moves the watch set when the
// batch carries this session's player.
func (ss *session) onCellData(msg bus.Message) {
	coord, _, ok := grid.ParseChannelName(msg.Channel)
	if !ok {
		return
	}
	var states []protocol.EntityView
	if err := json.Unmarshal(msg.Data, &states); err != nil {
		ss.log.Debug("decode cell data", zap.String("channel", msg.Channel), zap.Error(err))
		return
	}
	for _, v := range states {
		if v.ID == ss.self && !v.Delete {
			ss.watch.Update(v.X, v.Y, ss.s.t.DefaultLineOfSight)
			break
		}
	}
	b, err := json.Marshal(protocol.CellDataMsg{
		Type:            protocol.TypeCellData,
		ProtocolVersion: protocol.Version,
		Cell:            [2]int{coord.Col, coord.Row},
		States:          states,
	})
	if err != nil {
		return
	}
	if err := ss.write(b); err != nil {
		ss.log.Debug("write cell data", zap.Error(err))
	}
}

func (ss *session) write(b []byte) error {
	_ = ss.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return ss.conn.WriteMessage(websocket.TextMessage, b)
}

func (ss *session) read(ctx context.Context) {
	timeout := handshakeTimeout
	for {
		_ = ss.conn.SetReadDeadline(time.Now().Add(timeout))
		_, msg, err := ss.conn.ReadMessage()
		if err != nil {
			return
		}
		if err := ss.handle(ctx, msg); err != nil {
			return
		}
		if ss.playerID.Load() != nil {
			timeout = readTimeout
		}
	}
}

// handle processes one client message. A returned error ends the session.
func (ss *session) handle(ctx context.Context, msg []byte) error {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return ss.fail(ctx, protocol.ErrProtoBadRequest, "invalid json")
	}
	if base.ProtocolVersion != "" && base.ProtocolVersion != protocol.Version {
		return ss.fail(ctx, protocol.ErrProtoBadRequest, "bad protocol_version")
	}
	if base.Channel != "" && !strings.HasPrefix(base.Channel, shard.ExternalPrefix) {
		return ss.fail(ctx, protocol.ErrForbiddenChannel, "clients may only address external channels")
	}

	switch base.Type {
	case protocol.TypeWorldInfo:
		return ss.reply(ctx, ss.s.worldInfo())

	case protocol.TypeJoin:
		if ss.playerID.Load() != nil {
			return ss.fail(ctx, protocol.ErrAlreadyJoined, "")
		}
		var join protocol.JoinMsg
		if err := json.Unmarshal(msg, &join); err != nil {
			return ss.fail(ctx, protocol.ErrProtoBadRequest, "bad JOIN")
		}
		name := strings.TrimSpace(join.Name)
		if name == "" {
			name = "player"
		}
		p, err := ss.s.players.Join(ctx, name)
		if err != nil {
			ss.log.Warn("join", zap.Error(err))
			_ = ss.fail(ctx, protocol.ErrInternal, "join failed")
			return err
		}
		id := p.ID
		ss.playerID.Store(&id)
		ss.log.Info("joined", zap.String("player", id), zap.String("name", name))
		select {
		case ss.joined <- p:
		case <-ctx.Done():
			return ctx.Err()
		}
		return ss.reply(ctx, protocol.JoinedMsg{
			Type:            protocol.TypeJoined,
			ProtocolVersion: protocol.Version,
			Player:          protocol.ViewOf(p),
		})

	case protocol.TypeAction:
		id := ss.playerID.Load()
		if id == nil {
			return ss.fail(ctx, protocol.ErrNotJoined, "JOIN first")
		}
		var act protocol.ActionMsg
		if err := json.Unmarshal(msg, &act); err != nil {
			return ss.fail(ctx, protocol.ErrProtoBadRequest, "bad ACTION")
		}
		if !ss.allowAction(time.Now()) {
			return ss.fail(ctx, protocol.ErrRateLimit, "")
		}
		op := entity.Op{Up: act.Up, Down: act.Down, Left: act.Left, Right: act.Right}
		return ss.s.players.Act(ctx, *id, op)

	default:
		return ss.fail(ctx, protocol.ErrProtoBadRequest, "unknown type "+base.Type)
	}
}

// allowAction counts actions in one-second windows.
func (ss *session) allowAction(now time.Time) bool {
	if now.Sub(ss.window) >= time.Second {
		ss.window = now
		ss.actions = 0
	}
	ss.actions++
	return ss.actions <= ss.s.maxAct
}

// fail reports an error to the client; the session stays open.
func (ss *session) fail(ctx context.Context, code, message string) error {
	return ss.reply(ctx, protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         message,
	})
}

func (ss *session) reply(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case ss.replies <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
