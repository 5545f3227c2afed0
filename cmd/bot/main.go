package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"shardworld.ai/internal/protocol"
)

type counters struct {
	joined   atomic.Int64
	cellData atomic.Int64
	states   atomic.Int64
	errors   atomic.Int64
}

func main() {
	var (
		url        = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name       = flag.String("name", "bot", "player name prefix")
		clients    = flag.Int("clients", 1, "concurrent connections")
		interval   = flag.Duration("interval", 100*time.Millisecond, "time between ACTION messages")
		changeProb = flag.Float64("change_prob", 0.05, "probability of picking a new direction per action")
		duration   = flag.Duration("duration", 0, "stop after this long (0: run until interrupted)")
	)
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if *duration > 0 {
		var c context.CancelFunc
		ctx, c = context.WithTimeout(ctx, *duration)
		defer c()
	}

	var (
		wg sync.WaitGroup
		cs counters
	)
	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b := &bot{
				name:       fmt.Sprintf("%s-%d", *name, i),
				interval:   *interval,
				changeProb: *changeProb,
				rng:        rand.New(rand.NewSource(time.Now().UnixNano() + int64(i))),
				log:        logger.With(zap.Int("bot", i)),
				cs:         &cs,
			}
			if err := b.run(ctx, *url); err != nil && ctx.Err() == nil {
				b.log.Warn("bot stopped", zap.Error(err))
			}
		}(i)
	}
	wg.Wait()
	logger.Info("done",
		zap.Int64("joined", cs.joined.Load()),
		zap.Int64("cell_data", cs.cellData.Load()),
		zap.Int64("states", cs.states.Load()),
		zap.Int64("errors", cs.errors.Load()),
	)
}

type bot struct {
	name       string
	interval   time.Duration
	changeProb float64
	rng        *rand.Rand
	log        *zap.Logger
	cs         *counters
}

func (b *bot) run(ctx context.Context, url string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(protocol.JoinMsg{Type: protocol.TypeJoin, ProtocolVersion: protocol.Version, Name: b.name}); err != nil {
		return fmt.Errorf("send JOIN: %w", err)
	}

	readErr := make(chan error, 1)
	go func() { readErr <- b.read(conn) }()

	tk := time.NewTicker(b.interval)
	defer tk.Stop()
	var act protocol.ActionMsg
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
			return nil
		case err := <-readErr:
			return err
		case <-tk.C:
			act = nextAction(b.rng, act, b.changeProb)
			if err := conn.WriteJSON(act); err != nil {
				return fmt.Errorf("send ACTION: %w", err)
			}
		}
	}
}

func (b *bot) read(conn *websocket.Conn) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeJoined:
			var j protocol.JoinedMsg
			if err := json.Unmarshal(msg, &j); err != nil {
				continue
			}
			b.cs.joined.Add(1)
			b.log.Info("JOINED", zap.String("id", j.Player.ID), zap.Float64("x", j.Player.X), zap.Float64("y", j.Player.Y))
		case protocol.TypeCellData:
			var cd protocol.CellDataMsg
			if err := json.Unmarshal(msg, &cd); err != nil {
				continue
			}
			b.cs.cellData.Add(1)
			b.cs.states.Add(int64(len(cd.States)))
		case protocol.TypeError:
			var e protocol.ErrorMsg
			_ = json.Unmarshal(msg, &e)
			b.cs.errors.Add(1)
			b.log.Warn("ERROR", zap.String("code", e.Code), zap.String("message", e.Message))
		}
	}
}

// nextAction keeps the previous direction unless a change is drawn or
// there is none yet. A new direction is one of the eight compass moves.
func nextAction(rng *rand.Rand, prev protocol.ActionMsg, changeProb float64) protocol.ActionMsg {
	moving := prev.Up || prev.Down || prev.Left || prev.Right
	if moving && rng.Float64() > changeProb {
		return prev
	}
	next := protocol.ActionMsg{Type: protocol.TypeAction, ProtocolVersion: protocol.Version}
	for !(next.Up || next.Down || next.Left || next.Right) {
		switch rng.Intn(3) {
		case 0:
			next.Up = true
		case 1:
			next.Down = true
		}
		switch rng.Intn(3) {
		case 0:
			next.Left = true
		case 1:
			next.Right = true
		}
	}
	return next
}
