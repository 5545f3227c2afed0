// Package indexdb keeps a queryable copy of the tick journal in SQLite.
// The journal stays the source of truth; the index may lose reports under
// backpressure.
package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"shardworld.ai/internal/sim/shard"
	"shardworld.ai/internal/sim/tuning"
)

const defaultQueue = 4096

type SQLiteIndex struct {
	db  *sql.DB
	log *zap.Logger

	mu     sync.RWMutex
	closed bool
	ch     chan shard.TickReport
	done   chan struct{}

	dropTotal    atomic.Uint64
	writeTotal   atomic.Uint64
	writeFailure atomic.Uint64
}

type Stats struct {
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	DropTotal     uint64 `json:"drop_total"`
	WriteTotal    uint64 `json:"write_total"`
	WriteFailures uint64 `json:"write_failures"`
}

// CellTotals sums one cell's counters over every indexed tick.
type CellTotals struct {
	Ticks        int
	HandoffsSent int
	Accepted     int
	Rejected     int
	Published    int
	MaxOwned     int
}

func OpenSQLite(path string, queue int, logger *zap.Logger) (*SQLiteIndex, error) {
	if path == "" {
		return nil, errors.New("indexdb: empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if queue <= 0 {
		queue = defaultQueue
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &SQLiteIndex{
		db:   db,
		log:  logger.Named("indexdb"),
		ch:   make(chan shard.TickReport, queue),
		done: make(chan struct{}),
	}
	go s.loop()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	} {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("indexdb: %s: %w", p, err)
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			shard INTEGER NOT NULL,
			tick INTEGER NOT NULL,
			at INTEGER NOT NULL,
			duration_us INTEGER NOT NULL,
			published INTEGER NOT NULL,
			mailbox_dropped INTEGER NOT NULL,
			PRIMARY KEY (shard, tick)
		);`,
		`CREATE TABLE IF NOT EXISTS cells (
			shard INTEGER NOT NULL,
			tick INTEGER NOT NULL,
			cell INTEGER NOT NULL,
			owned INTEGER NOT NULL,
			replicas INTEGER NOT NULL,
			coins INTEGER NOT NULL,
			accepted INTEGER NOT NULL,
			replicated INTEGER NOT NULL,
			discarded INTEGER NOT NULL,
			rejected INTEGER NOT NULL,
			handoffs_sent INTEGER NOT NULL,
			deleted INTEGER NOT NULL,
			evicted INTEGER NOT NULL,
			groups_seen INTEGER NOT NULL,
			groups_published INTEGER NOT NULL,
			published INTEGER NOT NULL,
			collected INTEGER NOT NULL,
			spawned INTEGER NOT NULL,
			PRIMARY KEY (cell, tick, shard)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_cells_shard_tick ON cells(shard, tick);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Report queues r for the writer goroutine without blocking.
func (s *SQLiteIndex) Report(r shard.TickReport) {
	if s == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- r:
	default:
		s.dropTotal.Add(1)
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		DropTotal:     s.dropTotal.Load(),
		WriteTotal:    s.writeTotal.Load(),
		WriteFailures: s.writeFailure.Load(),
	}
}

// RecordTuning stores the tuning in effect and its digest.
func (s *SQLiteIndex) RecordTuning(ctx context.Context, t tuning.Tuning) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(b)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for k, v := range map[string]string{
		"schema_version": "1",
		"tuning":         string(b),
		"tuning_digest":  hex.EncodeToString(sum[:]),
		"recorded_at":    time.Now().UTC().Format(time.RFC3339Nano),
	} {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO meta(key,value) VALUES(?,?)`, k, v); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) Meta(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key=?`, key).Scan(&v)
	return v, err
}

func (s *SQLiteIndex) CellTotals(ctx context.Context, cell int) (CellTotals, error) {
	var out CellTotals
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*),
		COALESCE(SUM(handoffs_sent),0), COALESCE(SUM(accepted),0), COALESCE(SUM(rejected),0),
		COALESCE(SUM(published),0), COALESCE(MAX(owned),0)
		FROM cells WHERE cell=?`, cell).Scan(
		&out.Ticks, &out.HandoffsSent, &out.Accepted, &out.Rejected, &out.Published, &out.MaxOwned)
	return out, err
}

// Close drains queued reports, commits and closes the database.
func (s *SQLiteIndex) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	<-s.done
	return s.db.Close()
}

func (s *SQLiteIndex) loop() {
	defer close(s.done)

	const (
		commitEvery   = 500
		commitMaxWait = 2 * time.Second
	)
	var (
		tx         *sql.Tx
		pending    int
		lastCommit = time.Now()
	)
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.writeFailure.Add(uint64(pending))
			s.log.Warn("commit failed", zap.Int("reports", pending), zap.Error(err))
		} else {
			s.writeTotal.Add(uint64(pending))
		}
		tx, pending, lastCommit = nil, 0, time.Now()
	}

	for r := range s.ch {
		if tx == nil {
			txx, err := s.db.BeginTx(context.Background(), nil)
			if err != nil {
				s.writeFailure.Add(1)
				s.log.Warn("begin failed", zap.Error(err))
				time.Sleep(50 * time.Millisecond)
				continue
			}
			tx = txx
		}
		if err := insertReport(tx, r); err != nil {
			s.writeFailure.Add(uint64(pending) + 1)
			s.log.Warn("insert failed", zap.Int("shard", r.Shard), zap.Uint64("tick", r.Tick), zap.Error(err))
			_ = tx.Rollback()
			tx, pending = nil, 0
			continue
		}
		pending++
		if pending >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}
	commit()
}

func insertReport(tx *sql.Tx, r shard.TickReport) error {
	if _, err := tx.Exec(`INSERT OR REPLACE INTO ticks(shard,tick,at,duration_us,published,mailbox_dropped) VALUES(?,?,?,?,?,?)`,
		r.Shard, int64(r.Tick), r.At, r.DurationUs, r.Published, int64(r.Dropped)); err != nil {
		return err
	}
	for _, c := range r.Cells {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO cells(shard,tick,cell,owned,replicas,coins,accepted,replicated,discarded,rejected,
			handoffs_sent,deleted,evicted,groups_seen,groups_published,published,collected,spawned)
			VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			r.Shard, int64(r.Tick), c.Cell, c.Owned, c.Replicas, c.Coins, c.Accepted, c.Replicated, c.Discarded, c.Rejected,
			c.HandoffsSent, c.Deleted, c.Evicted, c.Groups, c.GroupsPublished, c.Published, c.Collected, c.Spawned); err != nil {
			return err
		}
	}
	return nil
}
