package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"shardworld.ai/internal/sim/shard"
)

const journalPrefix = "journal"

// TickJournal is a shard.Reporter that persists tick reports off the tick
// goroutine. Reports that arrive while the queue is full are dropped and
// counted.
type TickJournal struct {
	w   *JSONLZstdWriter
	log *zap.Logger

	mu     sync.RWMutex
	closed bool
	ch     chan shard.TickReport
	done   chan struct{}

	dropped atomic.Uint64
}

func NewTickJournal(dataDir string, queue int, logger *zap.Logger) *TickJournal {
	if queue <= 0 {
		queue = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	j := &TickJournal{
		w:    NewJSONLZstdWriter(filepath.Join(dataDir, "journal"), journalPrefix, WriterOptions{}),
		log:  logger.Named("journal"),
		ch:   make(chan shard.TickReport, queue),
		done: make(chan struct{}),
	}
	go j.loop()
	return j
}

func (j *TickJournal) Report(r shard.TickReport) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.ch <- r:
	default:
		j.dropped.Add(1)
	}
}

func (j *TickJournal) Dropped() uint64 { return j.dropped.Load() }

// Close drains the queue and closes the current file.
func (j *TickJournal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.ch)
	j.mu.Unlock()

	<-j.done
	return j.w.Close()
}

func (j *TickJournal) loop() {
	defer close(j.done)
	failed := false
	for r := range j.ch {
		// Files follow the simulation clock, not the time the queue drained.
		var at time.Time
		if r.At > 0 {
			at = time.UnixMilli(r.At)
		}
		if err := j.w.WriteAt(at, r); err != nil {
			// Log the first failure of a run only; the next success re-arms it.
			if !failed {
				j.log.Warn("write failed", zap.Int("shard", r.Shard), zap.Uint64("tick", r.Tick), zap.Error(err))
			}
			failed = true
			continue
		}
		failed = false
	}
}

// JournalFiles lists the journal files under dataDir in chronological order.
func JournalFiles(dataDir string) ([]string, error) {
	dir := filepath.Join(dataDir, "journal")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, journalPrefix+"-") || !strings.HasSuffix(name, ".jsonl.zst") {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	return out, nil
}

// ReadJournal decodes every report in one journal file, in write order.
func ReadJournal(path string, fn func(shard.TickReport) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		var r shard.TickReport
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return fmt.Errorf("%s:%d: %w", filepath.Base(path), line, err)
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return sc.Err()
}
