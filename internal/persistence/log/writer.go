// Package log writes the tick journal: one JSON line per shard tick,
// zstd compressed and rotated every UTC hour.
package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const hourLayout = "2006-01-02-15"

type WriterOptions struct {
	// Now stamps records written without their own time. Defaults to
	// time.Now.
	Now   func() time.Time
	Level zstd.EncoderLevel
}

// JSONLZstdWriter appends JSON lines to one zstd file per UTC hour. The hour
// comes from the record's own time, so replayed or delayed records land in
// the file of the hour they describe, except that the writer never reopens
// an hour it already moved past.
type JSONLZstdWriter struct {
	dir    string
	prefix string
	now    func() time.Time
	level  zstd.EncoderLevel

	mu   sync.Mutex
	hour string
	f    *os.File
	enc  *zstd.Encoder
	buf  *bufio.Writer
}

func NewJSONLZstdWriter(dir, prefix string, opts WriterOptions) *JSONLZstdWriter {
	w := &JSONLZstdWriter{dir: dir, prefix: prefix, now: opts.Now, level: opts.Level}
	if w.now == nil {
		w.now = time.Now
	}
	if w.level == 0 {
		w.level = zstd.SpeedFastest
	}
	return w
}

// Write appends v stamped with the writer's clock.
func (w *JSONLZstdWriter) Write(v any) error { return w.WriteAt(w.now(), v) }

// WriteAt appends v as one line to the file of at's hour. A zero at uses
// the writer's clock.
func (w *JSONLZstdWriter) WriteAt(at time.Time, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if at.IsZero() {
		at = w.now()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	hour := at.UTC().Format(hourLayout)
	if hour < w.hour {
		hour = w.hour
	}
	if hour != w.hour || w.buf == nil {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}
	if _, err := w.buf.Write(b); err != nil {
		return err
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return err
	}
	return w.buf.Flush()
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

// Hour is the hour of the file written last, empty before the first write.
func (w *JSONLZstdWriter) Hour() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.hour
}

func (w *JSONLZstdWriter) Path(hour string) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	// Appending starts a new zstd frame; readers decode concatenated frames.
	f, err := os.OpenFile(w.Path(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(w.level))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f, w.enc, w.hour = f, enc, hour
	w.buf = bufio.NewWriterSize(enc, 64*1024)
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err error
	if w.buf != nil {
		err = w.buf.Flush()
		w.buf = nil
	}
	if w.enc != nil {
		if cerr := w.enc.Close(); err == nil {
			err = cerr
		}
		w.enc = nil
	}
	if w.f != nil {
		if cerr := w.f.Close(); err == nil {
			err = cerr
		}
		w.f = nil
	}
	return err
}
