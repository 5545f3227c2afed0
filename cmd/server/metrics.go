package main

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"shardworld.ai/internal/persistence/indexdb"
	"shardworld.ai/internal/sim/shard"
)

// tickStats keeps the latest report of every shard for /metrics and the
// admin state endpoint.
type tickStats struct {
	mu   sync.Mutex
	last map[int]shard.TickReport
}

func newTickStats() *tickStats {
	return &tickStats{last: map[int]shard.TickReport{}}
}

func (s *tickStats) Report(r shard.TickReport) {
	s.mu.Lock()
	s.last[r.Shard] = r
	s.mu.Unlock()
}

func (s *tickStats) latest() []shard.TickReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]shard.TickReport, 0, len(s.last))
	for _, r := range s.last {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Shard < out[j].Shard })
	return out
}

type metricsExtra struct {
	Sessions     int64
	JournalDrops uint64
	Index        indexdb.Stats
}

func (s *tickStats) writeMetrics(w io.Writer, extra metricsExtra) {
	reports := s.latest()

	fmt.Fprintf(w, "# HELP shardworld_shard_tick Last completed tick per shard.\n")
	fmt.Fprintf(w, "# TYPE shardworld_shard_tick gauge\n")
	for _, r := range reports {
		fmt.Fprintf(w, "shardworld_shard_tick{shard=\"%d\"} %d\n", r.Shard, r.Tick)
	}

	fmt.Fprintf(w, "# HELP shardworld_shard_step_us Last tick duration in microseconds.\n")
	fmt.Fprintf(w, "# TYPE shardworld_shard_step_us gauge\n")
	for _, r := range reports {
		fmt.Fprintf(w, "shardworld_shard_step_us{shard=\"%d\"} %d\n", r.Shard, r.DurationUs)
	}

	fmt.Fprintf(w, "# HELP shardworld_shard_mailbox_dropped Messages dropped by the shard mailbox.\n")
	fmt.Fprintf(w, "# TYPE shardworld_shard_mailbox_dropped counter\n")
	for _, r := range reports {
		fmt.Fprintf(w, "shardworld_shard_mailbox_dropped{shard=\"%d\"} %d\n", r.Shard, r.Dropped)
	}

	fmt.Fprintf(w, "# HELP shardworld_cell_entities Entities held by a cell, by role.\n")
	fmt.Fprintf(w, "# TYPE shardworld_cell_entities gauge\n")
	for _, r := range reports {
		for _, c := range r.Cells {
			fmt.Fprintf(w, "shardworld_cell_entities{cell=\"%d\",role=%q} %d\n", c.Cell, "owned", c.Owned)
			fmt.Fprintf(w, "shardworld_cell_entities{cell=\"%d\",role=%q} %d\n", c.Cell, "replica", c.Replicas)
			fmt.Fprintf(w, "shardworld_cell_entities{cell=\"%d\",role=%q} %d\n", c.Cell, "coin", c.Coins)
		}
	}

	fmt.Fprintf(w, "# HELP shardworld_cell_handoffs Hand-offs sent by a cell during its last tick.\n")
	fmt.Fprintf(w, "# TYPE shardworld_cell_handoffs gauge\n")
	for _, r := range reports {
		for _, c := range r.Cells {
			fmt.Fprintf(w, "shardworld_cell_handoffs{cell=\"%d\"} %d\n", c.Cell, c.HandoffsSent)
		}
	}

	fmt.Fprintf(w, "# HELP shardworld_ws_sessions Connected websocket sessions.\n")
	fmt.Fprintf(w, "# TYPE shardworld_ws_sessions gauge\n")
	fmt.Fprintf(w, "shardworld_ws_sessions %d\n", extra.Sessions)

	fmt.Fprintf(w, "# HELP shardworld_report_drops Tick reports dropped under backpressure.\n")
	fmt.Fprintf(w, "# TYPE shardworld_report_drops counter\n")
	fmt.Fprintf(w, "shardworld_report_drops{sink=%q} %d\n", "journal", extra.JournalDrops)
	fmt.Fprintf(w, "shardworld_report_drops{sink=%q} %d\n", "index", extra.Index.DropTotal)
}
