package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	persistlog "shardworld.ai/internal/persistence/log"
	"shardworld.ai/internal/sim/shard"
)

func main() {
	var (
		dataDir  = flag.String("data", "./data", "runtime data directory")
		onlyCell = flag.Int("cell", -1, "only print this cell (-1: every cell)")
	)
	flag.Parse()

	files, err := persistlog.JournalFiles(*dataDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list journal:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no journal files under", *dataDir)
		os.Exit(1)
	}

	sum := newSummary()
	for _, path := range files {
		if err := persistlog.ReadJournal(path, sum.add); err != nil {
			fmt.Fprintln(os.Stderr, "read:", err)
			os.Exit(1)
		}
	}
	sum.print(os.Stdout, *onlyCell)
}

type shardSummary struct {
	ticks     int
	first     uint64
	last      uint64
	totalUs   int64
	maxUs     int64
	published int
	dropped   uint64
}

type cellSummary struct {
	shard.CellReport
	ticks    int
	maxOwned int
}

type summary struct {
	shards map[int]*shardSummary
	cells  map[int]*cellSummary
}

func newSummary() *summary {
	return &summary{shards: map[int]*shardSummary{}, cells: map[int]*cellSummary{}}
}

func (s *summary) add(r shard.TickReport) error {
	ss := s.shards[r.Shard]
	if ss == nil {
		ss = &shardSummary{first: r.Tick}
		s.shards[r.Shard] = ss
	}
	ss.ticks++
	ss.first = min(ss.first, r.Tick)
	ss.last = max(ss.last, r.Tick)
	ss.totalUs += r.DurationUs
	ss.maxUs = max(ss.maxUs, r.DurationUs)
	ss.published += r.Published
	// Mailbox drops are cumulative per shard.
	ss.dropped = max(ss.dropped, r.Dropped)

	for _, c := range r.Cells {
		cs := s.cells[c.Cell]
		if cs == nil {
			cs = &cellSummary{CellReport: shard.CellReport{Cell: c.Cell}}
			s.cells[c.Cell] = cs
		}
		cs.ticks++
		cs.maxOwned = max(cs.maxOwned, c.Owned)
		cs.Accepted += c.Accepted
		cs.Replicated += c.Replicated
		cs.Discarded += c.Discarded
		cs.Rejected += c.Rejected
		cs.HandoffsSent += c.HandoffsSent
		cs.Deleted += c.Deleted
		cs.Evicted += c.Evicted
		cs.Groups += c.Groups
		cs.GroupsPublished += c.GroupsPublished
		cs.Published += c.Published
		cs.Collected += c.Collected
		cs.Spawned += c.Spawned
	}
	return nil
}

func (s *summary) print(w io.Writer, onlyCell int) {
	for _, id := range sortedIDs(s.shards) {
		ss := s.shards[id]
		avg := int64(0)
		if ss.ticks > 0 {
			avg = ss.totalUs / int64(ss.ticks)
		}
		fmt.Fprintf(w, "shard=%d ticks=%d range=%d..%d avg_us=%d max_us=%d published=%d mailbox_dropped=%d\n",
			id, ss.ticks, ss.first, ss.last, avg, ss.maxUs, ss.published, ss.dropped)
	}
	for _, id := range sortedIDs(s.cells) {
		if onlyCell >= 0 && id != onlyCell {
			continue
		}
		c := s.cells[id]
		fmt.Fprintf(w, "  cell=%d ticks=%d max_owned=%d accepted=%d replicated=%d discarded=%d rejected=%d handoffs=%d deleted=%d evicted=%d groups=%d/%d published=%d coins=+%d/-%d\n",
			id, c.ticks, c.maxOwned, c.Accepted, c.Replicated, c.Discarded, c.Rejected, c.HandoffsSent,
			c.Deleted, c.Evicted, c.GroupsPublished, c.Groups, c.Published, c.Spawned, c.Collected)
	}
}

func sortedIDs[V any](m map[int]V) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
