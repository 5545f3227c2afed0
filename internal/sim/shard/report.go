package shard

// CellReport counts what happened in one cell since the previous tick.
type CellReport struct {
	Cell     int `json:"cell"`
	Owned    int `json:"owned"`
	Replicas int `json:"replicas"`
	Coins    int `json:"coins"`

	// Transition handler outcomes.
	Accepted   int `json:"accepted"`
	Replicated int `json:"replicated"`
	Discarded  int `json:"discarded"`
	// Rejected counts malformed refs and undecodable batches.
	Rejected int `json:"rejected"`
	// Forwarded counts refs passed on to the cell that owns the entity.
	Forwarded int `json:"forwarded"`

	HandoffsSent    int `json:"handoffs_sent"`
	Deleted         int `json:"deleted"`
	Evicted         int `json:"evicted"`
	Groups          int `json:"groups"`
	GroupsPublished int `json:"groups_published"`
	Published       int `json:"published"`
	Collected       int `json:"collected"`
	Spawned         int `json:"spawned"`
}

type TickReport struct {
	Shard      int          `json:"shard"`
	Tick       uint64       `json:"tick"`
	At         int64        `json:"at"`
	DurationUs int64        `json:"duration_us"`
	Published  int          `json:"published"`
	Dropped    uint64       `json:"mailbox_dropped"`
	Cells      []CellReport `json:"cells"`
}

// Reporter receives every tick report. Implementations must not block.
type Reporter interface {
	Report(TickReport)
}

type ReporterFunc func(TickReport)

func (f ReporterFunc) Report(r TickReport) { f(r) }
