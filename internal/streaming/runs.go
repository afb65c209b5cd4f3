package streaming

import (
	"time"

	"github.com/dockrion/dockrion/go/events/internal/events"
)

// Status is a run lifecycle state. Transitions are linear: pending to
// running to exactly one terminal state, never further.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Run is the lifecycle record of a managed run. The RunManager is the
// only writer; everyone else reads snapshots.
type Run struct {
	RunID      string     `json:"run_id"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Result     any        `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	TTLSeconds int64      `json:"ttl_seconds"`
}

// Clone returns a snapshot copy. Result values are shared and must be
// treated as read-only by consumers.
func (r *Run) Clone() *Run {
	cp := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

// applyTerminal folds a terminal event into the record. The caller
// commits record and event together.
func (r *Run) applyTerminal(e events.Event) {
	finished := e.Timestamp
	r.FinishedAt = &finished
	switch e.Type {
	case events.TypeComplete:
		r.Status = StatusCompleted
		r.Result = e.Output
	case events.TypeError:
		r.Status = StatusFailed
		r.Error = e.Error
	case events.TypeCancelled:
		r.Status = StatusCancelled
	}
}

// RunStats aggregates run counts by status.
type RunStats struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"by_status"`
}

// statusFromEvent maps a terminal event type to the status it commits.
func statusFromEvent(t events.Type) (Status, bool) {
	switch t {
	case events.TypeComplete:
		return StatusCompleted, true
	case events.TypeError:
		return StatusFailed, true
	case events.TypeCancelled:
		return StatusCancelled, true
	}
	return "", false
}
