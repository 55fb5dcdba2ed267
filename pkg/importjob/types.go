// Package importjob defines the domain types for historical event import
// jobs: the job record, its lifecycle status machine, the sink configuration
// union, and the resumable checkpoint.
//
// A job moves through a small closed state machine:
//
//	pending → running → {paused, completed, failed}
//	paused  → running
//
// completed and failed are terminal. The transition table lives here;
// durable, guarded writes of it live in pkg/jobstore. Checkpoints advance
// monotonically while a job is running and are never rewound except by an
// explicit operator reset.
package importjob

import "time"

// Status is the lifecycle status of an import job.
//
// NOTE: These values are persisted in the jobs table and are part of the
// stable storage contract.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// validTransitions is the closed transition table. fail is reachable from
// every non-terminal state; everything else is explicit.
var validTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed},
	StatusRunning: {StatusPaused, StatusCompleted, StatusFailed},
	StatusPaused:  {StatusRunning, StatusFailed},
}

// CanTransition reports whether the status machine permits from → to.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is an import job record.
//
// Status and StatusMessage are written together in a single atomic store
// update; readers never observe a status without its matching message.
// Config is immutable once the job has advanced its checkpoint.
type Job struct {
	ID            string    `json:"id"`
	TeamID        string    `json:"team_id"`
	Status        Status    `json:"status"`
	StatusMessage string    `json:"status_message,omitempty"`
	Config        Config    `json:"config"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Checkpoint marks resumable progress through the source sequence.
//
// Cursor is an opaque token owned by the source reader; the rest of the
// system never interprets it. RecordsSent and RecordsFailed are
// monotonically non-decreasing. SinkType records the sink variant the
// checkpoint advanced under, so a variant change after progress has been
// made can be rejected.
type Checkpoint struct {
	Cursor        string    `json:"cursor"`
	RecordsSent   int64     `json:"records_sent"`
	RecordsFailed int64     `json:"records_failed"`
	SinkType      SinkType  `json:"sink_type,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Advanced reports whether the checkpoint has recorded any progress.
func (c *Checkpoint) Advanced() bool {
	return c != nil && (c.Cursor != "" || c.RecordsSent > 0 || c.RecordsFailed > 0)
}

// Progress is the status snapshot surfaced to the external status consumer
// after every checkpoint save and every state transition.
type Progress struct {
	Status        Status `json:"status"`
	StatusMessage string `json:"status_message,omitempty"`
	RecordsSent   int64  `json:"records_sent"`
	RecordsFailed int64  `json:"records_failed"`
	Cursor        string `json:"cursor,omitempty"`
}

// NewProgress combines a job and its checkpoint into a Progress snapshot.
// A nil checkpoint yields zero counters and an empty cursor.
func NewProgress(job *Job, cp *Checkpoint) Progress {
	p := Progress{
		Status:        job.Status,
		StatusMessage: job.StatusMessage,
	}
	if cp != nil {
		p.RecordsSent = cp.RecordsSent
		p.RecordsFailed = cp.RecordsFailed
		p.Cursor = cp.Cursor
	}
	return p
}
