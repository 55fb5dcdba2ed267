// Package progress provides JSONL status output for import jobs.
//
// Output is structured as typed record envelopes carrying state
// transitions, checkpoint progress, errors, and the final run summary.
// Each line is a self-contained JSON object that can be parsed
// independently by the external status consumer.
package progress

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: eventmill.<type>.v<version>
const (
	// TypeState identifies job state transition records.
	TypeState = "eventmill.state.v1"

	// TypeProgress identifies checkpoint progress records.
	TypeProgress = "eventmill.progress.v1"

	// TypeError identifies error records.
	TypeError = "eventmill.error.v1"

	// TypeSummary identifies final run summary records.
	TypeSummary = "eventmill.summary.v1"
)

// Record is the envelope for all JSONL output.
//
// Each line of JSONL output contains a Record with a type-specific
// payload in the Data field. The type field determines how to
// interpret the Data payload.
type Record struct {
	// Type identifies the record type (e.g., "eventmill.progress.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// JobID is the import job this record belongs to.
	JobID string `json:"job_id"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// State and progress records share one payload: the job status snapshot
// (status, status_message, records_sent, records_failed, cursor) defined
// as importjob.Progress. A state record marks a transition; a progress
// record marks a checkpoint save.

// ErrorRecord is the data payload for errors.
//
// Errors are emitted as records in addition to being written into the
// job's status_message, so the JSONL stream is a complete audit trail.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`
}

// Error codes for ErrorRecord.
const (
	// ErrCodeInvalidConfig indicates the job configuration was rejected.
	ErrCodeInvalidConfig = "INVALID_CONFIG"

	// ErrCodeTransient indicates delivery failed after retry exhaustion.
	ErrCodeTransient = "TRANSIENT_FAILURE"

	// ErrCodeFatal indicates the sink rejected a batch permanently.
	ErrCodeFatal = "FATAL_FAILURE"

	// ErrCodeCheckpointCorrupt indicates stored progress is inconsistent.
	ErrCodeCheckpointCorrupt = "CHECKPOINT_CORRUPT"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal = "INTERNAL"
)

// SummaryRecord is the data payload for the final run summary.
type SummaryRecord struct {
	// Status is the terminal (or suspended) status the run ended in.
	Status string `json:"status"`

	// RecordsSent is the total number of records delivered.
	RecordsSent int64 `json:"records_sent"`

	// RecordsFailed is the total number of records that failed.
	RecordsFailed int64 `json:"records_failed"`

	// Batches is the number of batches delivered during this run.
	Batches int64 `json:"batches"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "progress: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
