package jobstore

import (
	"errors"
	"fmt"
)

// Sentinel errors for store operations.
var (
	// ErrJobNotFound indicates the requested job does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobExists indicates a job with the same id already exists.
	ErrJobExists = errors.New("job already exists")

	// ErrCheckpointCorrupt indicates the stored checkpoint is inconsistent
	// (negative counters, counter regression, undecodable row). Never
	// repaired silently; requires operator intervention.
	ErrCheckpointCorrupt = errors.New("checkpoint corrupt")

	// ErrLeaseHeld indicates another live worker owns the job's lease.
	ErrLeaseHeld = errors.New("lease held by another worker")

	// ErrLeaseNotHeld indicates the caller does not own the lease it tried
	// to renew.
	ErrLeaseNotHeld = errors.New("lease not held")

	// ErrJobRunning indicates the operation requires the job to not be
	// running (checkpoint reset, config update).
	ErrJobRunning = errors.New("job is running")
)

// StoreError wraps store failures with operation context.
type StoreError struct {
	// Op is the operation that failed (e.g., "SaveCheckpoint").
	Op string

	// JobID is the job involved, if applicable.
	JobID string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("jobstore %s: job %s: %v", e.Op, e.JobID, e.Err)
	}
	return fmt.Sprintf("jobstore %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsJobNotFound returns true if the error indicates a missing job.
func IsJobNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound)
}

// IsCheckpointCorrupt returns true if the error indicates checkpoint corruption.
func IsCheckpointCorrupt(err error) bool {
	return errors.Is(err, ErrCheckpointCorrupt)
}

// IsLeaseHeld returns true if the error indicates the lease is held elsewhere.
func IsLeaseHeld(err error) bool {
	return errors.Is(err, ErrLeaseHeld)
}
