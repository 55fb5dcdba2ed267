package jobstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/eventmill/eventmill/pkg/importjob"
)

// LoadCheckpoint returns the stored checkpoint for a job, or nil when the
// job has never saved one. Inconsistent stored rows (negative counters)
// are reported as ErrCheckpointCorrupt and never repaired here.
func (s *Store) LoadCheckpoint(ctx context.Context, jobID string) (*importjob.Checkpoint, error) {
	var (
		cp        importjob.Checkpoint
		sinkType  string
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor, records_sent, records_failed, sink_type, updated_at
		 FROM checkpoints WHERE job_id = ?`, jobID).
		Scan(&cp.Cursor, &cp.RecordsSent, &cp.RecordsFailed, &sinkType, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, &StoreError{Op: "LoadCheckpoint", JobID: jobID, Err: err}
	}

	if cp.RecordsSent < 0 || cp.RecordsFailed < 0 {
		return nil, &StoreError{
			Op:    "LoadCheckpoint",
			JobID: jobID,
			Err:   fmt.Errorf("negative counters (sent=%d failed=%d): %w", cp.RecordsSent, cp.RecordsFailed, ErrCheckpointCorrupt),
		}
	}

	cp.SinkType = importjob.SinkType(sinkType)
	if cp.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, &StoreError{Op: "LoadCheckpoint", JobID: jobID, Err: fmt.Errorf("%v: %w", err, ErrCheckpointCorrupt)}
	}
	return &cp, nil
}

// SaveCheckpoint durably records resumable progress in one atomic upsert.
// Counters must not regress; a save that would rewind them is rejected as
// ErrCheckpointCorrupt, because the only legitimate rewind is an explicit
// ResetCheckpoint.
func (s *Store) SaveCheckpoint(ctx context.Context, jobID string, cp importjob.Checkpoint) error {
	if cp.RecordsSent < 0 || cp.RecordsFailed < 0 {
		return &StoreError{
			Op:    "SaveCheckpoint",
			JobID: jobID,
			Err:   fmt.Errorf("negative counters (sent=%d failed=%d): %w", cp.RecordsSent, cp.RecordsFailed, ErrCheckpointCorrupt),
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StoreError{Op: "SaveCheckpoint", JobID: jobID, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM import_jobs WHERE job_id = ?`, jobID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return &StoreError{Op: "SaveCheckpoint", JobID: jobID, Err: ErrJobNotFound}
		}
		return &StoreError{Op: "SaveCheckpoint", JobID: jobID, Err: err}
	}

	var prevSent, prevFailed int64
	err = tx.QueryRowContext(ctx,
		`SELECT records_sent, records_failed FROM checkpoints WHERE job_id = ?`, jobID).
		Scan(&prevSent, &prevFailed)
	switch {
	case err == sql.ErrNoRows:
		// First save for this job.
	case err != nil:
		return &StoreError{Op: "SaveCheckpoint", JobID: jobID, Err: err}
	case cp.RecordsSent < prevSent || cp.RecordsFailed < prevFailed:
		return &StoreError{
			Op:    "SaveCheckpoint",
			JobID: jobID,
			Err: fmt.Errorf("counter regression (sent %d -> %d, failed %d -> %d): %w",
				prevSent, cp.RecordsSent, prevFailed, cp.RecordsFailed, ErrCheckpointCorrupt),
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (job_id, cursor, records_sent, records_failed, sink_type, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET
			cursor = excluded.cursor,
			records_sent = excluded.records_sent,
			records_failed = excluded.records_failed,
			sink_type = excluded.sink_type,
			updated_at = excluded.updated_at`,
		jobID, cp.Cursor, cp.RecordsSent, cp.RecordsFailed, string(cp.SinkType), formatTime(s.now()))
	if err != nil {
		return &StoreError{Op: "SaveCheckpoint", JobID: jobID, Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &StoreError{Op: "SaveCheckpoint", JobID: jobID, Err: err}
	}
	return nil
}

// ResetCheckpoint deletes a job's checkpoint so the next run starts from
// the beginning of the source. Explicit operator action only; rejected
// while the job is running.
func (s *Store) ResetCheckpoint(ctx context.Context, jobID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StoreError{Op: "ResetCheckpoint", JobID: jobID, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM import_jobs WHERE job_id = ?`, jobID).Scan(&status); err != nil {
		if err == sql.ErrNoRows {
			return &StoreError{Op: "ResetCheckpoint", JobID: jobID, Err: ErrJobNotFound}
		}
		return &StoreError{Op: "ResetCheckpoint", JobID: jobID, Err: err}
	}
	if importjob.Status(status) == importjob.StatusRunning {
		return &StoreError{Op: "ResetCheckpoint", JobID: jobID, Err: ErrJobRunning}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE job_id = ?`, jobID); err != nil {
		return &StoreError{Op: "ResetCheckpoint", JobID: jobID, Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &StoreError{Op: "ResetCheckpoint", JobID: jobID, Err: err}
	}
	return nil
}
