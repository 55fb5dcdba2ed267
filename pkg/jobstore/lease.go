package jobstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/eventmill/eventmill/pkg/importjob"
)

// Lease grants one worker exclusive run rights for a job until ExpiresAt.
// A worker renews its lease on a heartbeat; a lease left to expire (worker
// crash) makes the job claimable again.
type Lease struct {
	JobID      string    `json:"job_id"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// AcquireLease claims exclusive run rights for a job. It succeeds when no
// lease exists, the existing lease has expired, or the caller already owns
// it (re-acquire extends the term). A live lease held by another owner
// yields ErrLeaseHeld.
func (s *Store) AcquireLease(ctx context.Context, jobID, owner string, ttl time.Duration) (*Lease, error) {
	if owner == "" {
		return nil, &StoreError{Op: "AcquireLease", JobID: jobID, Err: fmt.Errorf("owner is required")}
	}
	if ttl <= 0 {
		return nil, &StoreError{Op: "AcquireLease", JobID: jobID, Err: fmt.Errorf("ttl must be positive, got %s", ttl)}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &StoreError{Op: "AcquireLease", JobID: jobID, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM import_jobs WHERE job_id = ?`, jobID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return nil, &StoreError{Op: "AcquireLease", JobID: jobID, Err: ErrJobNotFound}
		}
		return nil, &StoreError{Op: "AcquireLease", JobID: jobID, Err: err}
	}

	now := s.now()

	var holder, expiresRaw string
	err = tx.QueryRowContext(ctx,
		`SELECT owner, expires_at FROM job_leases WHERE job_id = ?`, jobID).Scan(&holder, &expiresRaw)
	switch {
	case err == sql.ErrNoRows:
		// No lease on record; claimable.
	case err != nil:
		return nil, &StoreError{Op: "AcquireLease", JobID: jobID, Err: err}
	default:
		expires, perr := parseTime(expiresRaw)
		if perr != nil {
			return nil, &StoreError{Op: "AcquireLease", JobID: jobID, Err: perr}
		}
		if holder != owner && expires.After(now) {
			return nil, &StoreError{
				Op:    "AcquireLease",
				JobID: jobID,
				Err:   fmt.Errorf("held by %s until %s: %w", holder, expires.Format(time.RFC3339), ErrLeaseHeld),
			}
		}
	}

	lease := &Lease{
		JobID:      jobID,
		Owner:      owner,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO job_leases (job_id, owner, acquired_at, expires_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET
			owner = excluded.owner,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at`,
		jobID, owner, formatTime(lease.AcquiredAt), formatTime(lease.ExpiresAt))
	if err != nil {
		return nil, &StoreError{Op: "AcquireLease", JobID: jobID, Err: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, &StoreError{Op: "AcquireLease", JobID: jobID, Err: err}
	}
	return lease, nil
}

// RenewLease extends the caller's lease by ttl from now. Renewal by a
// non-owner fails with ErrLeaseNotHeld.
func (s *Store) RenewLease(ctx context.Context, jobID, owner string, ttl time.Duration) error {
	if ttl <= 0 {
		return &StoreError{Op: "RenewLease", JobID: jobID, Err: fmt.Errorf("ttl must be positive, got %s", ttl)}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE job_leases SET expires_at = ? WHERE job_id = ? AND owner = ?`,
		formatTime(s.now().Add(ttl)), jobID, owner)
	if err != nil {
		return &StoreError{Op: "RenewLease", JobID: jobID, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &StoreError{Op: "RenewLease", JobID: jobID, Err: err}
	}
	if n == 0 {
		return &StoreError{Op: "RenewLease", JobID: jobID, Err: ErrLeaseNotHeld}
	}
	return nil
}

// ReleaseLease drops the caller's lease. Releasing a lease that is no
// longer held is not an error.
func (s *Store) ReleaseLease(ctx context.Context, jobID, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM job_leases WHERE job_id = ? AND owner = ?`, jobID, owner)
	if err != nil {
		return &StoreError{Op: "ReleaseLease", JobID: jobID, Err: err}
	}
	return nil
}

// GetLease returns the lease on record for a job, or nil when none exists.
func (s *Store) GetLease(ctx context.Context, jobID string) (*Lease, error) {
	var (
		lease       Lease
		acquiredRaw string
		expiresRaw  string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, owner, acquired_at, expires_at FROM job_leases WHERE job_id = ?`, jobID).
		Scan(&lease.JobID, &lease.Owner, &acquiredRaw, &expiresRaw)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, &StoreError{Op: "GetLease", JobID: jobID, Err: err}
	}
	if lease.AcquiredAt, err = parseTime(acquiredRaw); err != nil {
		return nil, &StoreError{Op: "GetLease", JobID: jobID, Err: err}
	}
	if lease.ExpiresAt, err = parseTime(expiresRaw); err != nil {
		return nil, &StoreError{Op: "GetLease", JobID: jobID, Err: err}
	}
	return &lease, nil
}

// ClaimNextPending finds the oldest claimable job and acquires its lease
// in one transaction. Claimable means pending with no live lease, or
// running with an expired or absent lease (a crashed or resumed job).
// Returns (nil, nil) when nothing is claimable.
func (s *Store) ClaimNextPending(ctx context.Context, owner string, ttl time.Duration) (*importjob.Job, error) {
	if owner == "" {
		return nil, &StoreError{Op: "ClaimNextPending", Err: fmt.Errorf("owner is required")}
	}
	if ttl <= 0 {
		return nil, &StoreError{Op: "ClaimNextPending", Err: fmt.Errorf("ttl must be positive, got %s", ttl)}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &StoreError{Op: "ClaimNextPending", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT j.job_id, j.team_id, j.status, j.status_message, j.config, j.created_at, j.updated_at,
		        l.owner, l.expires_at
		 FROM import_jobs j
		 LEFT JOIN job_leases l ON l.job_id = j.job_id
		 WHERE j.status IN (?, ?)
		 ORDER BY j.created_at, j.job_id
		 LIMIT 50`,
		string(importjob.StatusPending), string(importjob.StatusRunning))
	if err != nil {
		return nil, &StoreError{Op: "ClaimNextPending", Err: err}
	}

	type candidate struct {
		job        *importjob.Job
		leaseOwner sql.NullString
		expiresRaw sql.NullString
	}
	var candidates []candidate
	for rows.Next() {
		var (
			job       importjob.Job
			status    string
			rawConfig string
			createdAt string
			updatedAt string
			c         candidate
		)
		if err := rows.Scan(&job.ID, &job.TeamID, &status, &job.StatusMessage, &rawConfig,
			&createdAt, &updatedAt, &c.leaseOwner, &c.expiresRaw); err != nil {
			_ = rows.Close()
			return nil, &StoreError{Op: "ClaimNextPending", Err: err}
		}
		job.Status = importjob.Status(status)
		if rawConfig != "" {
			// Lenient decode; the runner re-validates the raw blob.
			_ = unmarshalConfig(rawConfig, &job.Config)
		}
		if job.CreatedAt, err = parseTime(createdAt); err != nil {
			_ = rows.Close()
			return nil, &StoreError{Op: "ClaimNextPending", Err: err}
		}
		if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
			_ = rows.Close()
			return nil, &StoreError{Op: "ClaimNextPending", Err: err}
		}
		c.job = &job
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, &StoreError{Op: "ClaimNextPending", Err: err}
	}
	_ = rows.Close()

	now := s.now()
	for _, c := range candidates {
		if c.leaseOwner.Valid && c.leaseOwner.String != owner {
			expires, perr := parseTime(c.expiresRaw.String)
			if perr != nil {
				return nil, &StoreError{Op: "ClaimNextPending", JobID: c.job.ID, Err: perr}
			}
			if expires.After(now) {
				continue
			}
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO job_leases (job_id, owner, acquired_at, expires_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(job_id) DO UPDATE SET
				owner = excluded.owner,
				acquired_at = excluded.acquired_at,
				expires_at = excluded.expires_at`,
			c.job.ID, owner, formatTime(now), formatTime(now.Add(ttl)))
		if err != nil {
			return nil, &StoreError{Op: "ClaimNextPending", JobID: c.job.ID, Err: err}
		}

		if err := tx.Commit(); err != nil {
			return nil, &StoreError{Op: "ClaimNextPending", JobID: c.job.ID, Err: err}
		}
		return c.job, nil
	}

	return nil, nil
}
