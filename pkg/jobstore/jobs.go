package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/eventmill/eventmill/pkg/importjob"
)

// allStatuses enumerates every persistable job status.
var allStatuses = []importjob.Status{
	importjob.StatusPending,
	importjob.StatusRunning,
	importjob.StatusPaused,
	importjob.StatusCompleted,
	importjob.StatusFailed,
}

// CreateJob inserts a new job row. A missing ID is generated, a missing
// status defaults to pending, and timestamps are stamped by the store.
func (s *Store) CreateJob(ctx context.Context, job *importjob.Job) error {
	if job == nil {
		return &StoreError{Op: "CreateJob", Err: fmt.Errorf("job is nil")}
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = importjob.StatusPending
	}
	if !job.Status.Valid() {
		return &StoreError{Op: "CreateJob", JobID: job.ID, Err: fmt.Errorf("unknown status %q", job.Status)}
	}

	cfg, err := json.Marshal(job.Config)
	if err != nil {
		return &StoreError{Op: "CreateJob", JobID: job.ID, Err: fmt.Errorf("encode config: %w", err)}
	}

	now := s.now()
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO import_jobs (job_id, team_id, status, status_message, config, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.TeamID, string(job.Status), job.StatusMessage, string(cfg),
		formatTime(now), formatTime(now))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return &StoreError{Op: "CreateJob", JobID: job.ID, Err: ErrJobExists}
		}
		return &StoreError{Op: "CreateJob", JobID: job.ID, Err: err}
	}
	return nil
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*importjob.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, team_id, status, status_message, config, created_at, updated_at
		 FROM import_jobs WHERE job_id = ?`, jobID)

	job, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &StoreError{Op: "GetJob", JobID: jobID, Err: ErrJobNotFound}
		}
		return nil, &StoreError{Op: "GetJob", JobID: jobID, Err: err}
	}
	return job, nil
}

// JobConfig returns the raw configuration blob for a job. The runner
// decodes and validates it with importjob.ParseConfig so malformed blobs
// surface as InvalidConfig at start time.
func (s *Store) JobConfig(ctx context.Context, jobID string) ([]byte, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT config FROM import_jobs WHERE job_id = ?`, jobID).Scan(&raw)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &StoreError{Op: "JobConfig", JobID: jobID, Err: ErrJobNotFound}
		}
		return nil, &StoreError{Op: "JobConfig", JobID: jobID, Err: err}
	}
	return []byte(raw), nil
}

// UpdateConfig replaces a job's configuration. Running jobs are immutable;
// the caller must pause first. This is the surface the external admin
// layer writes through.
func (s *Store) UpdateConfig(ctx context.Context, jobID string, cfg importjob.Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return &StoreError{Op: "UpdateConfig", JobID: jobID, Err: fmt.Errorf("encode config: %w", err)}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE import_jobs SET config = ?, updated_at = ?
		 WHERE job_id = ? AND status != ?`,
		string(raw), formatTime(s.now()), jobID, string(importjob.StatusRunning))
	if err != nil {
		return &StoreError{Op: "UpdateConfig", JobID: jobID, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &StoreError{Op: "UpdateConfig", JobID: jobID, Err: err}
	}
	if n == 0 {
		if _, err := s.GetJob(ctx, jobID); err != nil {
			return err
		}
		return &StoreError{Op: "UpdateConfig", JobID: jobID, Err: ErrJobRunning}
	}
	return nil
}

// ListOptions filters ListJobs.
type ListOptions struct {
	// TeamID restricts results to one tenant. Empty matches all.
	TeamID string

	// Status restricts results to one status. Empty matches all.
	Status importjob.Status

	// Limit caps the number of rows returned. Zero means no limit.
	Limit int
}

// ListJobs returns jobs sorted newest-first.
func (s *Store) ListJobs(ctx context.Context, opts ListOptions) ([]*importjob.Job, error) {
	query := `SELECT job_id, team_id, status, status_message, config, created_at, updated_at
	          FROM import_jobs`
	var conds []string
	var args []any
	if opts.TeamID != "" {
		conds = append(conds, "team_id = ?")
		args = append(args, opts.TeamID)
	}
	if opts.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(opts.Status))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, job_id DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &StoreError{Op: "ListJobs", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var jobs []*importjob.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, &StoreError{Op: "ListJobs", Err: err}
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "ListJobs", Err: err}
	}
	return jobs, nil
}

// Transition moves a job to a new status with a single guarded write of
// (status, status_message, updated_at). The guard admits only source
// statuses the state machine allows for the target; a guard miss is
// reported as ErrInvalidTransition (or ErrJobNotFound when the job does
// not exist) and leaves the row untouched.
func (s *Store) Transition(ctx context.Context, jobID string, to importjob.Status, message string) (*importjob.Job, error) {
	var froms []string
	for _, from := range allStatuses {
		if importjob.CanTransition(from, to) {
			froms = append(froms, string(from))
		}
	}
	if len(froms) == 0 {
		return nil, &StoreError{Op: "Transition", JobID: jobID, Err: fmt.Errorf("no status may transition to %q", to)}
	}

	placeholders := strings.Repeat("?,", len(froms))
	placeholders = placeholders[:len(placeholders)-1]

	args := []any{string(to), message, formatTime(s.now()), jobID}
	for _, f := range froms {
		args = append(args, f)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE import_jobs SET status = ?, status_message = ?, updated_at = ?
		 WHERE job_id = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, &StoreError{Op: "Transition", JobID: jobID, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, &StoreError{Op: "Transition", JobID: jobID, Err: err}
	}
	if n == 0 {
		job, err := s.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		return nil, &importjob.TransitionError{JobID: jobID, From: job.Status, To: to}
	}

	return s.GetJob(ctx, jobID)
}

// Start moves a pending or paused job to running.
func (s *Store) Start(ctx context.Context, jobID string) (*importjob.Job, error) {
	return s.Transition(ctx, jobID, importjob.StatusRunning, "")
}

// Pause moves a running job to paused.
func (s *Store) Pause(ctx context.Context, jobID string, message string) (*importjob.Job, error) {
	return s.Transition(ctx, jobID, importjob.StatusPaused, message)
}

// Complete moves a running job to completed.
func (s *Store) Complete(ctx context.Context, jobID string, message string) (*importjob.Job, error) {
	return s.Transition(ctx, jobID, importjob.StatusCompleted, message)
}

// Fail moves any non-terminal job to failed with a diagnostic message.
func (s *Store) Fail(ctx context.Context, jobID string, message string) (*importjob.Job, error) {
	return s.Transition(ctx, jobID, importjob.StatusFailed, message)
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func unmarshalConfig(raw string, cfg *importjob.Config) error {
	return json.Unmarshal([]byte(raw), cfg)
}

func scanJob(row rowScanner) (*importjob.Job, error) {
	var (
		job       importjob.Job
		status    string
		rawConfig string
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&job.ID, &job.TeamID, &status, &job.StatusMessage, &rawConfig, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	job.Status = importjob.Status(status)

	if rawConfig != "" {
		if err := json.Unmarshal([]byte(rawConfig), &job.Config); err != nil {
			return nil, fmt.Errorf("decode job config: %w", err)
		}
	}

	var err error
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &job, nil
}
