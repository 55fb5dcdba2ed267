package jobstore

import (
	"context"
	"fmt"
)

const schemaVersion = 1

// migrate creates (or upgrades) the job schema in-place.
//
// The schema holds three tables: import_jobs (status machine), checkpoints
// (resumable progress), and job_leases (worker exclusivity). All timestamps
// are UTC RFC3339Nano text.
func (s *Store) migrate(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS import_jobs (
			job_id TEXT PRIMARY KEY,
			team_id TEXT NOT NULL,
			status TEXT NOT NULL,
			status_message TEXT NOT NULL DEFAULT '',
			config TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_import_jobs_status ON import_jobs(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_import_jobs_team ON import_jobs(team_id, created_at);`,

		`CREATE TABLE IF NOT EXISTS checkpoints (
			job_id TEXT PRIMARY KEY,
			cursor TEXT NOT NULL DEFAULT '',
			records_sent INTEGER NOT NULL DEFAULT 0,
			records_failed INTEGER NOT NULL DEFAULT 0,
			sink_type TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL,
			FOREIGN KEY(job_id) REFERENCES import_jobs(job_id)
		);`,

		`CREATE TABLE IF NOT EXISTS job_leases (
			job_id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			acquired_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			FOREIGN KEY(job_id) REFERENCES import_jobs(job_id)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	if current != schemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, schemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
