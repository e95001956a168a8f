package sqlite

import (
	"context"
	"database/sql"
)

// migration is a single schema step. Versions apply in ascending order
// and each is recorded in jobqueue_migrations once applied.
type migration struct {
	Name    string
	Version string
	Up      func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []migration{
	// 001: Create jobs table and indexes.
	{
		Name:    "create_jobs_table",
		Version: "20240101120000",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				CREATE TABLE IF NOT EXISTS jobqueue_jobs (
					id            TEXT PRIMARY KEY,
					name          TEXT NOT NULL,
					payload       BLOB,
					status        TEXT NOT NULL DEFAULT 'pending',
					attempts      INTEGER NOT NULL DEFAULT 0,
					max_retries   INTEGER NOT NULL DEFAULT 3,
					priority      INTEGER NOT NULL DEFAULT 0,
					created_at    INTEGER NOT NULL,
					scheduled_at  INTEGER,
					cron_schedule TEXT NOT NULL DEFAULT '',
					last_run_at   INTEGER,
					error         TEXT NOT NULL DEFAULT '',
					timeout_ns    INTEGER NOT NULL DEFAULT 0,
					dead_seq      INTEGER
				)`)
			if err != nil {
				return err
			}

			_, err = tx.ExecContext(ctx, `
				CREATE INDEX IF NOT EXISTS idx_jobqueue_jobs_claim
					ON jobqueue_jobs (priority DESC, created_at ASC, id ASC)
					WHERE status = 'pending'`)
			if err != nil {
				return err
			}

			_, err = tx.ExecContext(ctx, `
				CREATE INDEX IF NOT EXISTS idx_jobqueue_jobs_dead
					ON jobqueue_jobs (dead_seq)
					WHERE status = 'dead_letter'`)
			return err
		},
	},
	// 002: Track claim liveness for stale-job reaping.
	{
		Name:    "add_heartbeat_at",
		Version: "20240315090000",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `ALTER TABLE jobqueue_jobs ADD COLUMN heartbeat_at INTEGER`)
			if err != nil {
				return err
			}

			_, err = tx.ExecContext(ctx, `
				CREATE INDEX IF NOT EXISTS idx_jobqueue_jobs_heartbeat
					ON jobqueue_jobs (heartbeat_at)
					WHERE status IN ('running', 'failed')`)
			return err
		},
	},
}
