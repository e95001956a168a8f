package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/jobqueue"
	"github.com/xraph/jobqueue/backend"
	"github.com/xraph/jobqueue/id"
	"github.com/xraph/jobqueue/job"
)

const jobColumns = `id, name, payload, status, attempts, max_retries, priority,
	created_at, scheduled_at, cron_schedule, last_run_at, error, timeout_ns, heartbeat_at`

// upsertSQL writes every column of a record and sets its status and
// dead-letter sequence. $1..$14 follow jobColumns.
const upsertSQL = `
	INSERT INTO jobqueue_jobs (` + jobColumns + `, dead_seq)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, %s)
	ON CONFLICT (id) DO UPDATE SET
		name = EXCLUDED.name, payload = EXCLUDED.payload, status = EXCLUDED.status,
		attempts = EXCLUDED.attempts, max_retries = EXCLUDED.max_retries,
		priority = EXCLUDED.priority, created_at = EXCLUDED.created_at,
		scheduled_at = EXCLUDED.scheduled_at, cron_schedule = EXCLUDED.cron_schedule,
		last_run_at = EXCLUDED.last_run_at, error = EXCLUDED.error,
		timeout_ns = EXCLUDED.timeout_ns, heartbeat_at = EXCLUDED.heartbeat_at,
		dead_seq = EXCLUDED.dead_seq`

func jobArgs(j *job.Job, status job.Status) []any {
	return []any{
		j.ID.String(), j.Name, j.Payload, string(status), j.Attempts, j.MaxRetries, j.Priority,
		j.CreatedAt, j.ScheduledAt, j.CronSchedule, j.LastRunAt, j.Error, j.Timeout.Nanoseconds(),
		j.HeartbeatAt,
	}
}

func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j         job.Job
		rawID     string
		status    string
		timeoutNs int64
	)
	if err := row.Scan(
		&rawID, &j.Name, &j.Payload, &status, &j.Attempts, &j.MaxRetries, &j.Priority,
		&j.CreatedAt, &j.ScheduledAt, &j.CronSchedule, &j.LastRunAt, &j.Error, &timeoutNs,
		&j.HeartbeatAt,
	); err != nil {
		return nil, err
	}
	parsed, err := id.ParseJobID(rawID)
	if err != nil {
		return nil, err
	}
	j.ID = parsed
	j.Status = job.Status(status)
	j.Timeout = time.Duration(timeoutNs)
	j.CreatedAt = j.CreatedAt.UTC()
	j.ScheduledAt = utc(j.ScheduledAt)
	j.LastRunAt = utc(j.LastRunAt)
	j.HeartbeatAt = utc(j.HeartbeatAt)
	return &j, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// Insert persists a new pending record.
func (b *Backend) Insert(ctx context.Context, j *job.Job) error {
	if err := b.check(); err != nil {
		return err
	}
	_, err := b.pool.Exec(ctx,
		`INSERT INTO jobqueue_jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		jobArgs(j, job.StatusPending)...,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return jobqueue.ErrJobAlreadyExists
		}
		return wrap("insert", err)
	}
	return nil
}

// ClaimNext claims the best eligible row with SKIP LOCKED.
func (b *Backend) ClaimNext(ctx context.Context) (*job.Job, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	row := b.pool.QueryRow(ctx, `
		UPDATE jobqueue_jobs
		SET status = 'running', attempts = attempts + 1, heartbeat_at = $1
		WHERE id = (
			SELECT id FROM jobqueue_jobs
			WHERE status = 'pending'
			  AND (scheduled_at IS NULL OR scheduled_at <= $1)
			ORDER BY priority DESC, created_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns,
		b.now(),
	)
	j, err := scanJob(row)
	if isNoRows(err) {
		return nil, nil //nolint:nilnil // nothing eligible
	}
	if err != nil {
		return nil, wrap("claim", err)
	}
	return j, nil
}

// Acknowledge deletes a claimed row.
func (b *Backend) Acknowledge(ctx context.Context, jobID id.JobID) error {
	if err := b.check(); err != nil {
		return err
	}
	tag, err := b.pool.Exec(ctx,
		`DELETE FROM jobqueue_jobs WHERE id = $1 AND status IN ('running', 'failed')`,
		jobID.String(),
	)
	if err != nil {
		return wrap("acknowledge", err)
	}
	if tag.RowsAffected() == 0 {
		return jobqueue.ErrJobNotFound
	}
	return nil
}

// Fail marks a claimed row failed with reason.
func (b *Backend) Fail(ctx context.Context, jobID id.JobID, reason string) error {
	if err := b.check(); err != nil {
		return err
	}
	tag, err := b.pool.Exec(ctx,
		`UPDATE jobqueue_jobs SET status = 'failed', error = $2
		 WHERE id = $1 AND status IN ('running', 'failed')`,
		jobID.String(), reason,
	)
	if err != nil {
		return wrap("fail", err)
	}
	if tag.RowsAffected() == 0 {
		return jobqueue.ErrJobNotFound
	}
	return nil
}

// ReinsertForRetry upserts the record as pending.
func (b *Backend) ReinsertForRetry(ctx context.Context, j *job.Job) error {
	if err := b.check(); err != nil {
		return err
	}
	if _, err := b.pool.Exec(ctx, fmt.Sprintf(upsertSQL, "NULL"), jobArgs(j, job.StatusPending)...); err != nil {
		return wrap("reinsert", err)
	}
	return nil
}

// DeadLetter upserts the record as dead-lettered with the next sequence
// number.
func (b *Backend) DeadLetter(ctx context.Context, j *job.Job) error {
	if err := b.check(); err != nil {
		return err
	}
	if _, err := b.pool.Exec(ctx,
		fmt.Sprintf(upsertSQL, "nextval('jobqueue_dead_seq')"),
		jobArgs(j, job.StatusDeadLetter)...,
	); err != nil {
		return wrap("dead-letter", err)
	}
	return nil
}

// ListDeadLetter returns dead-lettered rows in sequence order.
func (b *Backend) ListDeadLetter(ctx context.Context) ([]*job.Job, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	rows, err := b.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobqueue_jobs
		 WHERE status = 'dead_letter' ORDER BY dead_seq ASC`,
	)
	if err != nil {
		return nil, wrap("list dead-letter", err)
	}
	defer rows.Close()

	out := []*job.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, wrap("scan dead-letter", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list dead-letter", err)
	}
	return out, nil
}

// ReplayDeadLetter resets a dead-lettered row to pending.
func (b *Backend) ReplayDeadLetter(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	row := b.pool.QueryRow(ctx, `
		UPDATE jobqueue_jobs
		SET status = 'pending', attempts = 0, error = '', dead_seq = NULL, heartbeat_at = NULL
		WHERE id = $1 AND status = 'dead_letter'
		RETURNING `+jobColumns,
		jobID.String(),
	)
	j, err := scanJob(row)
	if isNoRows(err) {
		return nil, jobqueue.ErrDeadLetterNotFound
	}
	if err != nil {
		return nil, wrap("replay", err)
	}
	return j, nil
}

// Heartbeat refreshes a claimed row's liveness stamp.
func (b *Backend) Heartbeat(ctx context.Context, jobID id.JobID) error {
	if err := b.check(); err != nil {
		return err
	}
	tag, err := b.pool.Exec(ctx,
		`UPDATE jobqueue_jobs SET heartbeat_at = $2
		 WHERE id = $1 AND status IN ('running', 'failed')`,
		jobID.String(), b.now(),
	)
	if err != nil {
		return wrap("heartbeat", err)
	}
	if tag.RowsAffected() == 0 {
		return jobqueue.ErrJobNotFound
	}
	return nil
}

// ReapStale returns claimed rows with an expired heartbeat to pending.
// Rows locked by an in-flight claim or update are left for the next pass.
func (b *Backend) ReapStale(ctx context.Context, olderThan time.Duration) ([]*job.Job, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	rows, err := b.pool.Query(ctx, `
		UPDATE jobqueue_jobs
		SET status = 'pending', heartbeat_at = NULL
		WHERE id IN (
			SELECT id FROM jobqueue_jobs
			WHERE status IN ('running', 'failed')
			  AND (heartbeat_at IS NULL OR heartbeat_at < $1)
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		b.now().Add(-olderThan),
	)
	if err != nil {
		return nil, wrap("reap", err)
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, wrap("scan reaped", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("reap", err)
	}
	return out, nil
}

// Counts reports the size of each pool.
func (b *Backend) Counts(ctx context.Context) (backend.Counts, error) {
	if err := b.check(); err != nil {
		return backend.Counts{}, err
	}
	var c backend.Counts
	err := b.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status IN ('running', 'failed')),
			COUNT(*) FILTER (WHERE status = 'dead_letter')
		FROM jobqueue_jobs`,
	).Scan(&c.Pending, &c.Running, &c.DeadLetter)
	if err != nil {
		return backend.Counts{}, wrap("counts", err)
	}
	return c, nil
}
