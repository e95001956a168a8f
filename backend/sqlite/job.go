package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/xraph/jobqueue"
	"github.com/xraph/jobqueue/backend"
	"github.com/xraph/jobqueue/id"
	"github.com/xraph/jobqueue/job"
)

// Times are stored as UTC unix microseconds.

const jobColumns = `id, name, payload, status, attempts, max_retries, priority,
	created_at, scheduled_at, cron_schedule, last_run_at, error, timeout_ns, heartbeat_at`

// nextDeadSeq yields a dead-letter sequence above every one issued so far
// among current rows.
const nextDeadSeq = `(SELECT COALESCE(MAX(dead_seq), 0) + 1 FROM jobqueue_jobs)`

func micros(t time.Time) int64 { return t.UTC().UnixMicro() }

func nullMicros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: micros(*t), Valid: true}
}

func fromMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMicro(v.Int64).UTC()
	return &t
}

func jobArgs(j *job.Job, status job.Status) []any {
	return []any{
		j.ID.String(), j.Name, j.Payload, string(status), j.Attempts, j.MaxRetries, j.Priority,
		micros(j.CreatedAt), nullMicros(j.ScheduledAt), j.CronSchedule, nullMicros(j.LastRunAt),
		j.Error, j.Timeout.Nanoseconds(), nullMicros(j.HeartbeatAt),
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*job.Job, error) {
	var (
		j           job.Job
		rawID       string
		status      string
		createdAt   int64
		scheduledAt sql.NullInt64
		lastRunAt   sql.NullInt64
		timeoutNs   int64
		heartbeatAt sql.NullInt64
	)
	if err := row.Scan(
		&rawID, &j.Name, &j.Payload, &status, &j.Attempts, &j.MaxRetries, &j.Priority,
		&createdAt, &scheduledAt, &j.CronSchedule, &lastRunAt, &j.Error, &timeoutNs, &heartbeatAt,
	); err != nil {
		return nil, err
	}
	parsed, err := id.ParseJobID(rawID)
	if err != nil {
		return nil, err
	}
	j.ID = parsed
	j.Status = job.Status(status)
	j.CreatedAt = time.UnixMicro(createdAt).UTC()
	j.ScheduledAt = fromMicros(scheduledAt)
	j.LastRunAt = fromMicros(lastRunAt)
	j.Timeout = time.Duration(timeoutNs)
	j.HeartbeatAt = fromMicros(heartbeatAt)
	return &j, nil
}

// Insert persists a new pending record.
func (b *Backend) Insert(ctx context.Context, j *job.Job) error {
	if err := b.check(); err != nil {
		return err
	}
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO jobqueue_jobs (`+jobColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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

// ClaimNext claims the best eligible row. The single connection
// serializes concurrent claims.
func (b *Backend) ClaimNext(ctx context.Context) (*job.Job, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	now := micros(b.now())
	row := b.db.QueryRowContext(ctx, `
		UPDATE jobqueue_jobs
		SET status = 'running', attempts = attempts + 1, heartbeat_at = ?
		WHERE id = (
			SELECT id FROM jobqueue_jobs
			WHERE status = 'pending'
			  AND (scheduled_at IS NULL OR scheduled_at <= ?)
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1
		)
		RETURNING `+jobColumns,
		now, now,
	)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
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
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM jobqueue_jobs WHERE id = ? AND status IN ('running', 'failed')`,
		jobID.String(),
	)
	if err != nil {
		return wrap("acknowledge", err)
	}
	return affected(res, "acknowledge")
}

// Fail marks a claimed row failed with reason.
func (b *Backend) Fail(ctx context.Context, jobID id.JobID, reason string) error {
	if err := b.check(); err != nil {
		return err
	}
	res, err := b.db.ExecContext(ctx,
		`UPDATE jobqueue_jobs SET status = 'failed', error = ?
		 WHERE id = ? AND status IN ('running', 'failed')`,
		reason, jobID.String(),
	)
	if err != nil {
		return wrap("fail", err)
	}
	return affected(res, "fail")
}

func affected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrap(op, err)
	}
	if n == 0 {
		return jobqueue.ErrJobNotFound
	}
	return nil
}

// ReinsertForRetry upserts the record as pending.
func (b *Backend) ReinsertForRetry(ctx context.Context, j *job.Job) error {
	if err := b.check(); err != nil {
		return err
	}
	if _, err := b.db.ExecContext(ctx, upsert("NULL"), jobArgs(j, job.StatusPending)...); err != nil {
		return wrap("reinsert", err)
	}
	return nil
}

// DeadLetter upserts the record as dead-lettered behind every existing
// dead-letter entry.
func (b *Backend) DeadLetter(ctx context.Context, j *job.Job) error {
	if err := b.check(); err != nil {
		return err
	}
	if _, err := b.db.ExecContext(ctx, upsert(nextDeadSeq), jobArgs(j, job.StatusDeadLetter)...); err != nil {
		return wrap("dead-letter", err)
	}
	return nil
}

func upsert(deadSeq string) string {
	return `
		INSERT INTO jobqueue_jobs (` + jobColumns + `, dead_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ` + deadSeq + `)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, payload = excluded.payload, status = excluded.status,
			attempts = excluded.attempts, max_retries = excluded.max_retries,
			priority = excluded.priority, created_at = excluded.created_at,
			scheduled_at = excluded.scheduled_at, cron_schedule = excluded.cron_schedule,
			last_run_at = excluded.last_run_at, error = excluded.error,
			timeout_ns = excluded.timeout_ns, heartbeat_at = excluded.heartbeat_at,
			dead_seq = excluded.dead_seq`
}

// ListDeadLetter returns dead-lettered rows in sequence order.
func (b *Backend) ListDeadLetter(ctx context.Context) ([]*job.Job, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	rows, err := b.db.QueryContext(ctx,
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
	row := b.db.QueryRowContext(ctx, `
		UPDATE jobqueue_jobs
		SET status = 'pending', attempts = 0, error = '', dead_seq = NULL, heartbeat_at = NULL
		WHERE id = ? AND status = 'dead_letter'
		RETURNING `+jobColumns,
		jobID.String(),
	)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
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
	res, err := b.db.ExecContext(ctx,
		`UPDATE jobqueue_jobs SET heartbeat_at = ?
		 WHERE id = ? AND status IN ('running', 'failed')`,
		micros(b.now()), jobID.String(),
	)
	if err != nil {
		return wrap("heartbeat", err)
	}
	return affected(res, "heartbeat")
}

// ReapStale returns claimed rows with an expired heartbeat to pending.
func (b *Backend) ReapStale(ctx context.Context, olderThan time.Duration) ([]*job.Job, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	rows, err := b.db.QueryContext(ctx, `
		UPDATE jobqueue_jobs
		SET status = 'pending', heartbeat_at = NULL
		WHERE status IN ('running', 'failed')
		  AND (heartbeat_at IS NULL OR heartbeat_at < ?)
		RETURNING `+jobColumns,
		micros(b.now().Add(-olderThan)),
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
	err := b.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(status = 'pending'), 0),
			COALESCE(SUM(status IN ('running', 'failed')), 0),
			COALESCE(SUM(status = 'dead_letter'), 0)
		FROM jobqueue_jobs`,
	).Scan(&c.Pending, &c.Running, &c.DeadLetter)
	if err != nil {
		return backend.Counts{}, wrap("counts", err)
	}
	return c, nil
}
