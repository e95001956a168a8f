// Package ext defines the extension system for the queue.
// Extensions are notified of lifecycle events (job enqueued, completed,
// failed, etc.) and can react to them: logging, metrics, tracing, alerts.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/xraph/jobqueue/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobEnqueued is called after a job is admitted to the queue.
type JobEnqueued interface {
	OnJobEnqueued(ctx context.Context, j *job.Job) error
}

// JobStarted is called when a worker begins executing a job.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobCompleted is called after a job finishes successfully.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobFailed is called for every failed execution, before the retry
// decision.
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// JobRetrying is called when a failed job is scheduled for retry.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRunAt time.Time) error
}

// JobDLQ is called when a job is moved to the dead-letter pool.
type JobDLQ interface {
	OnJobDLQ(ctx context.Context, j *job.Job, err error) error
}

// JobReplayed is called when a dead-lettered job is returned to the queue.
type JobReplayed interface {
	OnJobReplayed(ctx context.Context, j *job.Job) error
}

// JobRescheduled is called when a recurring job is set up for its next
// occurrence.
type JobRescheduled interface {
	OnJobRescheduled(ctx context.Context, j *job.Job, nextRunAt time.Time) error
}

// JobExpired is called when a recurring job is dropped because its
// schedule has no future occurrence.
type JobExpired interface {
	OnJobExpired(ctx context.Context, j *job.Job) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
