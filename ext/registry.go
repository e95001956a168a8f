package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/jobqueue/job"
)

// entry pairs a hook implementation with the extension name captured at
// registration time.
type entry[H any] struct {
	name string
	hook H
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
//
// Register all extensions before the queue starts; emits are not
// synchronized with Register.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	jobEnqueued    []entry[JobEnqueued]
	jobStarted     []entry[JobStarted]
	jobCompleted   []entry[JobCompleted]
	jobFailed      []entry[JobFailed]
	jobRetrying    []entry[JobRetrying]
	jobDLQ         []entry[JobDLQ]
	jobReplayed    []entry[JobReplayed]
	jobRescheduled []entry[JobRescheduled]
	jobExpired     []entry[JobExpired]
	shutdown       []entry[Shutdown]
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(JobEnqueued); ok {
		r.jobEnqueued = append(r.jobEnqueued, entry[JobEnqueued]{name, h})
	}
	if h, ok := e.(JobStarted); ok {
		r.jobStarted = append(r.jobStarted, entry[JobStarted]{name, h})
	}
	if h, ok := e.(JobCompleted); ok {
		r.jobCompleted = append(r.jobCompleted, entry[JobCompleted]{name, h})
	}
	if h, ok := e.(JobFailed); ok {
		r.jobFailed = append(r.jobFailed, entry[JobFailed]{name, h})
	}
	if h, ok := e.(JobRetrying); ok {
		r.jobRetrying = append(r.jobRetrying, entry[JobRetrying]{name, h})
	}
	if h, ok := e.(JobDLQ); ok {
		r.jobDLQ = append(r.jobDLQ, entry[JobDLQ]{name, h})
	}
	if h, ok := e.(JobReplayed); ok {
		r.jobReplayed = append(r.jobReplayed, entry[JobReplayed]{name, h})
	}
	if h, ok := e.(JobRescheduled); ok {
		r.jobRescheduled = append(r.jobRescheduled, entry[JobRescheduled]{name, h})
	}
	if h, ok := e.(JobExpired); ok {
		r.jobExpired = append(r.jobExpired, entry[JobExpired]{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, entry[Shutdown]{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Job event emitters
// ──────────────────────────────────────────────────

// EmitJobEnqueued notifies all extensions that implement JobEnqueued.
func (r *Registry) EmitJobEnqueued(ctx context.Context, j *job.Job) {
	for _, e := range r.jobEnqueued {
		if err := e.hook.OnJobEnqueued(ctx, j); err != nil {
			r.logHookError("OnJobEnqueued", e.name, err)
		}
	}
}

// EmitJobStarted notifies all extensions that implement JobStarted.
func (r *Registry) EmitJobStarted(ctx context.Context, j *job.Job) {
	for _, e := range r.jobStarted {
		if err := e.hook.OnJobStarted(ctx, j); err != nil {
			r.logHookError("OnJobStarted", e.name, err)
		}
	}
}

// EmitJobCompleted notifies all extensions that implement JobCompleted.
func (r *Registry) EmitJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) {
	for _, e := range r.jobCompleted {
		if err := e.hook.OnJobCompleted(ctx, j, elapsed); err != nil {
			r.logHookError("OnJobCompleted", e.name, err)
		}
	}
}

// EmitJobFailed notifies all extensions that implement JobFailed.
func (r *Registry) EmitJobFailed(ctx context.Context, j *job.Job, jobErr error) {
	for _, e := range r.jobFailed {
		if err := e.hook.OnJobFailed(ctx, j, jobErr); err != nil {
			r.logHookError("OnJobFailed", e.name, err)
		}
	}
}

// EmitJobRetrying notifies all extensions that implement JobRetrying.
func (r *Registry) EmitJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRunAt time.Time) {
	for _, e := range r.jobRetrying {
		if err := e.hook.OnJobRetrying(ctx, j, attempt, nextRunAt); err != nil {
			r.logHookError("OnJobRetrying", e.name, err)
		}
	}
}

// EmitJobDLQ notifies all extensions that implement JobDLQ.
func (r *Registry) EmitJobDLQ(ctx context.Context, j *job.Job, jobErr error) {
	for _, e := range r.jobDLQ {
		if err := e.hook.OnJobDLQ(ctx, j, jobErr); err != nil {
			r.logHookError("OnJobDLQ", e.name, err)
		}
	}
}

// EmitJobReplayed notifies all extensions that implement JobReplayed.
func (r *Registry) EmitJobReplayed(ctx context.Context, j *job.Job) {
	for _, e := range r.jobReplayed {
		if err := e.hook.OnJobReplayed(ctx, j); err != nil {
			r.logHookError("OnJobReplayed", e.name, err)
		}
	}
}

// EmitJobRescheduled notifies all extensions that implement JobRescheduled.
func (r *Registry) EmitJobRescheduled(ctx context.Context, j *job.Job, nextRunAt time.Time) {
	for _, e := range r.jobRescheduled {
		if err := e.hook.OnJobRescheduled(ctx, j, nextRunAt); err != nil {
			r.logHookError("OnJobRescheduled", e.name, err)
		}
	}
}

// EmitJobExpired notifies all extensions that implement JobExpired.
func (r *Registry) EmitJobExpired(ctx context.Context, j *job.Job) {
	for _, e := range r.jobExpired {
		if err := e.hook.OnJobExpired(ctx, j); err != nil {
			r.logHookError("OnJobExpired", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
