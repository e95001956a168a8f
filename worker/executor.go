// Package worker runs claimed jobs. An Executor invokes the registered
// handler through middleware and routes the outcome through the queue; a
// Pool runs the concurrent dequeue loops that feed it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/jobqueue"
	"github.com/xraph/jobqueue/ext"
	"github.com/xraph/jobqueue/job"
	"github.com/xraph/jobqueue/middleware"
	"github.com/xraph/jobqueue/queue"
)

// Executor runs a single claimed record through middleware and its handler,
// then completes, retries, reschedules or dead-letters it.
type Executor struct {
	queue      *queue.Queue
	registry   *job.Registry
	extensions *ext.Registry
	mw         middleware.Middleware
	logger     *slog.Logger
}

// NewExecutor creates an Executor. Lifecycle events are emitted through the
// queue's extension registry.
func NewExecutor(
	q *queue.Queue,
	registry *job.Registry,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		queue:      q,
		registry:   registry,
		extensions: q.Extensions(),
		mw:         middleware.Chain(mws...),
		logger:     logger,
	}
}

// Execute runs j, which must have been claimed from the executor's queue.
//
// On success the record is completed, and a recurring record is then
// rescheduled. On failure the record is marked failed and, in order of
// preference, retried with backoff, rescheduled if recurring, or moved to
// the dead-letter pool. A record with no registered handler fails the same
// way.
//
// Cancelling ctx stops the handler only. The outcome is recorded on a
// context that keeps ctx's values without its cancellation.
//
// The returned error is the *jobqueue.ExecutionError for a failed run, or
// a bookkeeping error if the queue rejected a transition.
func (e *Executor) Execute(ctx context.Context, j *job.Job) error {
	e.extensions.EmitJobStarted(ctx, j)

	start := time.Now()
	runErr := e.run(ctx, j)
	elapsed := time.Since(start)

	ctx = context.WithoutCancel(ctx)
	if runErr == nil {
		return e.handleSuccess(ctx, j, elapsed)
	}

	execErr := &jobqueue.ExecutionError{
		JobID:   j.ID,
		JobName: j.Name,
		Attempt: j.Attempts,
		Err:     runErr,
	}
	if err := e.handleFailure(ctx, j, execErr); err != nil {
		return errors.Join(execErr, err)
	}
	return execErr
}

func (e *Executor) run(ctx context.Context, j *job.Job) error {
	handler, ok := e.registry.Get(j.Name)
	if !ok {
		return fmt.Errorf("%w for %q", jobqueue.ErrNoHandler, j.Name)
	}
	return e.mw(ctx, j, func(ctx context.Context) error {
		return handler(ctx, j.Payload)
	})
}

func (e *Executor) handleSuccess(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	if err := e.queue.Complete(ctx, j); err != nil {
		e.logger.Error("failed to complete job",
			slog.String("job_id", j.ID.String()),
			slog.String("job_name", j.Name),
			slog.String("error", err.Error()),
		)
		return err
	}
	e.extensions.EmitJobCompleted(ctx, j, elapsed)

	if j.IsRecurring() {
		return e.reschedule(ctx, j)
	}
	return nil
}

func (e *Executor) handleFailure(ctx context.Context, j *job.Job, execErr *jobqueue.ExecutionError) error {
	if err := e.queue.Fail(ctx, j, execErr); err != nil {
		e.logger.Error("failed to record job failure",
			slog.String("job_id", j.ID.String()),
			slog.String("job_name", j.Name),
			slog.String("error", err.Error()),
		)
		return err
	}

	switch {
	case j.ShouldRetry():
		if _, err := e.queue.Retry(ctx, j); err != nil {
			e.logger.Error("failed to schedule job retry",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
			return err
		}
		return nil
	case j.IsRecurring():
		return e.reschedule(ctx, j)
	default:
		if err := e.queue.MoveToDeadLetter(ctx, j); err != nil {
			e.logger.Error("failed to dead-letter job",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
			return err
		}
		return nil
	}
}

func (e *Executor) reschedule(ctx context.Context, j *job.Job) error {
	if err := e.queue.Reschedule(ctx, j); err != nil {
		e.logger.Error("failed to reschedule recurring job",
			slog.String("job_id", j.ID.String()),
			slog.String("job_name", j.Name),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}
