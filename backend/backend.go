package backend

import (
	"context"
	"time"

	"github.com/xraph/jobqueue/id"
	"github.com/xraph/jobqueue/job"
)

// Backend is the storage capability consumed by the queue facade. All
// methods must be safe for concurrent use.
type Backend interface {
	// Insert adds a new record to the eligible pool. Inserting an id that
	// is already stored returns jobqueue.ErrJobAlreadyExists.
	Insert(ctx context.Context, j *job.Job) error

	// ClaimNext atomically selects the highest-ranked eligible record,
	// marks it running, increments its attempts and removes it from the
	// eligible pool. Rank is priority descending, then CreatedAt
	// ascending, then ID ascending. It returns (nil, nil) when nothing is
	// eligible and never blocks waiting for work.
	ClaimNext(ctx context.Context) (*job.Job, error)

	// Acknowledge removes a claimed record from active storage. It applies
	// to completed records and to failed records that are being dropped.
	Acknowledge(ctx context.Context, jobID id.JobID) error

	// Fail records the failure reason on a claimed record and marks it
	// failed. It takes no retry decision.
	Fail(ctx context.Context, jobID id.JobID, reason string) error

	// ReinsertForRetry upserts the record into the eligible pool as
	// pending, keeping its ScheduledAt. It is used for retries and for
	// rescheduled recurring jobs.
	ReinsertForRetry(ctx context.Context, j *job.Job) error

	// DeadLetter moves the record out of active storage into the
	// dead-letter pool.
	DeadLetter(ctx context.Context, j *job.Job) error

	// ListDeadLetter returns dead-lettered records in the order they were
	// dead-lettered.
	ListDeadLetter(ctx context.Context) ([]*job.Job, error)

	// ReplayDeadLetter moves a dead-lettered record back to the eligible
	// pool with attempts reset and its error cleared. An unknown id returns
	// jobqueue.ErrDeadLetterNotFound and changes nothing.
	ReplayDeadLetter(ctx context.Context, jobID id.JobID) (*job.Job, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases resources owned by the backend.
	Close() error
}

// Counts is a point-in-time population of each pool.
type Counts struct {
	Pending    int64
	Running    int64
	DeadLetter int64
}

// Counter is implemented by backends that can report pool sizes. The queue
// uses it to seed live gauges from state that existed before the process
// started.
type Counter interface {
	Counts(ctx context.Context) (Counts, error)
}

// Reaper is implemented by backends that track the liveness of claimed
// records. A worker that dies mid-execution leaves its record running; the
// worker pool uses Reaper to hand such records back to the eligible pool.
type Reaper interface {
	// Heartbeat refreshes the liveness timestamp of a claimed record. An id
	// that is not claimed returns jobqueue.ErrJobNotFound.
	Heartbeat(ctx context.Context, jobID id.JobID) error

	// ReapStale returns claimed records whose last heartbeat is older than
	// olderThan to the eligible pool as pending, and returns them. The
	// attempt each one used stays counted.
	ReapStale(ctx context.Context, olderThan time.Duration) ([]*job.Job, error)
}

// Before reports whether a ranks ahead of b in claim order.
func Before(a, b *job.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return id.Compare(a.ID, b.ID) < 0
}
