package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/xraph/jobqueue"
	"github.com/xraph/jobqueue/id"
	"github.com/xraph/jobqueue/queue"
)

// Pool runs a fixed number of worker loops against one queue. Each loop
// claims a record, executes it, and repeats; when nothing is eligible it
// idles until the queue signals new work or the poll interval elapses.
type Pool struct {
	queue             *queue.Queue
	executor          *Executor
	concurrency       int
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	staleJobThreshold time.Duration
	limiter           *rate.Limiter
	workerID          id.WorkerID
	logger            *slog.Logger

	mu         sync.Mutex
	running    bool
	stopCtx    context.Context
	stop       context.CancelFunc
	wg         sync.WaitGroup
	auxStop    context.CancelFunc
	auxWg      sync.WaitGroup
	activeJobs map[string]context.CancelFunc
	activeMu   sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithConcurrency sets the number of worker loops. Values below one are
// ignored.
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithPollInterval sets how long an idle loop waits before checking the
// queue again when no wake signal arrives.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithHeartbeatInterval sets how often the pool refreshes the liveness
// stamp of every job it is running. Zero disables heartbeats.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// WithStaleJobThreshold sets how long a claimed job may go without a
// heartbeat before the pool hands it back to the queue. The reaper runs
// once per threshold. Zero disables reaping.
func WithStaleJobThreshold(d time.Duration) PoolOption {
	return func(p *Pool) { p.staleJobThreshold = d }
}

// WithRateLimit caps how many claims per second the whole pool makes.
// A zero limit disables the cap.
func WithRateLimit(limit float64, burst int) PoolOption {
	return func(p *Pool) {
		if limit <= 0 {
			p.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(limit), burst)
	}
}

// NewPool creates a worker pool over q.
func NewPool(q *queue.Queue, executor *Executor, logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		queue:        q,
		executor:     executor,
		concurrency:  4,
		pollInterval: time.Second,
		workerID:     id.NewWorkerID(),
		logger:       logger,
		activeJobs:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's identifier, used to tag its log lines.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Concurrency returns the number of worker loops.
func (p *Pool) Concurrency() int { return p.concurrency }

// Start launches the worker loops and returns immediately. Starting a
// running pool is a no-op.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true
	p.stopCtx, p.stop = context.WithCancel(context.Background())

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
		slog.Duration("poll_interval", p.pollInterval),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.loop(p.stopCtx)
	}

	// Heartbeats must outlive the worker loops so jobs still draining
	// during Stop are not reaped.
	var auxCtx context.Context
	auxCtx, p.auxStop = context.WithCancel(context.Background())
	if p.heartbeatInterval > 0 {
		p.auxWg.Add(1)
		go p.heartbeatLoop(auxCtx)
	}
	if p.staleJobThreshold > 0 {
		p.auxWg.Add(1)
		go p.reaperLoop(auxCtx)
	}
	return nil
}

// Stop asks every loop to finish after its current job and waits for them.
// If ctx ends first, in-flight jobs have their contexts cancelled and Stop
// waits for the handlers to return.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.stop()
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelActiveJobs()
		<-done
	}

	p.auxStop()
	p.auxWg.Wait()
	return nil
}

// loop is run by each worker goroutine.
func (p *Pool) loop(stopCtx context.Context) {
	defer p.wg.Done()

	for {
		if stopCtx.Err() != nil {
			return
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(stopCtx); err != nil {
				return
			}
		}

		// Taken before the claim so a signal raised in between is not lost.
		wake := p.queue.Wake()

		j, err := p.queue.Dequeue(stopCtx)
		if err != nil {
			if stopCtx.Err() != nil {
				return
			}
			p.logger.Error("dequeue error",
				slog.String("worker_id", p.workerID.String()),
				slog.String("error", err.Error()),
			)
			p.idle(stopCtx, nil)
			continue
		}
		if j == nil {
			p.idle(stopCtx, wake)
			continue
		}

		jobCtx, cancel := context.WithCancel(context.Background())
		key := j.ID.String()
		p.trackJob(key, cancel)

		if execErr := p.executor.Execute(jobCtx, j); execErr != nil {
			p.logger.Debug("job execution failed",
				slog.String("job_id", key),
				slog.String("job_name", j.Name),
				slog.String("error", execErr.Error()),
			)
		}

		p.untrackJob(key)
		cancel()
	}
}

// idle blocks until wake fires, the poll interval elapses or the pool
// stops. A nil wake waits for the interval only.
func (p *Pool) idle(stopCtx context.Context, wake <-chan struct{}) {
	t := time.NewTimer(p.pollInterval)
	defer t.Stop()
	select {
	case <-wake:
	case <-t.C:
	case <-stopCtx.Done():
	}
}

func (p *Pool) trackJob(jobID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID string) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.String("job_id", jobID))
		cancel()
	}
}

// heartbeatLoop periodically refreshes the liveness stamp of every active job.
func (p *Pool) heartbeatLoop(ctx context.Context) {
	defer p.auxWg.Done()

	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sendHeartbeats(ctx)
		}
	}
}

func (p *Pool) sendHeartbeats(ctx context.Context) {
	p.activeMu.Lock()
	jobIDs := make([]string, 0, len(p.activeJobs))
	for jobID := range p.activeJobs {
		jobIDs = append(jobIDs, jobID)
	}
	p.activeMu.Unlock()

	for _, jobIDStr := range jobIDs {
		parsedID, parseErr := id.ParseJobID(jobIDStr)
		if parseErr != nil {
			p.logger.Warn("heartbeat: invalid job id", slog.String("job_id", jobIDStr))
			continue
		}
		err := p.queue.Heartbeat(ctx, parsedID)
		switch {
		case err == nil:
		case errors.Is(err, jobqueue.ErrJobNotFound):
			// Finished between the snapshot and the heartbeat.
			p.logger.Debug("heartbeat skipped", slog.String("job_id", jobIDStr))
		default:
			p.logger.Warn("heartbeat failed",
				slog.String("job_id", jobIDStr),
				slog.String("error", err.Error()),
			)
		}
	}
}

// reaperLoop periodically hands stale jobs back to the queue.
func (p *Pool) reaperLoop(ctx context.Context) {
	defer p.auxWg.Done()

	ticker := time.NewTicker(p.staleJobThreshold)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reapStaleJobs(ctx)
		}
	}
}

func (p *Pool) reapStaleJobs(ctx context.Context) {
	if _, err := p.queue.ReapStale(ctx, p.staleJobThreshold); err != nil && ctx.Err() == nil {
		p.logger.Error("reap stale jobs error", slog.String("error", err.Error()))
	}
}
