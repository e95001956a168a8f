// Package memory implements backend.Backend entirely in process memory.
//
// The eligible pool and the dead-letter pool are guarded by separate
// mutexes that are never held at the same time. The eligible pool is kept
// sorted in claim order, so insertion is linear in its size and a claim
// takes the first eligible record from the front.
package memory

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/jobqueue"
	"github.com/xraph/jobqueue/backend"
	"github.com/xraph/jobqueue/id"
	"github.com/xraph/jobqueue/job"
)

// Compile-time interface checks.
var (
	_ backend.Backend = (*Backend)(nil)
	_ backend.Counter = (*Backend)(nil)
	_ backend.Reaper  = (*Backend)(nil)
)

// Option configures the Backend.
type Option func(*Backend)

// WithClock overrides the time source used to decide eligibility.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// Backend is an in-memory job backend. Safe for concurrent access.
type Backend struct {
	now    func() time.Time
	closed atomic.Bool

	// poolMu guards pending, running and ids.
	poolMu  sync.Mutex
	pending []*job.Job
	running map[string]*job.Job
	ids     map[string]struct{}

	// deadMu guards dead. Never held together with poolMu.
	deadMu sync.Mutex
	dead   []*job.Job
}

// New returns an empty Backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		now:     job.Now,
		running: make(map[string]*job.Job),
		ids:     make(map[string]struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Ping fails once the backend is closed.
func (b *Backend) Ping(_ context.Context) error {
	if b.closed.Load() {
		return jobqueue.ErrBackendClosed
	}
	return nil
}

// Close marks the backend closed. Later operations fail with
// jobqueue.ErrBackendClosed.
func (b *Backend) Close() error {
	b.closed.Store(true)
	return nil
}

// ──────────────────────────────────────────────────
// Eligible pool
// ──────────────────────────────────────────────────

// Insert adds a record at its rank in the eligible pool.
func (b *Backend) Insert(_ context.Context, j *job.Job) error {
	if b.closed.Load() {
		return jobqueue.ErrBackendClosed
	}
	cp := j.Clone()

	b.poolMu.Lock()
	defer b.poolMu.Unlock()

	key := cp.ID.String()
	if _, exists := b.ids[key]; exists {
		return jobqueue.ErrJobAlreadyExists
	}
	b.ids[key] = struct{}{}
	b.place(cp)
	return nil
}

// ClaimNext removes and returns the highest-ranked eligible record.
func (b *Backend) ClaimNext(_ context.Context) (*job.Job, error) {
	if b.closed.Load() {
		return nil, jobqueue.ErrBackendClosed
	}
	now := b.now()

	b.poolMu.Lock()
	defer b.poolMu.Unlock()

	for i, j := range b.pending {
		if !j.Eligible(now) {
			continue
		}
		if err := j.Claim(now); err != nil {
			return nil, err
		}
		b.pending = slices.Delete(b.pending, i, i+1)
		b.running[j.ID.String()] = j
		return j.Clone(), nil
	}
	return nil, nil //nolint:nilnil // nothing eligible
}

// Acknowledge drops a claimed record.
func (b *Backend) Acknowledge(_ context.Context, jobID id.JobID) error {
	if b.closed.Load() {
		return jobqueue.ErrBackendClosed
	}
	key := jobID.String()

	b.poolMu.Lock()
	defer b.poolMu.Unlock()

	if _, ok := b.running[key]; !ok {
		return jobqueue.ErrJobNotFound
	}
	delete(b.running, key)
	delete(b.ids, key)
	return nil
}

// Fail marks a claimed record failed with reason.
func (b *Backend) Fail(_ context.Context, jobID id.JobID, reason string) error {
	if b.closed.Load() {
		return jobqueue.ErrBackendClosed
	}

	b.poolMu.Lock()
	defer b.poolMu.Unlock()

	j, ok := b.running[jobID.String()]
	if !ok {
		return jobqueue.ErrJobNotFound
	}
	j.Status = job.StatusFailed
	j.Error = reason
	return nil
}

// ReinsertForRetry upserts the record into the eligible pool as pending.
func (b *Backend) ReinsertForRetry(_ context.Context, j *job.Job) error {
	if b.closed.Load() {
		return jobqueue.ErrBackendClosed
	}
	cp := j.Clone()
	cp.Status = job.StatusPending
	key := cp.ID.String()

	b.poolMu.Lock()
	defer b.poolMu.Unlock()

	delete(b.running, key)
	b.pending = slices.DeleteFunc(b.pending, func(p *job.Job) bool { return p.ID.String() == key })
	b.ids[key] = struct{}{}
	b.place(cp)
	return nil
}

// place inserts j at its rank. Caller holds poolMu.
func (b *Backend) place(j *job.Job) {
	i := 0
	for i < len(b.pending) && !backend.Before(j, b.pending[i]) {
		i++
	}
	b.pending = slices.Insert(b.pending, i, j)
}

// ──────────────────────────────────────────────────
// Reaper
// ──────────────────────────────────────────────────

// Heartbeat refreshes a claimed record's liveness stamp.
func (b *Backend) Heartbeat(_ context.Context, jobID id.JobID) error {
	if b.closed.Load() {
		return jobqueue.ErrBackendClosed
	}
	now := b.now()

	b.poolMu.Lock()
	defer b.poolMu.Unlock()

	j, ok := b.running[jobID.String()]
	if !ok {
		return jobqueue.ErrJobNotFound
	}
	j.HeartbeatAt = &now
	return nil
}

// ReapStale moves claimed records with an expired heartbeat back to the
// eligible pool.
func (b *Backend) ReapStale(_ context.Context, olderThan time.Duration) ([]*job.Job, error) {
	if b.closed.Load() {
		return nil, jobqueue.ErrBackendClosed
	}
	cutoff := b.now().Add(-olderThan)

	b.poolMu.Lock()
	defer b.poolMu.Unlock()

	var reaped []*job.Job
	for key, j := range b.running {
		if !j.Stale(cutoff) {
			continue
		}
		if err := j.Release(); err != nil {
			return reaped, err
		}
		delete(b.running, key)
		b.place(j)
		reaped = append(reaped, j.Clone())
	}
	return reaped, nil
}

// ──────────────────────────────────────────────────
// Dead-letter pool
// ──────────────────────────────────────────────────

// DeadLetter releases the record from the active pools and appends it to
// the dead-letter pool.
func (b *Backend) DeadLetter(_ context.Context, j *job.Job) error {
	if b.closed.Load() {
		return jobqueue.ErrBackendClosed
	}
	cp := j.Clone()
	cp.Status = job.StatusDeadLetter
	key := cp.ID.String()

	b.poolMu.Lock()
	delete(b.running, key)
	b.pending = slices.DeleteFunc(b.pending, func(p *job.Job) bool { return p.ID.String() == key })
	delete(b.ids, key)
	b.poolMu.Unlock()

	b.deadMu.Lock()
	b.dead = append(b.dead, cp)
	b.deadMu.Unlock()
	return nil
}

// ListDeadLetter returns copies of the dead-lettered records in insertion
// order.
func (b *Backend) ListDeadLetter(_ context.Context) ([]*job.Job, error) {
	if b.closed.Load() {
		return nil, jobqueue.ErrBackendClosed
	}

	b.deadMu.Lock()
	defer b.deadMu.Unlock()

	out := make([]*job.Job, len(b.dead))
	for i, j := range b.dead {
		out[i] = j.Clone()
	}
	return out, nil
}

// ReplayDeadLetter moves a dead-lettered record back to the eligible pool.
func (b *Backend) ReplayDeadLetter(_ context.Context, jobID id.JobID) (*job.Job, error) {
	if b.closed.Load() {
		return nil, jobqueue.ErrBackendClosed
	}
	key := jobID.String()

	b.deadMu.Lock()
	idx := slices.IndexFunc(b.dead, func(d *job.Job) bool { return d.ID.String() == key })
	if idx < 0 {
		b.deadMu.Unlock()
		return nil, jobqueue.ErrDeadLetterNotFound
	}
	j := b.dead[idx]
	b.dead = slices.Delete(b.dead, idx, idx+1)
	b.deadMu.Unlock()

	if err := j.ResetForReplay(); err != nil {
		return nil, err
	}

	b.poolMu.Lock()
	b.ids[key] = struct{}{}
	b.place(j)
	b.poolMu.Unlock()

	return j.Clone(), nil
}

// ──────────────────────────────────────────────────
// Counter
// ──────────────────────────────────────────────────

// Counts reports the size of each pool.
func (b *Backend) Counts(_ context.Context) (backend.Counts, error) {
	if b.closed.Load() {
		return backend.Counts{}, jobqueue.ErrBackendClosed
	}

	var c backend.Counts
	b.poolMu.Lock()
	c.Pending = int64(len(b.pending))
	c.Running = int64(len(b.running))
	b.poolMu.Unlock()

	b.deadMu.Lock()
	c.DeadLetter = int64(len(b.dead))
	b.deadMu.Unlock()
	return c, nil
}
