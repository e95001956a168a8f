package pebble

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

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

// Backend is a Pebble job backend.
type Backend struct {
	mu     sync.Mutex
	db     *pebble.DB
	sync   pebble.WriteOptions
	codec  job.Codec
	now    func() time.Time
	logger *slog.Logger
	closed bool
}

// Option configures the Backend.
type Option func(*Backend)

// WithLogger sets the logger for the backend.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) { b.logger = logger }
}

// WithClock overrides the time source used to decide eligibility.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// WithCodec sets the record encoding. The default is MessagePack.
func WithCodec(c job.Codec) Option {
	return func(b *Backend) { b.codec = c }
}

// WithNoSync commits batches without waiting for the WAL to reach disk.
func WithNoSync() Option {
	return func(b *Backend) { b.sync = *pebble.NoSync }
}

// Open opens or creates the database in dir.
func Open(dir string, opts ...Option) (*Backend, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("jobqueue/pebble: open %s: %w: %w", dir, jobqueue.ErrBackendUnavailable, err)
	}
	b := &Backend{
		db:     db,
		sync:   *pebble.Sync,
		codec:  job.MsgpackCodec{},
		now:    job.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Ping reports whether the database is open.
func (b *Backend) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.check()
}

// Close flushes and closes the database.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

func (b *Backend) check() error {
	if b.closed {
		return jobqueue.ErrBackendClosed
	}
	return nil
}

func wrap(op string, err error) error {
	return fmt.Errorf("jobqueue/pebble: %s: %w: %w", op, jobqueue.ErrBackendUnavailable, err)
}

// ──────────────────────────────────────────────────
// Record helpers (callers hold mu)
// ──────────────────────────────────────────────────

// load returns the stored record or nil.
func (b *Backend) load(jobID string) (*job.Job, error) {
	val, closer, err := b.db.Get(jobKey(jobID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil //nolint:nilnil // absent
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return b.codec.Unmarshal(val)
}

func (b *Backend) put(batch *pebble.Batch, j *job.Job) error {
	data, err := b.codec.Marshal(j)
	if err != nil {
		return err
	}
	return batch.Set(jobKey(j.ID.String()), data, nil)
}

// clearIndexes drops whatever index entry the stored version of a record
// currently owns.
func (b *Backend) clearIndexes(batch *pebble.Batch, stored *job.Job) error {
	switch stored.Status {
	case job.StatusPending:
		return batch.Delete(readyKey(stored), nil)
	case job.StatusDeadLetter:
		idx := deadIdxKey(stored.ID.String())
		val, closer, err := b.db.Get(idx)
		if errors.Is(err, pebble.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		seq := binary.BigEndian.Uint64(val)
		closer.Close()
		if err := batch.Delete(deadKey(seq), nil); err != nil {
			return err
		}
		return batch.Delete(idx, nil)
	}
	return nil
}

func (b *Backend) nextDeadSeq() (uint64, error) {
	val, closer, err := b.db.Get(keyDeadSeq)
	if errors.Is(err, pebble.ErrNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	return binary.BigEndian.Uint64(val) + 1, nil
}

func isClaimed(s job.Status) bool {
	return s == job.StatusRunning || s == job.StatusFailed
}

// ──────────────────────────────────────────────────
// Backend
// ──────────────────────────────────────────────────

// Insert persists a new pending record.
func (b *Backend) Insert(_ context.Context, j *job.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	stored, err := b.load(j.ID.String())
	if err != nil {
		return wrap("insert", err)
	}
	if stored != nil {
		return jobqueue.ErrJobAlreadyExists
	}

	cp := *j
	cp.Status = job.StatusPending
	batch := b.db.NewBatch()
	defer batch.Close()
	if err := b.put(batch, &cp); err != nil {
		return err
	}
	if err := batch.Set(readyKey(&cp), nil, nil); err != nil {
		return wrap("insert", err)
	}
	if err := batch.Commit(&b.sync); err != nil {
		return wrap("insert", err)
	}
	return nil
}

// ClaimNext scans the ready index in claim order and takes the first
// record whose scheduled time has passed.
func (b *Backend) ClaimNext(_ context.Context) (*job.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return nil, err
	}

	iter, err := b.db.NewIter(&pebble.IterOptions{
		LowerBound: prefixReady,
		UpperBound: upperBound(prefixReady),
	})
	if err != nil {
		return nil, wrap("claim", err)
	}
	defer iter.Close()

	now := b.now()
	for ok := iter.First(); ok; ok = iter.Next() {
		key := iter.Key()
		jobID := string(key[len(prefixReady)+16:])
		j, err := b.load(jobID)
		if err != nil {
			return nil, wrap("claim", err)
		}
		if j == nil || !j.Eligible(now) {
			continue
		}

		if err := j.Claim(now); err != nil {
			return nil, err
		}
		batch := b.db.NewBatch()
		if err := batch.Delete(append([]byte{}, key...), nil); err != nil {
			batch.Close()
			return nil, wrap("claim", err)
		}
		if err := b.put(batch, j); err != nil {
			batch.Close()
			return nil, err
		}
		err = batch.Commit(&b.sync)
		batch.Close()
		if err != nil {
			return nil, wrap("claim", err)
		}
		return j, nil
	}
	if err := iter.Error(); err != nil {
		return nil, wrap("claim", err)
	}
	return nil, nil //nolint:nilnil // nothing eligible
}

// Acknowledge deletes a claimed record.
func (b *Backend) Acknowledge(_ context.Context, jobID id.JobID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	stored, err := b.load(jobID.String())
	if err != nil {
		return wrap("acknowledge", err)
	}
	if stored == nil || !isClaimed(stored.Status) {
		return jobqueue.ErrJobNotFound
	}
	if err := b.db.Delete(jobKey(jobID.String()), &b.sync); err != nil {
		return wrap("acknowledge", err)
	}
	return nil
}

// Fail marks a claimed record failed with reason.
func (b *Backend) Fail(_ context.Context, jobID id.JobID, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	stored, err := b.load(jobID.String())
	if err != nil {
		return wrap("fail", err)
	}
	if stored == nil || !isClaimed(stored.Status) {
		return jobqueue.ErrJobNotFound
	}
	stored.Status = job.StatusFailed
	stored.Error = reason

	batch := b.db.NewBatch()
	defer batch.Close()
	if err := b.put(batch, stored); err != nil {
		return err
	}
	if err := batch.Commit(&b.sync); err != nil {
		return wrap("fail", err)
	}
	return nil
}

// ReinsertForRetry upserts the record as pending.
func (b *Backend) ReinsertForRetry(_ context.Context, j *job.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	cp := *j
	cp.Status = job.StatusPending
	return b.replace("reinsert", &cp, func(batch *pebble.Batch) error {
		return batch.Set(readyKey(&cp), nil, nil)
	})
}

// DeadLetter upserts the record as dead-lettered at the end of the
// dead-letter sequence.
func (b *Backend) DeadLetter(_ context.Context, j *job.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	seq, err := b.nextDeadSeq()
	if err != nil {
		return wrap("dead-letter", err)
	}
	cp := *j
	cp.Status = job.StatusDeadLetter
	return b.replace("dead-letter", &cp, func(batch *pebble.Batch) error {
		enc := binary.BigEndian.AppendUint64(nil, seq)
		if err := batch.Set(keyDeadSeq, enc, nil); err != nil {
			return err
		}
		if err := batch.Set(deadKey(seq), []byte(cp.ID.String()), nil); err != nil {
			return err
		}
		return batch.Set(deadIdxKey(cp.ID.String()), enc, nil)
	})
}

// replace writes j over any stored version, dropping the stored version's
// index entries and adding new ones through index.
func (b *Backend) replace(op string, j *job.Job, index func(*pebble.Batch) error) error {
	stored, err := b.load(j.ID.String())
	if err != nil {
		return wrap(op, err)
	}
	batch := b.db.NewBatch()
	defer batch.Close()
	if stored != nil {
		if err := b.clearIndexes(batch, stored); err != nil {
			return wrap(op, err)
		}
	}
	if err := b.put(batch, j); err != nil {
		return err
	}
	if err := index(batch); err != nil {
		return wrap(op, err)
	}
	if err := batch.Commit(&b.sync); err != nil {
		return wrap(op, err)
	}
	return nil
}

// ListDeadLetter returns dead-lettered records in sequence order.
func (b *Backend) ListDeadLetter(_ context.Context) ([]*job.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return nil, err
	}
	iter, err := b.db.NewIter(&pebble.IterOptions{
		LowerBound: prefixDead,
		UpperBound: upperBound(prefixDead),
	})
	if err != nil {
		return nil, wrap("list dead-letter", err)
	}
	defer iter.Close()

	out := []*job.Job{}
	for ok := iter.First(); ok; ok = iter.Next() {
		j, err := b.load(string(iter.Value()))
		if err != nil {
			return nil, wrap("list dead-letter", err)
		}
		if j != nil {
			out = append(out, j)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, wrap("list dead-letter", err)
	}
	return out, nil
}

// ReplayDeadLetter resets a dead-lettered record to pending.
func (b *Backend) ReplayDeadLetter(_ context.Context, jobID id.JobID) (*job.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return nil, err
	}
	stored, err := b.load(jobID.String())
	if err != nil {
		return nil, wrap("replay", err)
	}
	if stored == nil || stored.Status != job.StatusDeadLetter {
		return nil, jobqueue.ErrDeadLetterNotFound
	}
	j := *stored
	if err := j.ResetForReplay(); err != nil {
		return nil, err
	}
	if err := b.replace("replay", &j, func(batch *pebble.Batch) error {
		return batch.Set(readyKey(&j), nil, nil)
	}); err != nil {
		return nil, err
	}
	return &j, nil
}

// Heartbeat refreshes a claimed record's liveness stamp.
func (b *Backend) Heartbeat(_ context.Context, jobID id.JobID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	stored, err := b.load(jobID.String())
	if err != nil {
		return wrap("heartbeat", err)
	}
	if stored == nil || !isClaimed(stored.Status) {
		return jobqueue.ErrJobNotFound
	}
	now := b.now()
	stored.HeartbeatAt = &now

	data, err := b.codec.Marshal(stored)
	if err != nil {
		return err
	}
	if err := b.db.Set(jobKey(stored.ID.String()), data, &b.sync); err != nil {
		return wrap("heartbeat", err)
	}
	return nil
}

// ReapStale scans stored records and returns claimed ones with an expired
// heartbeat to the ready index in a single batch.
func (b *Backend) ReapStale(_ context.Context, olderThan time.Duration) ([]*job.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return nil, err
	}
	cutoff := b.now().Add(-olderThan)

	iter, err := b.db.NewIter(&pebble.IterOptions{
		LowerBound: prefixJob,
		UpperBound: upperBound(prefixJob),
	})
	if err != nil {
		return nil, wrap("reap", err)
	}
	var stale []*job.Job
	for ok := iter.First(); ok; ok = iter.Next() {
		j, err := b.codec.Unmarshal(iter.Value())
		if err != nil {
			iter.Close()
			return nil, err
		}
		if j.Stale(cutoff) {
			stale = append(stale, j)
		}
	}
	iterErr := iter.Error()
	iter.Close()
	if iterErr != nil {
		return nil, wrap("reap", iterErr)
	}
	if len(stale) == 0 {
		return nil, nil
	}

	batch := b.db.NewBatch()
	defer batch.Close()
	for _, j := range stale {
		if err := j.Release(); err != nil {
			return nil, err
		}
		if err := b.put(batch, j); err != nil {
			return nil, err
		}
		if err := batch.Set(readyKey(j), nil, nil); err != nil {
			return nil, wrap("reap", err)
		}
	}
	if err := batch.Commit(&b.sync); err != nil {
		return nil, wrap("reap", err)
	}
	return stale, nil
}

// Counts reports the size of each pool by scanning stored records.
func (b *Backend) Counts(_ context.Context) (backend.Counts, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return backend.Counts{}, err
	}
	iter, err := b.db.NewIter(&pebble.IterOptions{
		LowerBound: prefixJob,
		UpperBound: upperBound(prefixJob),
	})
	if err != nil {
		return backend.Counts{}, wrap("counts", err)
	}
	defer iter.Close()

	var c backend.Counts
	for ok := iter.First(); ok; ok = iter.Next() {
		j, err := b.codec.Unmarshal(iter.Value())
		if err != nil {
			return backend.Counts{}, err
		}
		switch {
		case j.Status == job.StatusPending:
			c.Pending++
		case isClaimed(j.Status):
			c.Running++
		case j.Status == job.StatusDeadLetter:
			c.DeadLetter++
		}
	}
	if err := iter.Error(); err != nil {
		return backend.Counts{}, wrap("counts", err)
	}
	return c, nil
}
