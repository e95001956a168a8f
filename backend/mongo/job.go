package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/jobqueue"
	"github.com/xraph/jobqueue/backend"
	"github.com/xraph/jobqueue/id"
	"github.com/xraph/jobqueue/job"
)

var claimedStatuses = bson.M{"$in": []string{string(job.StatusRunning), string(job.StatusFailed)}}

// Insert persists a new pending record.
func (b *Backend) Insert(ctx context.Context, j *job.Job) error {
	if err := b.check(); err != nil {
		return err
	}
	if _, err := b.jobs.InsertOne(ctx, toJobModel(j, job.StatusPending)); err != nil {
		if mongod.IsDuplicateKeyError(err) {
			return jobqueue.ErrJobAlreadyExists
		}
		return wrap("insert", err)
	}
	return nil
}

// ClaimNext claims the best eligible document with FindOneAndUpdate.
func (b *Backend) ClaimNext(ctx context.Context) (*job.Job, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	now := b.now().UnixMicro()
	filter := bson.M{
		"status": string(job.StatusPending),
		"$or": bson.A{
			bson.M{"scheduled_at": nil},
			bson.M{"scheduled_at": bson.M{"$lte": now}},
		},
	}
	update := bson.M{
		"$set": bson.M{"status": string(job.StatusRunning), "heartbeat_at": now},
		"$inc": bson.M{"attempts": 1},
	}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetSort(bson.D{
			{Key: "priority", Value: -1},
			{Key: "created_at", Value: 1},
			{Key: "_id", Value: 1},
		})

	var m jobModel
	err := b.jobs.FindOneAndUpdate(ctx, filter, update, opts).Decode(&m)
	if errors.Is(err, mongod.ErrNoDocuments) {
		return nil, nil //nolint:nilnil // nothing eligible
	}
	if err != nil {
		return nil, wrap("claim", err)
	}
	j, err := fromJobModel(&m)
	if err != nil {
		return nil, fmt.Errorf("jobqueue/mongo: claim convert: %w", err)
	}
	return j, nil
}

// Acknowledge deletes a claimed document.
func (b *Backend) Acknowledge(ctx context.Context, jobID id.JobID) error {
	if err := b.check(); err != nil {
		return err
	}
	res, err := b.jobs.DeleteOne(ctx, bson.M{"_id": jobID.String(), "status": claimedStatuses})
	if err != nil {
		return wrap("acknowledge", err)
	}
	if res.DeletedCount == 0 {
		return jobqueue.ErrJobNotFound
	}
	return nil
}

// Fail marks a claimed document failed with reason.
func (b *Backend) Fail(ctx context.Context, jobID id.JobID, reason string) error {
	if err := b.check(); err != nil {
		return err
	}
	res, err := b.jobs.UpdateOne(ctx,
		bson.M{"_id": jobID.String(), "status": claimedStatuses},
		bson.M{"$set": bson.M{"status": string(job.StatusFailed), "error": reason}},
	)
	if err != nil {
		return wrap("fail", err)
	}
	if res.MatchedCount == 0 {
		return jobqueue.ErrJobNotFound
	}
	return nil
}

// ReinsertForRetry replaces or inserts the document as pending.
func (b *Backend) ReinsertForRetry(ctx context.Context, j *job.Job) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.replace(ctx, "reinsert", toJobModel(j, job.StatusPending))
}

// DeadLetter replaces or inserts the document as dead-lettered with the
// next counter value.
func (b *Backend) DeadLetter(ctx context.Context, j *job.Job) error {
	if err := b.check(); err != nil {
		return err
	}
	seq, err := b.nextDeadSeq(ctx)
	if err != nil {
		return wrap("dead-letter sequence", err)
	}
	m := toJobModel(j, job.StatusDeadLetter)
	m.DeadSeq = &seq
	return b.replace(ctx, "dead-letter", m)
}

func (b *Backend) replace(ctx context.Context, op string, m *jobModel) error {
	_, err := b.jobs.ReplaceOne(ctx, bson.M{"_id": m.ID}, m, options.Replace().SetUpsert(true))
	if err != nil {
		return wrap(op, err)
	}
	return nil
}

// ListDeadLetter returns dead-lettered documents in counter order.
func (b *Backend) ListDeadLetter(ctx context.Context) ([]*job.Job, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	cur, err := b.jobs.Find(ctx,
		bson.M{"status": string(job.StatusDeadLetter)},
		options.Find().SetSort(bson.D{{Key: "dead_seq", Value: 1}}),
	)
	if err != nil {
		return nil, wrap("list dead-letter", err)
	}
	var models []jobModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, wrap("list dead-letter", err)
	}

	out := make([]*job.Job, 0, len(models))
	for i := range models {
		j, convErr := fromJobModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("jobqueue/mongo: dead-letter convert: %w", convErr)
		}
		out = append(out, j)
	}
	return out, nil
}

// ReplayDeadLetter resets a dead-lettered document to pending.
func (b *Backend) ReplayDeadLetter(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	var m jobModel
	err := b.jobs.FindOneAndUpdate(ctx,
		bson.M{"_id": jobID.String(), "status": string(job.StatusDeadLetter)},
		bson.M{"$set": bson.M{
			"status":       string(job.StatusPending),
			"attempts":     0,
			"error":        "",
			"dead_seq":     nil,
			"heartbeat_at": nil,
		}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if errors.Is(err, mongod.ErrNoDocuments) {
		return nil, jobqueue.ErrDeadLetterNotFound
	}
	if err != nil {
		return nil, wrap("replay", err)
	}
	return fromJobModel(&m)
}

// Heartbeat refreshes a claimed document's liveness stamp.
func (b *Backend) Heartbeat(ctx context.Context, jobID id.JobID) error {
	if err := b.check(); err != nil {
		return err
	}
	res, err := b.jobs.UpdateOne(ctx,
		bson.M{"_id": jobID.String(), "status": claimedStatuses},
		bson.M{"$set": bson.M{"heartbeat_at": b.now().UnixMicro()}},
	)
	if err != nil {
		return wrap("heartbeat", err)
	}
	if res.MatchedCount == 0 {
		return jobqueue.ErrJobNotFound
	}
	return nil
}

// ReapStale returns claimed documents with an expired heartbeat to
// pending. Each document is released with its own conditional update, so
// one that heartbeats between the scan and the update is left alone.
func (b *Backend) ReapStale(ctx context.Context, olderThan time.Duration) ([]*job.Job, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	stale := bson.M{
		"status": claimedStatuses,
		"$or": bson.A{
			bson.M{"heartbeat_at": nil},
			bson.M{"heartbeat_at": bson.M{"$lt": b.now().Add(-olderThan).UnixMicro()}},
		},
	}
	cur, err := b.jobs.Find(ctx, stale, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, wrap("reap scan", err)
	}
	var ids []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &ids); err != nil {
		return nil, wrap("reap scan", err)
	}

	var out []*job.Job
	for _, doc := range ids {
		filter := bson.M{"_id": doc.ID}
		for k, v := range stale {
			filter[k] = v
		}
		var m jobModel
		err := b.jobs.FindOneAndUpdate(ctx, filter,
			bson.M{"$set": bson.M{"status": string(job.StatusPending), "heartbeat_at": nil}},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&m)
		if errors.Is(err, mongod.ErrNoDocuments) {
			continue
		}
		if err != nil {
			return out, wrap("reap", err)
		}
		j, err := fromJobModel(&m)
		if err != nil {
			return out, fmt.Errorf("jobqueue/mongo: reap convert: %w", err)
		}
		out = append(out, j)
	}
	return out, nil
}

// Counts reports the size of each pool.
func (b *Backend) Counts(ctx context.Context) (backend.Counts, error) {
	if err := b.check(); err != nil {
		return backend.Counts{}, err
	}
	var c backend.Counts
	for _, q := range []struct {
		filter bson.M
		dst    *int64
	}{
		{bson.M{"status": string(job.StatusPending)}, &c.Pending},
		{bson.M{"status": claimedStatuses}, &c.Running},
		{bson.M{"status": string(job.StatusDeadLetter)}, &c.DeadLetter},
	} {
		n, err := b.jobs.CountDocuments(ctx, q.filter)
		if err != nil {
			return backend.Counts{}, wrap("counts", err)
		}
		*q.dst = n
	}
	return c, nil
}
