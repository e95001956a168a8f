package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/xraph/jobqueue"
	"github.com/xraph/jobqueue/job"
)

// A record is a hash. data holds the encoded job as of its last full
// write; status, attempts, error and heartbeat are updated in place by the
// scripts and override the encoded values on read. member, score and sched
// let the scripts queue the record without decoding it.
const (
	fieldData      = "data"
	fieldStatus    = "status"
	fieldAttempts  = "attempts"
	fieldError     = "error"
	fieldHeartbeat = "heartbeat"
)

// recordFields is the read order shared by HMGET calls and script replies.
var recordFields = []string{fieldData, fieldStatus, fieldAttempts, fieldError, fieldHeartbeat}

// recordArgs returns the full hash contents of j in the order the store()
// helper of the scripts expects.
func (b *Backend) recordArgs(j *job.Job) ([]any, error) {
	data, err := b.codec.Marshal(j)
	if err != nil {
		return nil, err
	}
	return []any{
		data,
		string(j.Status),
		j.Attempts,
		j.Error,
		optMicros(j.HeartbeatAt),
		member(j),
		-j.Priority,
		optMicros(j.ScheduledAt),
	}, nil
}

// decode rebuilds a job from recordFields values. A missing data field
// means the record does not exist.
func (b *Backend) decode(vals []any) (*job.Job, error) {
	if len(vals) != len(recordFields) {
		return nil, fmt.Errorf("jobqueue/redis: decode: got %d fields, want %d", len(vals), len(recordFields))
	}
	data, ok := vals[0].(string)
	if !ok {
		return nil, jobqueue.ErrJobNotFound
	}
	j, err := b.codec.Unmarshal([]byte(data))
	if err != nil {
		return nil, err
	}
	if s := str(vals[1]); s != "" {
		j.Status = job.Status(s)
	}
	if s := str(vals[2]); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("%w: attempts %q: %w", jobqueue.ErrSerialization, s, err)
		}
		j.Attempts = n
	}
	j.Error = str(vals[3])
	j.HeartbeatAt = nil
	if s := str(vals[4]); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: heartbeat %q: %w", jobqueue.ErrSerialization, s, err)
		}
		j.HeartbeatAt = job.FromMicros(&v)
	}
	return j, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// optMicros renders an optional time as Unix microseconds, or "" when
// absent.
func optMicros(t *time.Time) string {
	if t == nil {
		return ""
	}
	return strconv.FormatInt(micros(*t), 10)
}
