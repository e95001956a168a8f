package job

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/xraph/jobqueue"
	"github.com/xraph/jobqueue/id"
)

// Codec encodes whole job records for backends that store opaque bytes.
type Codec interface {
	Marshal(j *Job) ([]byte, error)
	Unmarshal(data []byte) (*Job, error)
}

// JSONCodec stores records as JSON documents.
type JSONCodec struct{}

// MsgpackCodec stores records as MessagePack, which is smaller and keeps
// the payload as raw bytes.
type MsgpackCodec struct{}

var (
	_ Codec = JSONCodec{}
	_ Codec = MsgpackCodec{}
)

// Marshal implements Codec.
func (JSONCodec) Marshal(j *Job) ([]byte, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("%w: encode job %s: %w", jobqueue.ErrSerialization, j.ID, err)
	}
	return b, nil
}

// Unmarshal implements Codec.
func (JSONCodec) Unmarshal(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: decode job: %w", jobqueue.ErrSerialization, err)
	}
	return &j, nil
}

// wireJob is the msgpack layout. Times are Unix microseconds with 0 meaning
// absent, so nil and zero stay distinguishable for optional fields.
type wireJob struct {
	ID           string `msgpack:"id"`
	Name         string `msgpack:"n"`
	Payload      []byte `msgpack:"p"`
	Status       string `msgpack:"s"`
	Attempts     int    `msgpack:"a"`
	MaxRetries   int    `msgpack:"mr"`
	Priority     int    `msgpack:"pr"`
	CreatedAt    int64  `msgpack:"ca"`
	ScheduledAt  *int64 `msgpack:"sa"`
	CronSchedule string `msgpack:"cr,omitempty"`
	LastRunAt    *int64 `msgpack:"lr"`
	Error        string `msgpack:"e,omitempty"`
	Timeout      int64  `msgpack:"t,omitempty"`
	HeartbeatAt  *int64 `msgpack:"hb,omitempty"`
}

// Marshal implements Codec.
func (MsgpackCodec) Marshal(j *Job) ([]byte, error) {
	w := wireJob{
		ID:           j.ID.String(),
		Name:         j.Name,
		Payload:      j.Payload,
		Status:       string(j.Status),
		Attempts:     j.Attempts,
		MaxRetries:   j.MaxRetries,
		Priority:     j.Priority,
		CreatedAt:    j.CreatedAt.UnixMicro(),
		ScheduledAt:  toMicros(j.ScheduledAt),
		CronSchedule: j.CronSchedule,
		LastRunAt:    toMicros(j.LastRunAt),
		Error:        j.Error,
		Timeout:      int64(j.Timeout),
		HeartbeatAt:  toMicros(j.HeartbeatAt),
	}
	b, err := msgpack.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("%w: encode job %s: %w", jobqueue.ErrSerialization, j.ID, err)
	}
	return b, nil
}

// Unmarshal implements Codec.
func (MsgpackCodec) Unmarshal(data []byte) (*Job, error) {
	var w wireJob
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: decode job: %w", jobqueue.ErrSerialization, err)
	}
	jobID, err := id.ParseJobID(w.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: decode job: %w", jobqueue.ErrSerialization, err)
	}
	return &Job{
		ID:           jobID,
		Name:         w.Name,
		Payload:      w.Payload,
		Status:       Status(w.Status),
		Attempts:     w.Attempts,
		MaxRetries:   w.MaxRetries,
		Priority:     w.Priority,
		CreatedAt:    time.UnixMicro(w.CreatedAt).UTC(),
		ScheduledAt:  FromMicros(w.ScheduledAt),
		CronSchedule: w.CronSchedule,
		LastRunAt:    FromMicros(w.LastRunAt),
		Error:        w.Error,
		Timeout:      time.Duration(w.Timeout),
		HeartbeatAt:  FromMicros(w.HeartbeatAt),
	}, nil
}

func toMicros(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.UnixMicro()
	return &v
}

// FromMicros converts an optional Unix microsecond timestamp into an
// optional UTC time.
func FromMicros(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := time.UnixMicro(*v).UTC()
	return &t
}
