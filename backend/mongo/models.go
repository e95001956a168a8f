package mongo

import (
	"time"

	"github.com/xraph/jobqueue/id"
	"github.com/xraph/jobqueue/job"
)

// jobModel is the stored document. BSON dates carry milliseconds only, so
// times are kept as UTC unix microseconds.
type jobModel struct {
	ID           string `bson:"_id"`
	Name         string `bson:"name"`
	Payload      []byte `bson:"payload"`
	Status       string `bson:"status"`
	Attempts     int    `bson:"attempts"`
	MaxRetries   int    `bson:"max_retries"`
	Priority     int    `bson:"priority"`
	CreatedAt    int64  `bson:"created_at"`
	ScheduledAt  *int64 `bson:"scheduled_at"`
	CronSchedule string `bson:"cron_schedule"`
	LastRunAt    *int64 `bson:"last_run_at"`
	Error        string `bson:"error"`
	TimeoutNs    int64  `bson:"timeout_ns"`
	HeartbeatAt  *int64 `bson:"heartbeat_at"`
	DeadSeq      *int64 `bson:"dead_seq"`
}

func microsPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.UTC().UnixMicro()
	return &v
}

func timePtr(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := time.UnixMicro(*v).UTC()
	return &t
}

func toJobModel(j *job.Job, status job.Status) *jobModel {
	return &jobModel{
		ID:           j.ID.String(),
		Name:         j.Name,
		Payload:      j.Payload,
		Status:       string(status),
		Attempts:     j.Attempts,
		MaxRetries:   j.MaxRetries,
		Priority:     j.Priority,
		CreatedAt:    j.CreatedAt.UTC().UnixMicro(),
		ScheduledAt:  microsPtr(j.ScheduledAt),
		CronSchedule: j.CronSchedule,
		LastRunAt:    microsPtr(j.LastRunAt),
		Error:        j.Error,
		TimeoutNs:    j.Timeout.Nanoseconds(),
		HeartbeatAt:  microsPtr(j.HeartbeatAt),
	}
}

func fromJobModel(m *jobModel) (*job.Job, error) {
	jobID, err := id.ParseJobID(m.ID)
	if err != nil {
		return nil, err
	}
	return &job.Job{
		ID:           jobID,
		Name:         m.Name,
		Payload:      m.Payload,
		Status:       job.Status(m.Status),
		Attempts:     m.Attempts,
		MaxRetries:   m.MaxRetries,
		Priority:     m.Priority,
		CreatedAt:    time.UnixMicro(m.CreatedAt).UTC(),
		ScheduledAt:  timePtr(m.ScheduledAt),
		CronSchedule: m.CronSchedule,
		LastRunAt:    timePtr(m.LastRunAt),
		Error:        m.Error,
		Timeout:      time.Duration(m.TimeoutNs),
		HeartbeatAt:  timePtr(m.HeartbeatAt),
	}, nil
}
