package redis

import (
	"fmt"
	"strings"
	"time"

	"github.com/xraph/jobqueue/job"
)

// DefaultPrefix namespaces every key written by the backend.
const DefaultPrefix = "jobqueue:"

type keys struct {
	prefix string
}

// record returns the key of a record hash: {prefix}job:{id}
func (k keys) record(id string) string { return k.prefix + "job:" + id }

// ready is the sorted set of eligible records.
func (k keys) ready() string { return k.prefix + "ready" }

// delayed is the sorted set of records waiting for their ScheduledAt.
func (k keys) delayed() string { return k.prefix + "delayed" }

// priority maps delayed members to their ready score.
func (k keys) priority() string { return k.prefix + "priority" }

// running is the sorted set of claimed ids scored by last heartbeat.
func (k keys) running() string { return k.prefix + "running" }

// dead is the list of dead-lettered ids in dead-letter order.
func (k keys) dead() string { return k.prefix + "dead" }

// script returns the KEYS layout shared by every script. An empty id
// yields the record key prefix in place of a record key.
func (k keys) script(id string) []string {
	return []string{k.record(id), k.ready(), k.delayed(), k.priority(), k.running(), k.dead()}
}

// member is the sorted-set member for j. Members sharing a score sort
// lexicographically, which orders them by creation time and then id.
func member(j *job.Job) string {
	return fmt.Sprintf("%020d:%s", j.CreatedAt.UnixMicro(), j.ID.String())
}

// memberID extracts the record id from a member.
func memberID(m string) string {
	_, after, _ := strings.Cut(m, ":")
	return after
}

func micros(t time.Time) int64 { return t.UnixMicro() }
