package pebble

import (
	"encoding/binary"

	"github.com/xraph/jobqueue/job"
)

var (
	prefixJob     = []byte("job/")
	prefixReady   = []byte("ready/")
	prefixDead    = []byte("dlq/")
	prefixDeadIdx = []byte("dlqidx/")
	keyDeadSeq    = []byte("meta/dead_seq")
)

// jobKey: job/{id}
func jobKey(jobID string) []byte {
	return append(append([]byte{}, prefixJob...), jobID...)
}

// readyKey: ready/{^priority}{created}{id}. Both integers are written
// big-endian with the sign bit flipped so byte order matches numeric order;
// the priority is inverted so higher priorities sort first.
func readyKey(j *job.Job) []byte {
	k := make([]byte, 0, len(prefixReady)+16+len(j.ID.String()))
	k = append(k, prefixReady...)
	k = binary.BigEndian.AppendUint64(k, ^orderable(int64(j.Priority)))
	k = binary.BigEndian.AppendUint64(k, orderable(j.CreatedAt.UnixMicro()))
	return append(k, j.ID.String()...)
}

// deadKey: dlq/{seq}
func deadKey(seq uint64) []byte {
	k := append([]byte{}, prefixDead...)
	return binary.BigEndian.AppendUint64(k, seq)
}

// deadIdxKey: dlqidx/{id} holding the record's dead-letter sequence.
func deadIdxKey(jobID string) []byte {
	return append(append([]byte{}, prefixDeadIdx...), jobID...)
}

func orderable(v int64) uint64 {
	return uint64(v) ^ (1 << 63)
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
