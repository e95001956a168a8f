package pebble

import (
	"bytes"
	"testing"
	"time"

	"github.com/xraph/jobqueue/job"
)

func TestReadyKeyOrder(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mk := func(priority int, offset time.Duration) *job.Job {
		j, err := job.New("k", nil, job.WithPriority(priority))
		if err != nil {
			t.Fatalf("job.New: %v", err)
		}
		j.CreatedAt = base.Add(offset)
		return j
	}

	tests := []struct {
		name        string
		first, then *job.Job
	}{
		{"higher priority first", mk(5, time.Second), mk(1, 0)},
		{"negative below zero", mk(0, time.Second), mk(-3, 0)},
		{"older first on tie", mk(2, 0), mk(2, time.Second)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if bytes.Compare(readyKey(tt.first), readyKey(tt.then)) >= 0 {
				t.Errorf("readyKey order reversed")
			}
		})
	}
}

func TestUpperBound(t *testing.T) {
	if got := upperBound([]byte("ready/")); string(got) != "ready0" {
		t.Errorf("upperBound = %q, want %q", got, "ready0")
	}
	if got := upperBound([]byte{0xff, 0xff}); got != nil {
		t.Errorf("upperBound(all 0xff) = %v, want nil", got)
	}
}
