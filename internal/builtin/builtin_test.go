package builtin_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/xraph/jobqueue"
	"github.com/xraph/jobqueue/backend/memory"
	"github.com/xraph/jobqueue/backoff"
	"github.com/xraph/jobqueue/engine"
	"github.com/xraph/jobqueue/internal/builtin"
	"github.com/xraph/jobqueue/job"
	"github.com/xraph/jobqueue/worker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestShell(t *testing.T) {
	def := builtin.ShellDefinition(discardLogger())
	tests := []struct {
		name    string
		payload builtin.ShellPayload
		wantErr string
	}{
		{"success", builtin.ShellPayload{Command: "true"}, ""},
		{"exit code", builtin.ShellPayload{Command: "echo nope >&2; exit 3"}, "nope"},
		{"empty", builtin.ShellPayload{Command: "  "}, builtin.ErrEmptyCommand.Error()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := def.Handler(context.Background(), tt.payload)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Handler: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Handler = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := builtin.SleepDefinition().Handler(ctx, builtin.SleepPayload{Duration: jobqueue.Duration(time.Hour)})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Handler = %v, want DeadlineExceeded", err)
	}
}

func TestRegister_RunsThroughEngine(t *testing.T) {
	logger := discardLogger()
	eng, err := engine.New(memory.New(),
		engine.WithLogger(logger),
		engine.WithBackoff(backoff.NewConstant(0)),
		engine.WithPoolOptions(worker.WithConcurrency(2), worker.WithPollInterval(10*time.Millisecond)),
	)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	builtin.Register(eng, logger)

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		_ = eng.Stop(stopCtx)
	}()

	if _, err := engine.Enqueue(ctx, eng, builtin.Echo, builtin.EchoPayload{Message: "hi"}); err != nil {
		t.Fatalf("Enqueue echo: %v", err)
	}
	if _, err := engine.Enqueue(ctx, eng, builtin.Shell, builtin.ShellPayload{Command: "exit 1"},
		job.WithMaxRetries(0)); err != nil {
		t.Fatalf("Enqueue shell: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		s := eng.Stats()
		if s.TotalProcessed == 1 && s.DeadLetterCount == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("stats = %+v, want 1 processed and 1 dead-lettered", s)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
