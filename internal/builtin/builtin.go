// Package builtin provides the jobs the jobqueue CLI worker can run
// without any user code: echo, sleep and shell.
package builtin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/xraph/jobqueue"
	"github.com/xraph/jobqueue/engine"
	"github.com/xraph/jobqueue/job"
)

// Job names.
const (
	Echo  = "echo"
	Sleep = "sleep"
	Shell = "shell"
)

// EchoPayload is logged as is.
type EchoPayload struct {
	Message string `json:"message"`
}

// SleepPayload blocks for Duration, or until the job is cancelled.
type SleepPayload struct {
	Duration jobqueue.Duration `json:"duration"`
}

// ShellPayload runs Command through "sh -c".
type ShellPayload struct {
	Command string `json:"command"`
	Dir     string `json:"dir,omitempty"`
}

// ErrEmptyCommand is returned by the shell job for a blank command.
var ErrEmptyCommand = errors.New("jobqueue/builtin: empty shell command")

// maxOutput caps how much combined output a failed shell job reports.
const maxOutput = 512

// Register adds every built-in definition to eng.
func Register(eng *engine.Engine, logger *slog.Logger) {
	engine.Register(eng, EchoDefinition(logger))
	engine.Register(eng, SleepDefinition())
	engine.Register(eng, ShellDefinition(logger))
}

// EchoDefinition logs the payload message.
func EchoDefinition(logger *slog.Logger) *job.Definition[EchoPayload] {
	return job.NewDefinition(Echo, func(_ context.Context, p EchoPayload) error {
		logger.Info("echo", slog.String("message", p.Message))
		return nil
	}, job.WithMaxRetries(0))
}

// SleepDefinition waits for the payload duration.
func SleepDefinition() *job.Definition[SleepPayload] {
	return job.NewDefinition(Sleep, func(ctx context.Context, p SleepPayload) error {
		t := time.NewTimer(p.Duration.Std())
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// ShellDefinition runs a shell command. A non-zero exit fails the job with
// the tail of its output.
func ShellDefinition(logger *slog.Logger) *job.Definition[ShellPayload] {
	return job.NewDefinition(Shell, func(ctx context.Context, p ShellPayload) error {
		if strings.TrimSpace(p.Command) == "" {
			return ErrEmptyCommand
		}
		cmd := exec.CommandContext(ctx, "sh", "-c", p.Command)
		cmd.Dir = p.Dir
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out

		start := time.Now()
		err := cmd.Run()
		logger.Debug("shell job finished",
			slog.String("command", p.Command),
			slog.Duration("elapsed", time.Since(start)),
			slog.Int("output_bytes", out.Len()),
		)
		if err != nil {
			return fmt.Errorf("shell %q: %w: %s", p.Command, err, tail(out.String()))
		}
		return nil
	})
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxOutput {
		s = "..." + s[len(s)-maxOutput:]
	}
	return s
}
