// Package filter selects jobs with CEL expressions. It backs the
// operator's dead-letter listing, where an expression such as
//
//	attempts > 2 && name == "email" && last_error.contains("timeout")
//
// narrows the dead-letter pool without loading it into another tool.
//
// Variables: id, name, status, last_error, cron (strings); attempts,
// max_retries, priority (ints); created_at (timestamp); scheduled (bool);
// payload (the payload parsed as JSON, or null).
package filter

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/xraph/jobqueue/job"
)

// ErrNotBoolean is returned when an expression does not evaluate to bool.
var ErrNotBoolean = errors.New("jobqueue/filter: expression must evaluate to bool")

// Filter is a compiled expression. The zero Filter matches everything.
type Filter struct {
	expr string
	prog cel.Program
}

// Compile parses and type-checks expr. An empty expression matches every
// job.
func Compile(expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return &Filter{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("name", cel.StringType),
		cel.Variable("status", cel.StringType),
		cel.Variable("last_error", cel.StringType),
		cel.Variable("cron", cel.StringType),
		cel.Variable("attempts", cel.IntType),
		cel.Variable("max_retries", cel.IntType),
		cel.Variable("priority", cel.IntType),
		cel.Variable("created_at", cel.TimestampType),
		cel.Variable("scheduled", cel.BoolType),
		cel.Variable("payload", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("jobqueue/filter: env: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("jobqueue/filter: compile %q: %w", expr, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("%w: %q has type %s", ErrNotBoolean, expr, ast.OutputType())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("jobqueue/filter: program %q: %w", expr, err)
	}
	return &Filter{expr: expr, prog: prog}, nil
}

// String returns the source expression.
func (f *Filter) String() string { return f.expr }

// Match evaluates the filter against j.
func (f *Filter) Match(j *job.Job) (bool, error) {
	if f == nil || f.prog == nil {
		return true, nil
	}
	out, _, err := f.prog.Eval(activation(j))
	if err != nil {
		return false, fmt.Errorf("jobqueue/filter: eval %q on %s: %w", f.expr, j.ID, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, ErrNotBoolean
	}
	return b, nil
}

// Select returns the jobs that match, keeping their order.
func (f *Filter) Select(jobs []*job.Job) ([]*job.Job, error) {
	out := make([]*job.Job, 0, len(jobs))
	for _, j := range jobs {
		ok, err := f.Match(j)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, j)
		}
	}
	return out, nil
}

func activation(j *job.Job) map[string]any {
	var payload any
	if len(j.Payload) > 0 {
		// Non-JSON payloads are exposed as null.
		_ = json.Unmarshal(j.Payload, &payload)
	}
	return map[string]any{
		"id":          j.ID.String(),
		"name":        j.Name,
		"status":      string(j.Status),
		"last_error":  j.Error,
		"cron":        j.CronSchedule,
		"attempts":    int64(j.Attempts),
		"max_retries": int64(j.MaxRetries),
		"priority":    int64(j.Priority),
		"created_at":  j.CreatedAt,
		"scheduled":   j.ScheduledAt != nil,
		"payload":     payload,
	}
}
