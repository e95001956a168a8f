package jobqueue

import (
	"errors"
	"fmt"

	"github.com/xraph/jobqueue/id"
)

var (
	// Backend errors.
	ErrNoBackend          = errors.New("jobqueue: no backend configured")
	ErrBackendUnavailable = errors.New("jobqueue: backend unavailable")
	ErrBackendClosed      = fmt.Errorf("%w: closed", ErrBackendUnavailable)
	ErrMigrationFailed    = errors.New("jobqueue: migration failed")

	// Not found errors. Both match ErrNotFound through errors.Is.
	ErrNotFound           = errors.New("jobqueue: not found")
	ErrJobNotFound        = fmt.Errorf("%w: job", ErrNotFound)
	ErrDeadLetterNotFound = fmt.Errorf("%w: dead-letter entry", ErrNotFound)

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("jobqueue: job already exists")

	// State errors.
	ErrInvalidState = errors.New("jobqueue: invalid state transition")

	// Payload and record encoding.
	ErrSerialization = errors.New("jobqueue: serialization failed")

	// Execution errors.
	ErrNoHandler = errors.New("jobqueue: no handler registered")
)

// ExecutionError is the failure reported by a job handler. It carries enough
// context to be logged and stored as the job's last error without the caller
// having to know about the job record.
type ExecutionError struct {
	JobID   id.JobID
	JobName string
	Attempt int
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("jobqueue: job %s (%s) attempt %d: %v", e.JobName, e.JobID, e.Attempt, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Reason returns the handler's message without the job context prefix. This
// is what gets persisted in the record's error field.
func (e *ExecutionError) Reason() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}
