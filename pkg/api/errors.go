package api

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidTransition is matched by every *InvalidTransitionError.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrEntityNotFound is returned when a workflow or evaluation id is unknown.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrConcurrencyConflict is returned when a compare-and-swap lost to
	// another writer. Callers may reload and retry.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrLeaseLost is returned when a worker settles a task it no longer owns.
	ErrLeaseLost = fmt.Errorf("%w: task lease lost", ErrConcurrencyConflict)

	// ErrTaskNotFound is returned when a task id is unknown.
	ErrTaskNotFound = errors.New("task not found")

	// ErrUnknownTask is returned when no handler is registered for a task name.
	ErrUnknownTask = errors.New("unknown task")

	// ErrRetriesExhausted is matched by every *RetriesExhaustedError.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrInvalidArgument is returned for malformed caller input.
	ErrInvalidArgument = errors.New("invalid argument")
)

// InvalidTransitionError reports a transition that is not in the table.
// The entity state is unchanged.
type InvalidTransitionError struct {
	Kind     EntityKind
	EntityID string
	From     string
	To       string
	Allowed  []string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition for %s: %s -> %s (allowed: %s)",
		e.Kind, e.EntityID, e.From, e.To, strings.Join(e.Allowed, ", "))
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// TaskExecutionError wraps a handler failure with the attempt it happened on.
type TaskExecutionError struct {
	TaskID   string
	TaskName string
	Attempt  int
	Err      error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("task %s (%s) attempt %d: %v", e.TaskName, e.TaskID, e.Attempt, e.Err)
}

func (e *TaskExecutionError) Unwrap() error { return e.Err }

// RetriesExhaustedError is reported once a task is permanently failed.
type RetriesExhaustedError struct {
	TaskID    string
	TaskName  string
	Attempts  int
	LastError string
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("task %s (%s) failed after %d attempts: %s", e.TaskName, e.TaskID, e.Attempts, e.LastError)
}

func (e *RetriesExhaustedError) Unwrap() error { return ErrRetriesExhausted }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The queue fails such tasks
// immediately regardless of their remaining retries.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
