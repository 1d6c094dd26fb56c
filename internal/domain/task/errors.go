package task

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Store-level sentinel errors. Adapters wrap their transport failures with
// these so callers can branch without knowing the backing technology.
var (
	// ErrTaskNotFound is returned when no record exists for a task ID.
	ErrTaskNotFound = errors.New("task not found")

	// ErrVersionConflict is returned by CompareAndSet when another writer
	// updated the record concurrently.
	ErrVersionConflict = errors.New("task version conflict")

	// ErrStoreUnavailable indicates the backing store could not be reached.
	// The caller decides retry and backoff.
	ErrStoreUnavailable = errors.New("task store unavailable")

	// ErrTaskTerminal is returned for operations on a task in a terminal
	// state. No executor may resume a terminal task.
	ErrTaskTerminal = errors.New("task is in a terminal state")

	// ErrWorkflowUnknown is returned when a task references a workflow name
	// with no registered definition.
	ErrWorkflowUnknown = errors.New("unknown workflow")
)

// InvalidStateError indicates an operation was attempted against a task in a
// status that does not permit it.
type InvalidStateError struct {
	taskID uuid.UUID
	status Status
	reason string
}

// NewInvalidStateError creates a new InvalidStateError.
func NewInvalidStateError(taskID uuid.UUID, status Status, reason string) *InvalidStateError {
	return &InvalidStateError{taskID: taskID, status: status, reason: reason}
}

// Error returns a string representation of the error.
func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("task %s in status %s: %s", e.taskID, e.status, e.reason)
}

// Status returns the status the task was in when the operation was rejected.
func (e *InvalidStateError) Status() Status { return e.status }
