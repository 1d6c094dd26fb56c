package task

import (
	"errors"
	"fmt"
)

// Status represents the execution state of a task. It enables fine-grained
// tracking of task progress and error conditions.
type Status string

// ErrStatusUnknown is returned when a status string is unknown.
var ErrStatusUnknown = errors.New("task status unknown")

const (
	// StatusPending indicates a task is created but not yet claimed.
	StatusPending Status = "PENDING"

	// StatusRunning indicates an executor is actively driving the task.
	StatusRunning Status = "RUNNING"

	// StatusPaused indicates the task was halted at a step boundary and
	// holds a checkpoint to resume from.
	StatusPaused Status = "PAUSED"

	// StatusCompleted indicates the task finished every step successfully.
	StatusCompleted Status = "COMPLETED"

	// StatusFailed indicates a step exhausted its retries.
	StatusFailed Status = "FAILED"

	// StatusCancelled indicates the task was cancelled before finishing.
	StatusCancelled Status = "CANCELLED"

	// StatusUnspecified is used when a status is unknown.
	StatusUnspecified Status = "UNSPECIFIED"
)

// String returns the string representation of the Status.
func (s Status) String() string { return string(s) }

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ParseStatus converts a string to a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "PENDING":
		return StatusPending, nil
	case "RUNNING":
		return StatusRunning, nil
	case "PAUSED":
		return StatusPaused, nil
	case "COMPLETED":
		return StatusCompleted, nil
	case "FAILED":
		return StatusFailed, nil
	case "CANCELLED":
		return StatusCancelled, nil
	default:
		return StatusUnspecified, fmt.Errorf("%w: %q", ErrStatusUnknown, s)
	}
}

// validateTransition checks if a status transition is valid and returns an
// error if not.
func (s Status) validateTransition(target Status) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid task status transition from %s to %s", s, target)
	}
	return nil
}

// isValidTransition enforces the task lifecycle rules. Terminal statuses
// admit no transitions at all; re-running is modeled as RUNNING->RUNNING for
// stale-owner takeover, which is a claim change, not a lifecycle change.
func (s Status) isValidTransition(target Status) bool {
	switch s {
	case StatusPending:
		return target == StatusRunning || target == StatusCancelled || target == StatusFailed
	case StatusRunning:
		return target == StatusPaused || target == StatusCompleted ||
			target == StatusFailed || target == StatusCancelled
	case StatusPaused:
		return target == StatusRunning || target == StatusCancelled || target == StatusFailed
	default:
		return false
	}
}
