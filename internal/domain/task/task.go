package task

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task is the unit of work: one instance of a multi-step workflow execution.
// The task ID is the routing key; all mutable execution state hangs off this
// aggregate and is persisted through the Store on every transition.
type Task struct {
	id           uuid.UUID
	workflowName string
	status       Status
	currentStep  string
	progress     int
	checkpoint   *Checkpoint
	state        map[string]any
	errMsg       string
	retryCount   int
	version      int64
	createdAt    time.Time
	updatedAt    time.Time
}

// New creates a Task in StatusPending for the named workflow with the given
// initial working state. The task ID is assigned exactly once here and never
// reused.
func New(workflowName string, initialState map[string]any) *Task {
	now := time.Now().UTC()
	if initialState == nil {
		initialState = make(map[string]any)
	}
	return &Task{
		id:           uuid.New(),
		workflowName: workflowName,
		status:       StatusPending,
		state:        initialState,
		createdAt:    now,
		updatedAt:    now,
	}
}

// Reconstruct creates a Task instance from persisted data. This should only
// be used by stores when reconstructing from storage.
func Reconstruct(
	id uuid.UUID,
	workflowName string,
	status Status,
	currentStep string,
	progress int,
	checkpoint *Checkpoint,
	state map[string]any,
	errMsg string,
	retryCount int,
	version int64,
	createdAt time.Time,
	updatedAt time.Time,
) *Task {
	if state == nil {
		state = make(map[string]any)
	}
	return &Task{
		id:           id,
		workflowName: workflowName,
		status:       status,
		currentStep:  currentStep,
		progress:     progress,
		checkpoint:   checkpoint,
		state:        state,
		errMsg:       errMsg,
		retryCount:   retryCount,
		version:      version,
		createdAt:    createdAt,
		updatedAt:    updatedAt,
	}
}

// ID returns the unique identifier for this task.
func (t *Task) ID() uuid.UUID { return t.id }

// WorkflowName identifies which step-sequence definition this task runs.
func (t *Task) WorkflowName() string { return t.workflowName }

// Status returns the current lifecycle status.
func (t *Task) Status() Status { return t.status }

// CurrentStep returns the step currently executing or last attempted.
func (t *Task) CurrentStep() string { return t.currentStep }

// Progress returns the completion percentage, monotonically non-decreasing
// while the task is running.
func (t *Task) Progress() int { return t.progress }

// Checkpoint returns the last persisted checkpoint, nil before any step has
// completed.
func (t *Task) Checkpoint() *Checkpoint { return t.checkpoint }

// State returns the workflow's mutable working data.
func (t *Task) State() map[string]any { return t.state }

// Error returns the last failure message, set only when the task failed.
func (t *Task) Error() string { return t.errMsg }

// RetryCount returns the per-step retry counter.
func (t *Task) RetryCount() int { return t.retryCount }

// Version returns the monotonic counter used for compare-and-set writes.
func (t *Task) Version() int64 { return t.version }

// CreatedAt returns the creation timestamp.
func (t *Task) CreatedAt() time.Time { return t.createdAt }

// UpdatedAt returns the timestamp of the last persisted mutation.
func (t *Task) UpdatedAt() time.Time { return t.updatedAt }

// IsRunning reports whether the task is actively executing.
func (t *Task) IsRunning() bool { return t.status == StatusRunning }

// IsStale reports whether a RUNNING task has not been updated within the
// given threshold. A stale RUNNING task is presumed orphaned by a dead owner
// and may be re-claimed.
func (t *Task) IsStale(threshold time.Duration, now time.Time) bool {
	return t.status == StatusRunning && now.Sub(t.updatedAt) > threshold
}

// UpdateStatus changes the task's status after validating the transition.
// It returns an error if the transition is not valid.
func (t *Task) UpdateStatus(newStatus Status) error {
	if err := t.status.validateTransition(newStatus); err != nil {
		return err
	}
	t.status = newStatus
	t.touch()
	return nil
}

// Start transitions a PENDING task to RUNNING. This is the claim performed by
// the executor that takes ownership of the task.
func (t *Task) Start() error {
	if t.status != StatusPending {
		return NewInvalidStateError(t.id, t.status, "start requires a pending task")
	}
	return t.UpdateStatus(StatusRunning)
}

// Resume transitions a PAUSED task back to RUNNING so a (possibly different)
// executor instance can re-enter the step loop after the checkpoint.
func (t *Task) Resume() error {
	if t.status != StatusPaused {
		return NewInvalidStateError(t.id, t.status, "resume requires a paused task")
	}
	return t.UpdateStatus(StatusRunning)
}

// ReclaimStale re-asserts ownership of a RUNNING task whose previous owner
// stopped reporting progress. The status stays RUNNING; the refreshed
// updated_at plus the version bump at persist time is what fences out the old
// owner.
func (t *Task) ReclaimStale() error {
	if t.status != StatusRunning {
		return NewInvalidStateError(t.id, t.status, "reclaim requires a running task")
	}
	t.retryCount = 0
	t.touch()
	return nil
}

// Pause transitions a RUNNING task to PAUSED. The caller must have persisted
// the current checkpoint before releasing ownership.
func (t *Task) Pause() error {
	if t.status != StatusRunning {
		return NewInvalidStateError(t.id, t.status, "pause requires a running task")
	}
	return t.UpdateStatus(StatusPaused)
}

// Complete transitions the task to COMPLETED and forces progress to 100.
func (t *Task) Complete() error {
	if err := t.UpdateStatus(StatusCompleted); err != nil {
		return err
	}
	t.progress = 100
	return nil
}

// Fail transitions the task to FAILED, preserving the failure detail.
func (t *Task) Fail(errMsg string) error {
	if err := t.UpdateStatus(StatusFailed); err != nil {
		return err
	}
	t.errMsg = errMsg
	return nil
}

// Cancel transitions the task to CANCELLED from any non-terminal state.
func (t *Task) Cancel() error {
	return t.UpdateStatus(StatusCancelled)
}

// MarkStepAttempt records that the named step is about to execute. It does
// not advance the checkpoint; a crash between here and ApplyStepResult resumes
// at this same step.
func (t *Task) MarkStepAttempt(step string) error {
	if t.status != StatusRunning {
		return NewInvalidStateError(t.id, t.status, "step attempt requires a running task")
	}
	t.currentStep = step
	t.touch()
	return nil
}

// ApplyStepResult merges a completed step's output into the working state,
// advances the checkpoint to the step's identifier, and recomputes progress.
// The checkpoint only ever moves forward: it is advanced here, after the step
// completed, never before.
func (t *Task) ApplyStepResult(step string, output map[string]any, completedSteps, totalSteps int) error {
	if t.status != StatusRunning {
		return NewInvalidStateError(t.id, t.status, "step result requires a running task")
	}

	for k, v := range output {
		t.state[k] = v
	}

	snapshot, err := json.Marshal(t.state)
	if err != nil {
		return fmt.Errorf("snapshotting state for checkpoint: %w", err)
	}

	t.currentStep = step
	t.checkpoint = NewCheckpoint(t.id, step, snapshot)
	t.retryCount = 0

	if totalSteps > 0 {
		if pct := completedSteps * 100 / totalSteps; pct > t.progress {
			t.progress = pct
		}
	}

	t.touch()
	return nil
}

// IncrementRetry bumps the per-step retry counter and returns the new value.
func (t *Task) IncrementRetry() int {
	t.retryCount++
	t.touch()
	return t.retryCount
}

// AdvanceVersion increments the optimistic-concurrency version. Only stores
// call this, after a successful compare-and-set, so the in-memory aggregate
// matches what was persisted.
func (t *Task) AdvanceVersion() { t.version++ }

// Heartbeat refreshes updated_at without any other mutation so the owning
// node can signal liveness mid-step.
func (t *Task) Heartbeat() { t.touch() }

func (t *Task) touch() { t.updatedAt = time.Now().UTC() }
