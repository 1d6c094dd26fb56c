package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Checkpoint records the durable resume point of a task: the last step that
// completed and the full working state as of that completion. Execution
// resumes at the step after the one recorded here.
type Checkpoint struct {
	taskID    uuid.UUID
	step      string
	timestamp time.Time
	state     json.RawMessage
}

// NewCheckpoint creates a Checkpoint for a just-completed step with a
// snapshot of the task's working state.
func NewCheckpoint(taskID uuid.UUID, step string, state json.RawMessage) *Checkpoint {
	return &Checkpoint{
		taskID:    taskID,
		step:      step,
		timestamp: time.Now().UTC(),
		state:     state,
	}
}

// ReconstructCheckpoint creates a Checkpoint from persisted data. This should
// only be used by repositories when reconstructing from storage.
func ReconstructCheckpoint(taskID uuid.UUID, step string, timestamp time.Time, state json.RawMessage) *Checkpoint {
	return &Checkpoint{
		taskID:    taskID,
		step:      step,
		timestamp: timestamp,
		state:     state,
	}
}

// TaskID returns the task this checkpoint belongs to.
func (c *Checkpoint) TaskID() uuid.UUID { return c.taskID }

// Step returns the identifier of the last completed step.
func (c *Checkpoint) Step() string { return c.step }

// Timestamp returns when the checkpoint was taken.
func (c *Checkpoint) Timestamp() time.Time { return c.timestamp }

// State returns the serialized working state as of the checkpoint.
func (c *Checkpoint) State() json.RawMessage { return c.state }

// checkpointDTO is the serialization shape for persistence.
type checkpointDTO struct {
	TaskID    uuid.UUID       `json:"task_id"`
	Step      string          `json:"step"`
	Timestamp time.Time       `json:"timestamp"`
	State     json.RawMessage `json:"state,omitempty"`
}

// MarshalJSON serializes the checkpoint for storage.
func (c *Checkpoint) MarshalJSON() ([]byte, error) {
	return json.Marshal(checkpointDTO{
		TaskID:    c.taskID,
		Step:      c.step,
		Timestamp: c.timestamp,
		State:     c.state,
	})
}

// UnmarshalJSON restores a checkpoint from its storage form.
func (c *Checkpoint) UnmarshalJSON(data []byte) error {
	var dto checkpointDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return err
	}
	c.taskID = dto.TaskID
	c.step = dto.Step
	c.timestamp = dto.Timestamp
	c.state = dto.State
	return nil
}
