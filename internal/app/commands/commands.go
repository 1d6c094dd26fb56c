// Package commands is the application service for task control. It sits
// between the HTTP surface and the executor, owning validation, tracing,
// and the persistence of new tasks.
package commands

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CreateTask requests a new task for a named workflow.
type CreateTask struct {
	id uuid.UUID

	// WorkflowName selects the registered workflow to execute.
	WorkflowName string

	// InitialState seeds the task's working state. May be nil.
	InitialState map[string]any
}

// NewCreateTask builds a CreateTask command with a fresh command ID.
func NewCreateTask(workflowName string, initialState map[string]any) CreateTask {
	return CreateTask{
		id:           uuid.New(),
		WorkflowName: workflowName,
		InitialState: initialState,
	}
}

// CommandID returns the unique identifier of this command instance.
func (c CreateTask) CommandID() string { return c.id.String() }

// ValidateCommand checks the command's intrinsic validity.
func (c CreateTask) ValidateCommand() error {
	if c.WorkflowName == "" {
		return errors.New("workflow name is required")
	}
	return nil
}

// TaskRef addresses an existing task for pause, resume, and cancel.
type TaskRef struct {
	id     uuid.UUID
	TaskID uuid.UUID
}

// NewTaskRef builds a TaskRef command for the given task.
func NewTaskRef(taskID uuid.UUID) TaskRef {
	return TaskRef{id: uuid.New(), TaskID: taskID}
}

// CommandID returns the unique identifier of this command instance.
func (c TaskRef) CommandID() string { return c.id.String() }

// ValidateCommand checks the command's intrinsic validity.
func (c TaskRef) ValidateCommand() error {
	if c.TaskID == uuid.Nil {
		return fmt.Errorf("task id is required")
	}
	return nil
}
