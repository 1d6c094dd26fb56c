package commands

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskmesh/taskmesh/internal/domain/task"
	"github.com/taskmesh/taskmesh/internal/domain/workflow"
	"github.com/taskmesh/taskmesh/pkg/common/logger"
)

// Controller is the slice of the executor the handler drives: signal
// delivery and claim initiation, never direct store writes for running
// tasks.
type Controller interface {
	Start(ctx context.Context, taskID uuid.UUID) error
	Resume(ctx context.Context, taskID uuid.UUID) (*task.Task, error)
	Pause(ctx context.Context, taskID uuid.UUID) error
	Cancel(ctx context.Context, taskID uuid.UUID) error
}

// TaskHandler processes task control commands.
type TaskHandler struct {
	logger     *logger.Logger
	tracer     trace.Tracer
	store      task.Store
	registry   workflow.Registry
	controller Controller
}

// NewTaskHandler creates a TaskHandler with its dependencies.
func NewTaskHandler(
	log *logger.Logger,
	tracer trace.Tracer,
	store task.Store,
	registry workflow.Registry,
	controller Controller,
) *TaskHandler {
	return &TaskHandler{
		logger:     log.With("component", "task_handler"),
		tracer:     tracer,
		store:      store,
		registry:   registry,
		controller: controller,
	}
}

// HandleCreate validates the command, persists the new PENDING task, and
// hands it to the executor. The returned task reflects the persisted PENDING
// snapshot; execution proceeds asynchronously.
func (h *TaskHandler) HandleCreate(ctx context.Context, cmd CreateTask) (*task.Task, error) {
	ctx, span := h.tracer.Start(ctx, "commands.TaskHandler.HandleCreate",
		trace.WithAttributes(attribute.String("workflow", cmd.WorkflowName)))
	defer span.End()

	if err := cmd.ValidateCommand(); err != nil {
		return nil, err
	}
	if _, err := h.registry.Resolve(cmd.WorkflowName); err != nil {
		return nil, fmt.Errorf("%w: %q", task.ErrWorkflowUnknown, cmd.WorkflowName)
	}

	t := task.New(cmd.WorkflowName, cmd.InitialState)
	if err := h.store.Put(ctx, t); err != nil {
		return nil, fmt.Errorf("persisting new task: %w", err)
	}

	if err := h.controller.Start(ctx, t.ID()); err != nil {
		// The task is durable; the supervisor adopts it if scheduling
		// failed transiently.
		h.logger.Warn(ctx, "task created but not scheduled", "task_id", t.ID(), "error", err)
	}

	h.logger.Info(ctx, "task created",
		"command_id", cmd.CommandID(),
		"task_id", t.ID(),
		"workflow", cmd.WorkflowName,
	)
	return t, nil
}

// HandlePause requests a pause at the next step boundary.
func (h *TaskHandler) HandlePause(ctx context.Context, cmd TaskRef) error {
	ctx, span := h.tracer.Start(ctx, "commands.TaskHandler.HandlePause",
		trace.WithAttributes(attribute.String("task_id", cmd.TaskID.String())))
	defer span.End()

	if err := cmd.ValidateCommand(); err != nil {
		return err
	}
	if err := h.controller.Pause(ctx, cmd.TaskID); err != nil {
		return err
	}
	h.logger.Info(ctx, "pause requested", "command_id", cmd.CommandID(), "task_id", cmd.TaskID)
	return nil
}

// HandleResume resumes a paused task, or re-claims a stale running one. The
// returned task carries the checkpoint execution restarts from.
func (h *TaskHandler) HandleResume(ctx context.Context, cmd TaskRef) (*task.Task, error) {
	ctx, span := h.tracer.Start(ctx, "commands.TaskHandler.HandleResume",
		trace.WithAttributes(attribute.String("task_id", cmd.TaskID.String())))
	defer span.End()

	if err := cmd.ValidateCommand(); err != nil {
		return nil, err
	}
	t, err := h.controller.Resume(ctx, cmd.TaskID)
	if err != nil {
		return nil, err
	}
	h.logger.Info(ctx, "resume requested", "command_id", cmd.CommandID(), "task_id", cmd.TaskID)
	return t, nil
}

// HandleCancel requests cancellation; an in-flight step finishes first.
func (h *TaskHandler) HandleCancel(ctx context.Context, cmd TaskRef) error {
	ctx, span := h.tracer.Start(ctx, "commands.TaskHandler.HandleCancel",
		trace.WithAttributes(attribute.String("task_id", cmd.TaskID.String())))
	defer span.End()

	if err := cmd.ValidateCommand(); err != nil {
		return err
	}
	if err := h.controller.Cancel(ctx, cmd.TaskID); err != nil {
		return err
	}
	h.logger.Info(ctx, "cancel requested", "command_id", cmd.CommandID(), "task_id", cmd.TaskID)
	return nil
}

// GetTask returns the task's current persisted state.
func (h *TaskHandler) GetTask(ctx context.Context, taskID uuid.UUID) (*task.Task, error) {
	return h.store.Get(ctx, taskID)
}

// ListTasks returns tasks matching the filter.
func (h *TaskHandler) ListTasks(ctx context.Context, filter task.ListFilter) ([]*task.Task, error) {
	return h.store.List(ctx, filter)
}
