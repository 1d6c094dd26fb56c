package task

import (
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/internal/domain/events"
)

// Event types relevant to Tasks:
const (
	EventTypeTaskStarted    events.EventType = "TaskStarted"
	EventTypeTaskProgressed events.EventType = "TaskProgressed"
	EventTypeTaskPaused     events.EventType = "TaskPaused"
	EventTypeTaskResumed    events.EventType = "TaskResumed"
	EventTypeTaskCompleted  events.EventType = "TaskCompleted"
	EventTypeTaskFailed     events.EventType = "TaskFailed"
	EventTypeTaskCancelled  events.EventType = "TaskCancelled"
)

// AllEventTypes returns every task event type, for subscribers that follow
// the full lifecycle.
func AllEventTypes() []events.EventType {
	return []events.EventType{
		EventTypeTaskStarted,
		EventTypeTaskProgressed,
		EventTypeTaskPaused,
		EventTypeTaskResumed,
		EventTypeTaskCompleted,
		EventTypeTaskFailed,
		EventTypeTaskCancelled,
	}
}

// ProgressSnapshot is the payload carried by every task event. It is the
// wire-visible subset of the aggregate, safe to hand to subscribers.
type ProgressSnapshot struct {
	TaskID      uuid.UUID      `json:"task_id"`
	Status      Status         `json:"status"`
	CurrentStep string         `json:"current_step,omitempty"`
	Progress    int            `json:"progress"`
	State       map[string]any `json:"state,omitempty"`
	Error       string         `json:"error,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Snapshot extracts the wire-visible progress view of the task.
func (t *Task) Snapshot() ProgressSnapshot {
	return ProgressSnapshot{
		TaskID:      t.id,
		Status:      t.status,
		CurrentStep: t.currentStep,
		Progress:    t.progress,
		State:       t.state,
		Error:       t.errMsg,
		UpdatedAt:   t.updatedAt,
	}
}

// NewTaskEvent wraps the task's current snapshot in a DomainEvent of the
// given type, keyed by task ID so fanout can group by task.
func NewTaskEvent(eventType events.EventType, t *Task) events.DomainEvent {
	return events.DomainEvent{
		Type:      eventType,
		Key:       t.id.String(),
		Timestamp: time.Now().UTC(),
		Payload:   t.Snapshot(),
	}
}

// EventTypeForStatus maps a task status to the event type announcing it.
func EventTypeForStatus(s Status) events.EventType {
	switch s {
	case StatusRunning:
		return EventTypeTaskStarted
	case StatusPaused:
		return EventTypeTaskPaused
	case StatusCompleted:
		return EventTypeTaskCompleted
	case StatusFailed:
		return EventTypeTaskFailed
	case StatusCancelled:
		return EventTypeTaskCancelled
	default:
		return EventTypeTaskProgressed
	}
}
