// Package storage provides shared plumbing for the task store adapters:
// the serialized record layout and the tracing wrapper every adapter uses.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskmesh/taskmesh/internal/domain/task"
)

// ExecuteAndTrace is a helper function that wraps store operations with
// OpenTelemetry tracing. It creates a new span with the given name and
// attributes, executes the provided operation, and handles error recording
// and span cleanup.
func ExecuteAndTrace(
	ctx context.Context,
	tracer trace.Tracer,
	spanName string,
	attributes []attribute.KeyValue,
	operation func(ctx context.Context) error,
) error {
	ctx, span := tracer.Start(
		ctx,
		spanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attributes...),
	)
	defer span.End()

	err := operation(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// TaskRecord is the persisted state layout shared by the key/value adapters.
// The version field is internal to the store contract and never exposed to
// API clients.
type TaskRecord struct {
	TaskID       string           `json:"task_id"`
	WorkflowName string           `json:"workflow_name"`
	Status       string           `json:"status"`
	CurrentStep  string           `json:"current_step,omitempty"`
	Progress     int              `json:"progress"`
	Checkpoint   *task.Checkpoint `json:"checkpoint,omitempty"`
	State        map[string]any   `json:"state,omitempty"`
	Error        string           `json:"error,omitempty"`
	RetryCount   int              `json:"retry_count"`
	Version      int64            `json:"version"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// RecordFromTask converts the domain aggregate to its persisted layout with
// the given version.
func RecordFromTask(t *task.Task, version int64) TaskRecord {
	return TaskRecord{
		TaskID:       t.ID().String(),
		WorkflowName: t.WorkflowName(),
		Status:       t.Status().String(),
		CurrentStep:  t.CurrentStep(),
		Progress:     t.Progress(),
		Checkpoint:   t.Checkpoint(),
		State:        t.State(),
		Error:        t.Error(),
		RetryCount:   t.RetryCount(),
		Version:      version,
		CreatedAt:    t.CreatedAt(),
		UpdatedAt:    t.UpdatedAt(),
	}
}

// ToTask reconstructs the domain aggregate from a persisted record.
func (r TaskRecord) ToTask() (*task.Task, error) {
	id, err := uuid.Parse(r.TaskID)
	if err != nil {
		return nil, fmt.Errorf("invalid task ID %q: %w", r.TaskID, err)
	}

	status, err := task.ParseStatus(r.Status)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", r.TaskID, err)
	}

	return task.Reconstruct(
		id,
		r.WorkflowName,
		status,
		r.CurrentStep,
		r.Progress,
		r.Checkpoint,
		r.State,
		r.Error,
		r.RetryCount,
		r.Version,
		r.CreatedAt,
		r.UpdatedAt,
	), nil
}

// Encode serializes the record for key/value storage.
func (r TaskRecord) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding task record: %w", err)
	}
	return data, nil
}

// DecodeTaskRecord deserializes a record previously produced by Encode.
func DecodeTaskRecord(data []byte) (TaskRecord, error) {
	var r TaskRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return TaskRecord{}, fmt.Errorf("decoding task record: %w", err)
	}
	return r, nil
}
