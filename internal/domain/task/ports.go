package task

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ListFilter narrows the result of Store.List. The zero value matches all
// tasks.
type ListFilter struct {
	// Status limits results to tasks in the given status when non-empty.
	Status Status
}

// Store is the durable key/value contract every adapter implements. All
// executor mutations go through CompareAndSet so two executors racing to
// claim the same task cannot both believe they own it.
type Store interface {
	// Put unconditionally upserts the task record. Used on the create path
	// before any executor has claimed the task.
	Put(ctx context.Context, t *Task) error

	// Get retrieves a task record, returning ErrTaskNotFound when no record
	// exists.
	Get(ctx context.Context, id uuid.UUID) (*Task, error)

	// CompareAndSet persists the task only when the stored version equals
	// t.Version(). On success the stored version is t.Version()+1 and the
	// aggregate's version is advanced to match. Returns ErrVersionConflict
	// when another writer got there first.
	CompareAndSet(ctx context.Context, t *Task) error

	// List returns tasks matching the filter. The result is not required to
	// be strongly consistent.
	List(ctx context.Context, filter ListFilter) ([]*Task, error)

	// Delete removes a task record.
	Delete(ctx context.Context, id uuid.UUID) error

	// ExpireTerminal marks a terminal task for garbage collection after the
	// retention window. Adapters with native TTL support apply it directly;
	// others record a deadline swept out of band.
	ExpireTerminal(ctx context.Context, id uuid.UUID, retention time.Duration) error
}
