// Package memory provides a thread-safe in-memory implementation of the task
// store for testing and development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/internal/domain/task"
	"github.com/taskmesh/taskmesh/internal/infra/storage"
)

// Ensure Store implements task.Store at compile time.
var _ task.Store = (*Store)(nil)

// Store keeps task records in a map guarded by a single mutex. Records are
// stored in their encoded form so reads always return an isolated copy, the
// same way a remote store would.
type Store struct {
	mu      sync.Mutex
	records map[uuid.UUID]storage.TaskRecord
	expiry  map[uuid.UUID]time.Time
}

// NewStore creates an empty in-memory task store.
func NewStore() *Store {
	return &Store{
		records: make(map[uuid.UUID]storage.TaskRecord),
		expiry:  make(map[uuid.UUID]time.Time),
	}
}

// Put unconditionally upserts the task record at its current version.
func (s *Store) Put(ctx context.Context, t *task.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[t.ID()] = recordCopy(storage.RecordFromTask(t, t.Version()))
	return nil
}

// Get retrieves a task, returning task.ErrTaskNotFound when absent or
// expired.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked(time.Now())

	rec, ok := s.records[id]
	if !ok {
		return nil, task.ErrTaskNotFound
	}
	return recordCopy(rec).ToTask()
}

// CompareAndSet persists the task only when the stored version matches the
// aggregate's. Exactly one of two concurrent claimants observes success.
func (s *Store) CompareAndSet(ctx context.Context, t *task.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.records[t.ID()]
	if !ok {
		return task.ErrTaskNotFound
	}
	if stored.Version != t.Version() {
		return task.ErrVersionConflict
	}

	s.records[t.ID()] = recordCopy(storage.RecordFromTask(t, t.Version()+1))
	t.AdvanceVersion()
	return nil
}

// List returns tasks matching the filter.
func (s *Store) List(ctx context.Context, filter task.ListFilter) ([]*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked(time.Now())

	tasks := make([]*task.Task, 0, len(s.records))
	for _, rec := range s.records {
		if filter.Status != "" && rec.Status != filter.Status.String() {
			continue
		}
		t, err := recordCopy(rec).ToTask()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// Delete removes a task record.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, id)
	delete(s.expiry, id)
	return nil
}

// ExpireTerminal records a garbage-collection deadline for a terminal task.
func (s *Store) ExpireTerminal(ctx context.Context, id uuid.UUID, retention time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return task.ErrTaskNotFound
	}
	s.expiry[id] = time.Now().Add(retention)
	return nil
}

func (s *Store) sweepLocked(now time.Time) {
	for id, deadline := range s.expiry {
		if now.After(deadline) {
			delete(s.records, id)
			delete(s.expiry, id)
		}
	}
}

// recordCopy deep-copies the mutable parts of a record so callers cannot
// mutate stored state through the returned aggregate.
func recordCopy(rec storage.TaskRecord) storage.TaskRecord {
	if rec.State != nil {
		rec.State = deepCopyMap(rec.State)
	}
	return rec
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			out[k] = deepCopyMap(val)
		case []any:
			items := make([]any, len(val))
			for i, item := range val {
				if mapItem, ok := item.(map[string]any); ok {
					items[i] = deepCopyMap(mapItem)
				} else {
					items[i] = item
				}
			}
			out[k] = items
		default:
			out[k] = val
		}
	}
	return out
}
