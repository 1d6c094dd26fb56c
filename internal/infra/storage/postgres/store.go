// Package postgres implements the task store on PostgreSQL. The version
// column backs compare-and-set: every executor write is an UPDATE guarded by
// the expected version, so racing claimants serialize on the row.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskmesh/taskmesh/internal/domain/task"
	"github.com/taskmesh/taskmesh/internal/infra/storage"
)

// Ensure Store implements task.Store at compile time.
var _ task.Store = (*Store)(nil)

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// Store persists task records in a tasks table.
type Store struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewStore creates a task store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool, tracer trace.Tracer) *Store {
	return &Store{pool: pool, tracer: tracer}
}

// Put unconditionally upserts the task record at its current version.
func (s *Store) Put(ctx context.Context, t *task.Task) error {
	attrs := append(defaultDBAttributes, attribute.String("task_id", t.ID().String()))

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.put_task", attrs, func(ctx context.Context) error {
		checkpoint, state, err := encodeJSONColumns(t)
		if err != nil {
			return err
		}

		_, err = s.pool.Exec(ctx, `
			INSERT INTO tasks (task_id, workflow_name, status, current_step, progress,
				checkpoint, state, error, retry_count, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (task_id) DO UPDATE SET
				workflow_name = EXCLUDED.workflow_name,
				status = EXCLUDED.status,
				current_step = EXCLUDED.current_step,
				progress = EXCLUDED.progress,
				checkpoint = EXCLUDED.checkpoint,
				state = EXCLUDED.state,
				error = EXCLUDED.error,
				retry_count = EXCLUDED.retry_count,
				version = EXCLUDED.version,
				updated_at = EXCLUDED.updated_at`,
			t.ID(), t.WorkflowName(), t.Status().String(), t.CurrentStep(), t.Progress(),
			checkpoint, state, t.Error(), t.RetryCount(), t.Version(), t.CreatedAt(), t.UpdatedAt(),
		)
		if err != nil {
			return wrapUnavailable("insert task", err)
		}
		return nil
	})
}

// Get retrieves a task, returning task.ErrTaskNotFound when no live record
// exists.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	attrs := append(defaultDBAttributes, attribute.String("task_id", id.String()))

	var t *task.Task
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_task", attrs, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT task_id, workflow_name, status, current_step, progress,
				checkpoint, state, error, retry_count, version, created_at, updated_at
			FROM tasks
			WHERE task_id = $1 AND (expires_at IS NULL OR expires_at > now())`,
			id,
		)

		var err error
		t, err = scanTask(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// CompareAndSet persists the task only when the stored version matches the
// aggregate's.
func (s *Store) CompareAndSet(ctx context.Context, t *task.Task) error {
	attrs := append(defaultDBAttributes,
		attribute.String("task_id", t.ID().String()),
		attribute.Int64("expected_version", t.Version()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.cas_task", attrs, func(ctx context.Context) error {
		checkpoint, state, err := encodeJSONColumns(t)
		if err != nil {
			return err
		}

		tag, err := s.pool.Exec(ctx, `
			UPDATE tasks SET
				status = $3,
				current_step = $4,
				progress = $5,
				checkpoint = $6,
				state = $7,
				error = $8,
				retry_count = $9,
				version = version + 1,
				updated_at = $10
			WHERE task_id = $1 AND version = $2`,
			t.ID(), t.Version(), t.Status().String(), t.CurrentStep(), t.Progress(),
			checkpoint, state, t.Error(), t.RetryCount(), t.UpdatedAt(),
		)
		if err != nil {
			return wrapUnavailable("cas update", err)
		}

		if tag.RowsAffected() == 0 {
			// Distinguish a lost race from a missing row.
			var exists bool
			if err := s.pool.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM tasks WHERE task_id = $1)`, t.ID(),
			).Scan(&exists); err != nil {
				return wrapUnavailable("cas existence check", err)
			}
			if !exists {
				return task.ErrTaskNotFound
			}
			return task.ErrVersionConflict
		}

		t.AdvanceVersion()
		return nil
	})
}

// List returns live tasks matching the filter, newest first.
func (s *Store) List(ctx context.Context, filter task.ListFilter) ([]*task.Task, error) {
	attrs := append(defaultDBAttributes, attribute.String("status_filter", filter.Status.String()))

	var tasks []*task.Task
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_tasks", attrs, func(ctx context.Context) error {
		query := `
			SELECT task_id, workflow_name, status, current_step, progress,
				checkpoint, state, error, retry_count, version, created_at, updated_at
			FROM tasks
			WHERE (expires_at IS NULL OR expires_at > now())`
		args := []any{}
		if filter.Status != "" {
			query += ` AND status = $1`
			args = append(args, filter.Status.String())
		}
		query += ` ORDER BY created_at DESC`

		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return wrapUnavailable("list tasks", err)
		}
		defer rows.Close()

		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return err
			}
			tasks = append(tasks, t)
		}
		if err := rows.Err(); err != nil {
			return wrapUnavailable("list tasks", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// Delete removes a task record.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	attrs := append(defaultDBAttributes, attribute.String("task_id", id.String()))

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.delete_task", attrs, func(ctx context.Context) error {
		if _, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE task_id = $1`, id); err != nil {
			return wrapUnavailable("delete task", err)
		}
		return nil
	})
}

// ExpireTerminal stamps the retention deadline on a terminal task. Expired
// rows are filtered from reads immediately and removed by SweepExpired.
func (s *Store) ExpireTerminal(ctx context.Context, id uuid.UUID, retention time.Duration) error {
	attrs := append(defaultDBAttributes,
		attribute.String("task_id", id.String()),
		attribute.String("retention", retention.String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.expire_task", attrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx,
			`UPDATE tasks SET expires_at = now() + $2 WHERE task_id = $1`,
			id, retention,
		)
		if err != nil {
			return wrapUnavailable("expire task", err)
		}
		if tag.RowsAffected() == 0 {
			return task.ErrTaskNotFound
		}
		return nil
	})
}

// SweepExpired hard-deletes rows past their retention deadline. Intended to
// run on a background ticker.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	var deleted int64
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.sweep_expired", defaultDBAttributes, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE expires_at IS NOT NULL AND expires_at <= now()`)
		if err != nil {
			return wrapUnavailable("sweep expired", err)
		}
		deleted = tag.RowsAffected()
		return nil
	})
	return deleted, err
}

func encodeJSONColumns(t *task.Task) ([]byte, []byte, error) {
	var checkpoint []byte
	if t.Checkpoint() != nil {
		var err error
		checkpoint, err = json.Marshal(t.Checkpoint())
		if err != nil {
			return nil, nil, fmt.Errorf("encoding checkpoint: %w", err)
		}
	}

	state, err := json.Marshal(t.State())
	if err != nil {
		return nil, nil, fmt.Errorf("encoding state: %w", err)
	}
	return checkpoint, state, nil
}

func scanTask(row pgx.Row) (*task.Task, error) {
	var (
		id           uuid.UUID
		workflowName string
		status       string
		currentStep  string
		progress     int
		checkpointB  []byte
		stateB       []byte
		errMsg       string
		retryCount   int
		version      int64
		createdAt    time.Time
		updatedAt    time.Time
	)

	err := row.Scan(&id, &workflowName, &status, &currentStep, &progress,
		&checkpointB, &stateB, &errMsg, &retryCount, &version, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, task.ErrTaskNotFound
		}
		return nil, wrapUnavailable("scan task", err)
	}

	var checkpoint *task.Checkpoint
	if len(checkpointB) > 0 {
		var cp task.Checkpoint
		if err := json.Unmarshal(checkpointB, &cp); err != nil {
			return nil, fmt.Errorf("decoding checkpoint: %w", err)
		}
		checkpoint = &cp
	}

	state := make(map[string]any)
	if len(stateB) > 0 {
		if err := json.Unmarshal(stateB, &state); err != nil {
			return nil, fmt.Errorf("decoding state: %w", err)
		}
	}

	st, err := task.ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", id, err)
	}

	return task.Reconstruct(
		id, workflowName, st, currentStep, progress,
		checkpoint, state, errMsg, retryCount, version, createdAt, updatedAt,
	), nil
}

func wrapUnavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", task.ErrStoreUnavailable, op, err)
}
