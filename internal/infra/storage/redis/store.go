// Package redis implements the task store on Redis. Records are JSON values
// keyed by task ID; compare-and-set runs server-side as a Lua script so the
// version check and the write are atomic.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskmesh/taskmesh/internal/domain/task"
	"github.com/taskmesh/taskmesh/internal/infra/storage"
)

// Ensure Store implements task.Store at compile time.
var _ task.Store = (*Store)(nil)

const keyPrefix = "taskmesh:task:"

// casScript compares the stored record's version against the expected value
// and swaps in the new record atomically. Returns 1 on success, 0 on version
// conflict, -1 when the key does not exist. KEEPTTL preserves any retention
// TTL already applied to a terminal record.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
	return -1
end
local rec = cjson.decode(cur)
if tonumber(rec['version']) ~= tonumber(ARGV[1]) then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'KEEPTTL')
return 1
`)

var defaultStoreAttributes = []attribute.KeyValue{
	attribute.String("db.system", "redis"),
}

// Store persists task records in Redis.
type Store struct {
	client redis.UniversalClient
	tracer trace.Tracer
	// opTimeout bounds each store operation so an unavailable Redis never
	// indefinitely blocks a task's step loop.
	opTimeout time.Duration
}

// NewStore creates a task store backed by the given Redis client.
func NewStore(client redis.UniversalClient, tracer trace.Tracer) *Store {
	return &Store{
		client:    client,
		tracer:    tracer,
		opTimeout: 2 * time.Second,
	}
}

func taskKey(id uuid.UUID) string { return keyPrefix + id.String() }

// Put unconditionally upserts the task record at its current version.
func (s *Store) Put(ctx context.Context, t *task.Task) error {
	attrs := append(defaultStoreAttributes, attribute.String("task_id", t.ID().String()))

	return storage.ExecuteAndTrace(ctx, s.tracer, "redis.put_task", attrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
		defer cancel()

		data, err := storage.RecordFromTask(t, t.Version()).Encode()
		if err != nil {
			return err
		}

		if err := s.client.Set(ctx, taskKey(t.ID()), data, 0).Err(); err != nil {
			return wrapUnavailable("SET", err)
		}
		return nil
	})
}

// Get retrieves a task, returning task.ErrTaskNotFound when absent.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	attrs := append(defaultStoreAttributes, attribute.String("task_id", id.String()))

	var t *task.Task
	err := storage.ExecuteAndTrace(ctx, s.tracer, "redis.get_task", attrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
		defer cancel()

		data, err := s.client.Get(ctx, taskKey(id)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return task.ErrTaskNotFound
			}
			return wrapUnavailable("GET", err)
		}

		rec, err := storage.DecodeTaskRecord(data)
		if err != nil {
			return err
		}

		t, err = rec.ToTask()
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// CompareAndSet persists the task only when the stored version matches the
// aggregate's, via the server-side Lua script.
func (s *Store) CompareAndSet(ctx context.Context, t *task.Task) error {
	attrs := append(defaultStoreAttributes,
		attribute.String("task_id", t.ID().String()),
		attribute.Int64("expected_version", t.Version()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "redis.cas_task", attrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
		defer cancel()

		data, err := storage.RecordFromTask(t, t.Version()+1).Encode()
		if err != nil {
			return err
		}

		res, err := casScript.Run(ctx, s.client, []string{taskKey(t.ID())}, t.Version(), data).Int()
		if err != nil {
			return wrapUnavailable("EVALSHA", err)
		}

		switch res {
		case 1:
			t.AdvanceVersion()
			return nil
		case 0:
			return task.ErrVersionConflict
		default:
			return task.ErrTaskNotFound
		}
	})
}

// List scans the task keyspace and returns tasks matching the filter. SCAN is
// cursor-based and not a point-in-time snapshot, which is acceptable for the
// administrative listing this serves.
func (s *Store) List(ctx context.Context, filter task.ListFilter) ([]*task.Task, error) {
	attrs := append(defaultStoreAttributes, attribute.String("status_filter", filter.Status.String()))

	var tasks []*task.Task
	err := storage.ExecuteAndTrace(ctx, s.tracer, "redis.list_tasks", attrs, func(ctx context.Context) error {
		iter := s.client.Scan(ctx, 0, keyPrefix+"*", 256).Iterator()
		for iter.Next(ctx) {
			data, err := s.client.Get(ctx, iter.Val()).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					// Expired between SCAN and GET.
					continue
				}
				return wrapUnavailable("GET", err)
			}

			rec, err := storage.DecodeTaskRecord(data)
			if err != nil {
				return err
			}
			if filter.Status != "" && rec.Status != filter.Status.String() {
				continue
			}

			t, err := rec.ToTask()
			if err != nil {
				return err
			}
			tasks = append(tasks, t)
		}
		if err := iter.Err(); err != nil {
			return wrapUnavailable("SCAN", err)
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
	attrs := append(defaultStoreAttributes, attribute.String("task_id", id.String()))

	return storage.ExecuteAndTrace(ctx, s.tracer, "redis.delete_task", attrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
		defer cancel()

		if err := s.client.Del(ctx, taskKey(id)).Err(); err != nil {
			return wrapUnavailable("DEL", err)
		}
		return nil
	})
}

// ExpireTerminal applies the retention window as a native TTL on the record.
func (s *Store) ExpireTerminal(ctx context.Context, id uuid.UUID, retention time.Duration) error {
	attrs := append(defaultStoreAttributes,
		attribute.String("task_id", id.String()),
		attribute.String("retention", retention.String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "redis.expire_task", attrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
		defer cancel()

		ok, err := s.client.Expire(ctx, taskKey(id), retention).Result()
		if err != nil {
			return wrapUnavailable("EXPIRE", err)
		}
		if !ok {
			return task.ErrTaskNotFound
		}
		return nil
	})
}

func wrapUnavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", task.ErrStoreUnavailable, op, err)
}
