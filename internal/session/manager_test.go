package session

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/domain/events"
	"github.com/taskmesh/taskmesh/internal/domain/task"
	storememory "github.com/taskmesh/taskmesh/internal/infra/storage/memory"
	"github.com/taskmesh/taskmesh/pkg/common/logger"
)

// fixedRouter routes every key to one node.
type fixedRouter string

func (r fixedRouter) Route(key string) (string, error) { return string(r), nil }

func testLogger() *logger.Logger {
	return logger.New(io.Discard, logger.LevelError, "test", nil)
}

func seedTask(t *testing.T, store task.Store) *task.Task {
	t.Helper()
	tsk := task.New("pipeline", map[string]any{"stage": "init"})
	require.NoError(t, tsk.Start())
	require.NoError(t, store.Put(context.Background(), tsk))
	return tsk
}

func TestManager_SubscribeDeliversSnapshotFirst(t *testing.T) {
	t.Parallel()

	store := storememory.NewStore()
	mgr := NewManager("node-a", fixedRouter("node-a"), store, 4, testLogger())
	defer mgr.Close()

	tsk := seedTask(t, store)

	sub, err := mgr.Subscribe(context.Background(), tsk.ID())
	require.NoError(t, err)
	defer mgr.Unsubscribe(sub)

	// Publish a live event before reading anything; the snapshot must still
	// come out first.
	live := task.NewTaskEvent(task.EventTypeTaskProgressed, tsk)
	require.NoError(t, mgr.Publish(context.Background(), live))

	first := <-sub.Events()
	snapshot, ok := first.Payload.(task.ProgressSnapshot)
	require.True(t, ok)
	assert.Equal(t, tsk.ID(), snapshot.TaskID)
	assert.Equal(t, task.StatusRunning, snapshot.Status)

	second := <-sub.Events()
	assert.Equal(t, task.EventTypeTaskProgressed, second.Type)
}

func TestManager_SubscribeRejectsNonOwner(t *testing.T) {
	t.Parallel()

	store := storememory.NewStore()
	mgr := NewManager("node-a", fixedRouter("node-b"), store, 4, testLogger())
	defer mgr.Close()

	tsk := seedTask(t, store)

	_, err := mgr.Subscribe(context.Background(), tsk.ID())
	assert.ErrorIs(t, err, ErrNotLocalOwner)
}

func TestManager_SubscribeUnknownTask(t *testing.T) {
	t.Parallel()

	store := storememory.NewStore()
	mgr := NewManager("node-a", fixedRouter("node-a"), store, 4, testLogger())
	defer mgr.Close()

	_, err := mgr.Subscribe(context.Background(), uuid.New())
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
}

func TestManager_PublishReachesAllSubscribers(t *testing.T) {
	t.Parallel()

	store := storememory.NewStore()
	mgr := NewManager("node-a", fixedRouter("node-a"), store, 4, testLogger())
	defer mgr.Close()

	tsk := seedTask(t, store)

	subA, err := mgr.Subscribe(context.Background(), tsk.ID())
	require.NoError(t, err)
	subB, err := mgr.Subscribe(context.Background(), tsk.ID())
	require.NoError(t, err)
	assert.Equal(t, 2, mgr.SubscriberCount(tsk.ID()))

	require.NoError(t, mgr.Publish(context.Background(), task.NewTaskEvent(task.EventTypeTaskPaused, tsk)))

	for _, sub := range []*Subscription{subA, subB} {
		<-sub.Events() // snapshot
		event := <-sub.Events()
		assert.Equal(t, task.EventTypeTaskPaused, event.Type)
	}
}

func TestManager_SlowSubscriberMissesEventsWithoutBlocking(t *testing.T) {
	t.Parallel()

	store := storememory.NewStore()
	mgr := NewManager("node-a", fixedRouter("node-a"), store, 2, testLogger())
	defer mgr.Close()

	tsk := seedTask(t, store)

	sub, err := mgr.Subscribe(context.Background(), tsk.ID())
	require.NoError(t, err)
	defer mgr.Unsubscribe(sub)

	// The buffer holds 2 entries and the snapshot took one slot. Publishing
	// past capacity must return promptly, dropping the overflow.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			_ = mgr.Publish(context.Background(), task.NewTaskEvent(task.EventTypeTaskProgressed, tsk))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	assert.Len(t, sub.Events(), 2)
}

func TestManager_UnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	store := storememory.NewStore()
	mgr := NewManager("node-a", fixedRouter("node-a"), store, 4, testLogger())
	defer mgr.Close()

	tsk := seedTask(t, store)

	sub, err := mgr.Subscribe(context.Background(), tsk.ID())
	require.NoError(t, err)

	mgr.Unsubscribe(sub)
	assert.Equal(t, 0, mgr.SubscriberCount(tsk.ID()))

	// Drain the snapshot, then observe the close.
	for range sub.Events() {
	}

	// Unsubscribing twice is safe.
	mgr.Unsubscribe(sub)

	// Publishing after unsubscribe reaches nobody and does not panic.
	require.NoError(t, mgr.Publish(context.Background(), task.NewTaskEvent(task.EventTypeTaskProgressed, tsk)))
}

func TestManager_PublishRejectsNonTaskKey(t *testing.T) {
	t.Parallel()

	store := storememory.NewStore()
	mgr := NewManager("node-a", fixedRouter("node-a"), store, 4, testLogger())
	defer mgr.Close()

	err := mgr.Publish(context.Background(), events.DomainEvent{Key: "not-a-uuid"})
	assert.Error(t, err)
}
