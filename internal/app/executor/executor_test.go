package executor

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/taskmesh/taskmesh/internal/domain/events"
	"github.com/taskmesh/taskmesh/internal/domain/task"
	"github.com/taskmesh/taskmesh/internal/domain/workflow"
	busmemory "github.com/taskmesh/taskmesh/internal/infra/eventbus/memory"
	storememory "github.com/taskmesh/taskmesh/internal/infra/storage/memory"
	"github.com/taskmesh/taskmesh/pkg/common/logger"
)

// stubRegistry resolves definitions from a plain map.
type stubRegistry map[string]workflow.Definition

func (r stubRegistry) Resolve(name string) (workflow.Definition, error) {
	def, ok := r[name]
	if !ok {
		return workflow.Definition{}, errors.New("workflow not registered")
	}
	return def, nil
}

func (r stubRegistry) Names() []string {
	names := make([]string, 0, len(r))
	for n := range r {
		names = append(names, n)
	}
	return names
}

// gate is a step that blocks until released, so tests can hold a task inside
// a step while they deliver signals.
type gate struct {
	entered chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{
		entered: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
}

func (g *gate) step(ctx context.Context, state map[string]any) (map[string]any, error) {
	g.entered <- struct{}{}
	select {
	case <-g.release:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// appendStep records one entry per completion under the "trail" key.
func appendStep(value string) workflow.StepFunc {
	return func(ctx context.Context, state map[string]any) (map[string]any, error) {
		var entries []any
		if existing, ok := state["trail"].([]any); ok {
			entries = append(entries, existing...)
		}
		entries = append(entries, value)
		return map[string]any{"trail": entries}, nil
	}
}

func testLogger() *logger.Logger {
	return logger.New(io.Discard, logger.LevelError, "test", nil)
}

func newTestExecutor(nodeID string, store task.Store, registry workflow.Registry, bus events.DomainEventPublisher) *Executor {
	return New(Config{
		NodeID:              nodeID,
		MaxConcurrent:       8,
		DefaultStepTimeout:  5 * time.Second,
		DefaultMaxRetries:   3,
		RetryInitialDelay:   time.Millisecond,
		HeartbeatInterval:   50 * time.Millisecond,
		StalenessThreshold:  30 * time.Second,
		Retention:           time.Hour,
		StorePersistTimeout: 2 * time.Second,
	}, store, registry, bus, noop.NewTracerProvider().Tracer("test"), testLogger())
}

func mustDefinition(t *testing.T, name string, steps ...workflow.Step) workflow.Definition {
	t.Helper()
	def, err := workflow.NewDefinition(name, steps)
	require.NoError(t, err)
	return def
}

func waitForStatus(t *testing.T, store task.Store, tsk *task.Task, want task.Status) *task.Task {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			current, _ := store.Get(context.Background(), tsk.ID())
			status := task.StatusUnspecified
			if current != nil {
				status = current.Status()
			}
			t.Fatalf("task never reached %s, last status %s", want, status)
		case <-time.After(5 * time.Millisecond):
			current, err := store.Get(context.Background(), tsk.ID())
			if err != nil {
				continue
			}
			if current.Status() == want {
				return current
			}
		}
	}
}

func trail(t *testing.T, tsk *task.Task) []string {
	t.Helper()
	raw, _ := tsk.State()["trail"].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		require.True(t, ok)
		out = append(out, s)
	}
	return out
}

func TestExecutor_RunsWorkflowToCompletion(t *testing.T) {
	t.Parallel()

	store := storememory.NewStore()
	registry := stubRegistry{
		"pipeline": mustDefinition(t, "pipeline",
			workflow.Step{Name: "extract", Run: appendStep("extract")},
			workflow.Step{Name: "transform", Run: appendStep("transform")},
			workflow.Step{Name: "load", Run: appendStep("load")},
		),
	}
	exec := newTestExecutor("node-a", store, registry, nil)

	ctx := context.Background()
	tsk := task.New("pipeline", nil)
	require.NoError(t, store.Put(ctx, tsk))
	require.NoError(t, exec.Start(ctx, tsk.ID()))

	done := waitForStatus(t, store, tsk, task.StatusCompleted)
	assert.Equal(t, 100, done.Progress())
	assert.Equal(t, []string{"extract", "transform", "load"}, trail(t, done))

	cp := done.Checkpoint()
	require.NotNil(t, cp)
	assert.Equal(t, "load", cp.Step())
}

func TestExecutor_StartRequiresKnownWorkflow(t *testing.T) {
	t.Parallel()

	store := storememory.NewStore()
	exec := newTestExecutor("node-a", store, stubRegistry{}, nil)

	ctx := context.Background()
	tsk := task.New("ghost", nil)
	require.NoError(t, store.Put(ctx, tsk))

	assert.ErrorIs(t, exec.Start(ctx, tsk.ID()), task.ErrWorkflowUnknown)
}

func TestExecutor_PublishesLifecycleEvents(t *testing.T) {
	t.Parallel()

	store := storememory.NewStore()
	registry := stubRegistry{
		"pipeline": mustDefinition(t, "pipeline",
			workflow.Step{Name: "a", Run: appendStep("a")},
			workflow.Step{Name: "b", Run: appendStep("b")},
		),
	}
	bus := busmemory.NewBus()
	defer bus.Close()

	var mu sync.Mutex
	var seen []events.EventType
	require.NoError(t, bus.Subscribe(context.Background(), task.AllEventTypes(),
		func(ctx context.Context, event events.DomainEvent) error {
			mu.Lock()
			seen = append(seen, event.Type)
			mu.Unlock()
			return nil
		}))

	exec := newTestExecutor("node-a", store, registry, bus)

	ctx := context.Background()
	tsk := task.New("pipeline", nil)
	require.NoError(t, store.Put(ctx, tsk))
	require.NoError(t, exec.Start(ctx, tsk.ID()))

	waitForStatus(t, store, tsk, task.StatusCompleted)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 4
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []events.EventType{
		task.EventTypeTaskStarted,
		task.EventTypeTaskProgressed,
		task.EventTypeTaskProgressed,
		task.EventTypeTaskCompleted,
	}, seen)
}

func TestExecutor_RetriesFailingStep(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int64
	flaky := func(ctx context.Context, state map[string]any) (map[string]any, error) {
		if attempts.Add(1) <= 2 {
			return nil, errors.New("transient failure")
		}
		return nil, nil
	}

	store := storememory.NewStore()
	registry := stubRegistry{
		"flaky": mustDefinition(t, "flaky",
			workflow.Step{Name: "wobble", MaxRetries: 3, Run: flaky},
		),
	}
	exec := newTestExecutor("node-a", store, registry, nil)

	ctx := context.Background()
	tsk := task.New("flaky", nil)
	require.NoError(t, store.Put(ctx, tsk))
	require.NoError(t, exec.Start(ctx, tsk.ID()))

	done := waitForStatus(t, store, tsk, task.StatusCompleted)
	assert.Equal(t, int64(3), attempts.Load())
	assert.Equal(t, 0, done.RetryCount())
}

func TestExecutor_RetryExhaustionFailsTask(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int64
	broken := func(ctx context.Context, state map[string]any) (map[string]any, error) {
		attempts.Add(1)
		return nil, errors.New("boom")
	}

	store := storememory.NewStore()
	registry := stubRegistry{
		"doomed": mustDefinition(t, "doomed",
			workflow.Step{Name: "explode", MaxRetries: 2, Run: broken},
		),
	}
	exec := newTestExecutor("node-a", store, registry, nil)

	ctx := context.Background()
	tsk := task.New("doomed", nil)
	require.NoError(t, store.Put(ctx, tsk))
	require.NoError(t, exec.Start(ctx, tsk.ID()))

	done := waitForStatus(t, store, tsk, task.StatusFailed)

	// Initial attempt plus exactly two retries.
	assert.Equal(t, int64(3), attempts.Load())
	assert.Contains(t, done.Error(), "explode")
	assert.Contains(t, done.Error(), "after 2 retries")
}

func TestExecutor_PauseResumeAcrossInstances(t *testing.T) {
	t.Parallel()

	g := newGate()
	store := storememory.NewStore()
	registry := stubRegistry{
		"staged": mustDefinition(t, "staged",
			workflow.Step{Name: "first", Run: g.step},
			workflow.Step{Name: "second", Run: appendStep("second")},
			workflow.Step{Name: "third", Run: appendStep("third")},
		),
	}

	nodeA := newTestExecutor("node-a", store, registry, nil)

	ctx := context.Background()
	tsk := task.New("staged", nil)
	require.NoError(t, store.Put(ctx, tsk))
	require.NoError(t, nodeA.Start(ctx, tsk.ID()))

	// Pause while the first step is in flight; the loop honors it at the
	// next boundary, after the step completes.
	<-g.entered
	require.NoError(t, nodeA.Pause(ctx, tsk.ID()))
	close(g.release)

	paused := waitForStatus(t, store, tsk, task.StatusPaused)
	require.NotNil(t, paused.Checkpoint())
	assert.Equal(t, "first", paused.Checkpoint().Step())

	// A different executor instance picks the task up from the checkpoint.
	nodeB := newTestExecutor("node-b", store, registry, nil)
	_, err := nodeB.Resume(ctx, tsk.ID())
	require.NoError(t, err)

	done := waitForStatus(t, store, tsk, task.StatusCompleted)

	// The completed first step never re-ran: only the remaining steps
	// appended their markers, exactly once each.
	assert.Equal(t, []string{"second", "third"}, trail(t, done))
	assert.Empty(t, g.entered)
}

func TestExecutor_ResumeIsIdempotent(t *testing.T) {
	t.Parallel()

	g := newGate()
	store := storememory.NewStore()
	registry := stubRegistry{
		"staged": mustDefinition(t, "staged",
			workflow.Step{Name: "first", Run: appendStep("first")},
			workflow.Step{Name: "hold", Run: g.step},
			workflow.Step{Name: "last", Run: appendStep("last")},
		),
	}
	exec := newTestExecutor("node-a", store, registry, nil)

	ctx := context.Background()

	// Seed a PAUSED task checkpointed after the first step.
	tsk := task.New("staged", nil)
	require.NoError(t, tsk.Start())
	require.NoError(t, tsk.ApplyStepResult("first", map[string]any{"trail": []any{"first"}}, 1, 3))
	require.NoError(t, tsk.Pause())
	require.NoError(t, store.Put(ctx, tsk))

	_, err := exec.Resume(ctx, tsk.ID())
	require.NoError(t, err)
	<-g.entered

	// A second resume while the task runs locally is a no-op.
	_, err = exec.Resume(ctx, tsk.ID())
	require.NoError(t, err)

	close(g.release)
	done := waitForStatus(t, store, tsk, task.StatusCompleted)

	assert.Equal(t, []string{"first", "last"}, trail(t, done))
	assert.Empty(t, g.entered, "the held step must have run exactly once")
}

func TestExecutor_ResumeTerminalTask(t *testing.T) {
	t.Parallel()

	store := storememory.NewStore()
	exec := newTestExecutor("node-a", store, stubRegistry{}, nil)

	ctx := context.Background()
	tsk := task.New("anything", nil)
	require.NoError(t, tsk.Start())
	require.NoError(t, tsk.Complete())
	require.NoError(t, store.Put(ctx, tsk))

	_, err := exec.Resume(ctx, tsk.ID())
	assert.ErrorIs(t, err, task.ErrTaskTerminal)
}

func TestExecutor_ResumeRespectsLiveOwner(t *testing.T) {
	t.Parallel()

	store := storememory.NewStore()
	exec := newTestExecutor("node-b", store, stubRegistry{}, nil)

	ctx := context.Background()

	// A RUNNING record with a fresh heartbeat belongs to a live owner
	// elsewhere; resuming it here must refuse.
	tsk := task.New("anything", nil)
	require.NoError(t, tsk.Start())
	require.NoError(t, store.Put(ctx, tsk))

	_, err := exec.Resume(ctx, tsk.ID())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestExecutor_ResumeReclaimsStaleTask(t *testing.T) {
	t.Parallel()

	g := newGate()
	close(g.release) // the gate step completes immediately on re-run

	store := storememory.NewStore()
	registry := stubRegistry{
		"staged": mustDefinition(t, "staged",
			workflow.Step{Name: "first", Run: appendStep("first")},
			workflow.Step{Name: "last", Run: appendStep("last")},
		),
	}

	exec := New(Config{
		NodeID:             "node-b",
		RetryInitialDelay:  time.Millisecond,
		HeartbeatInterval:  20 * time.Millisecond,
		StalenessThreshold: 50 * time.Millisecond,
	}, store, registry, nil, noop.NewTracerProvider().Tracer("test"), testLogger())

	ctx := context.Background()

	// A RUNNING record checkpointed after "first" whose owner died.
	tsk := task.New("staged", nil)
	require.NoError(t, tsk.Start())
	require.NoError(t, tsk.ApplyStepResult("first", map[string]any{"trail": []any{"first"}}, 1, 2))
	require.NoError(t, store.Put(ctx, tsk))

	time.Sleep(80 * time.Millisecond) // let the record go stale

	_, err := exec.Resume(ctx, tsk.ID())
	require.NoError(t, err)

	done := waitForStatus(t, store, tsk, task.StatusCompleted)

	// Execution resumed after the checkpoint; "first" did not re-run.
	assert.Equal(t, []string{"first", "last"}, trail(t, done))
}

func TestExecutor_ConcurrentStartSingleClaim(t *testing.T) {
	t.Parallel()

	var runs atomic.Int64
	counting := func(ctx context.Context, state map[string]any) (map[string]any, error) {
		runs.Add(1)
		return nil, nil
	}

	store := storememory.NewStore()
	registry := stubRegistry{
		"single": mustDefinition(t, "single",
			workflow.Step{Name: "only", Run: counting},
		),
	}

	nodeA := newTestExecutor("node-a", store, registry, nil)
	nodeB := newTestExecutor("node-b", store, registry, nil)

	ctx := context.Background()
	tsk := task.New("single", nil)
	require.NoError(t, store.Put(ctx, tsk))

	require.NoError(t, nodeA.Start(ctx, tsk.ID()))
	if err := nodeB.Start(ctx, tsk.ID()); err != nil {
		// The first claim may already have persisted; that refusal is the
		// claim race working as intended.
		var invalid *task.InvalidStateError
		require.ErrorAs(t, err, &invalid)
	}

	waitForStatus(t, store, tsk, task.StatusCompleted)

	// Give the losing claimant time to run if it incorrectly won.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), runs.Load(), "exactly one executor may win the claim")
}

func TestExecutor_CancelStopsBeforeNextStep(t *testing.T) {
	t.Parallel()

	g := newGate()
	store := storememory.NewStore()
	registry := stubRegistry{
		"staged": mustDefinition(t, "staged",
			workflow.Step{Name: "hold", Run: g.step},
			workflow.Step{Name: "never", Run: appendStep("never")},
		),
	}
	exec := newTestExecutor("node-a", store, registry, nil)

	ctx := context.Background()
	tsk := task.New("staged", nil)
	require.NoError(t, store.Put(ctx, tsk))
	require.NoError(t, exec.Start(ctx, tsk.ID()))

	<-g.entered
	require.NoError(t, exec.Cancel(ctx, tsk.ID()))
	close(g.release)

	done := waitForStatus(t, store, tsk, task.StatusCancelled)
	assert.Empty(t, trail(t, done), "no step after the cancel point may run")
}

func TestExecutor_CancelPendingTask(t *testing.T) {
	t.Parallel()

	store := storememory.NewStore()
	exec := newTestExecutor("node-a", store, stubRegistry{}, nil)

	ctx := context.Background()
	tsk := task.New("anything", nil)
	require.NoError(t, store.Put(ctx, tsk))

	require.NoError(t, exec.Cancel(ctx, tsk.ID()))

	got, err := store.Get(ctx, tsk.ID())
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status())

	// Terminal tasks cannot be cancelled again.
	var invalid *task.InvalidStateError
	assert.ErrorAs(t, exec.Cancel(ctx, tsk.ID()), &invalid)
}

func TestExecutor_PauseRequiresRunningTask(t *testing.T) {
	t.Parallel()

	store := storememory.NewStore()
	exec := newTestExecutor("node-a", store, stubRegistry{}, nil)

	ctx := context.Background()
	tsk := task.New("anything", nil)
	require.NoError(t, store.Put(ctx, tsk))

	var invalid *task.InvalidStateError
	assert.ErrorAs(t, exec.Pause(ctx, tsk.ID()), &invalid)
}

func TestExecutor_PauseQueuedTaskRejected(t *testing.T) {
	t.Parallel()

	g := newGate()
	store := storememory.NewStore()
	registry := stubRegistry{
		"held": mustDefinition(t, "held", workflow.Step{Name: "hold", Run: g.step}),
	}
	exec := New(Config{
		NodeID:             "node-a",
		MaxConcurrent:      1,
		DefaultStepTimeout: 5 * time.Second,
		RetryInitialDelay:  time.Millisecond,
	}, store, registry, nil, noop.NewTracerProvider().Tracer("test"), testLogger())

	ctx := context.Background()
	first := task.New("held", nil)
	require.NoError(t, store.Put(ctx, first))
	require.NoError(t, exec.Start(ctx, first.ID()))
	<-g.entered // first task holds the only worker slot

	queued := task.New("held", nil)
	require.NoError(t, store.Put(ctx, queued))
	require.NoError(t, exec.Start(ctx, queued.ID()))

	// The queued run never claimed a slot, so the task is still PENDING and
	// pausing it is an invalid transition.
	var invalid *task.InvalidStateError
	require.ErrorAs(t, exec.Pause(ctx, queued.ID()), &invalid)
	assert.Equal(t, task.StatusPending, invalid.Status())

	close(g.release)
	waitForStatus(t, store, first, task.StatusCompleted)
	waitForStatus(t, store, queued, task.StatusCompleted)
}

func TestExecutor_StepTimeoutFailsAttempt(t *testing.T) {
	t.Parallel()

	stuck := func(ctx context.Context, state map[string]any) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	store := storememory.NewStore()
	registry := stubRegistry{
		"slow": mustDefinition(t, "slow",
			workflow.Step{Name: "molasses", MaxRetries: 1, Timeout: 20 * time.Millisecond, Run: stuck},
		),
	}
	exec := newTestExecutor("node-a", store, registry, nil)

	ctx := context.Background()
	tsk := task.New("slow", nil)
	require.NoError(t, store.Put(ctx, tsk))
	require.NoError(t, exec.Start(ctx, tsk.ID()))

	done := waitForStatus(t, store, tsk, task.StatusFailed)
	assert.Contains(t, done.Error(), "molasses")
}

func TestExecutor_ShutdownPausesRunningTasks(t *testing.T) {
	t.Parallel()

	g := newGate()
	store := storememory.NewStore()
	registry := stubRegistry{
		"staged": mustDefinition(t, "staged",
			workflow.Step{Name: "hold", Run: g.step},
			workflow.Step{Name: "later", Run: appendStep("later")},
		),
	}
	exec := newTestExecutor("node-a", store, registry, nil)

	ctx := context.Background()
	tsk := task.New("staged", nil)
	require.NoError(t, store.Put(ctx, tsk))
	require.NoError(t, exec.Start(ctx, tsk.ID()))

	<-g.entered

	// Shutdown flags every live loop for pause before waiting, so the pause
	// request is in place before the held step is released.
	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	drained := make(chan struct{})
	go func() {
		exec.Shutdown(shutdownCtx)
		close(drained)
	}()

	time.Sleep(20 * time.Millisecond)
	close(g.release)
	<-drained

	got, err := store.Get(ctx, tsk.ID())
	require.NoError(t, err)
	assert.Equal(t, task.StatusPaused, got.Status())
	require.NotNil(t, got.Checkpoint())
	assert.Equal(t, "hold", got.Checkpoint().Step())
}
