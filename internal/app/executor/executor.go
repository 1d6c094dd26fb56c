// Package executor drives tasks through their workflow's ordered steps,
// persisting a checkpoint after each step so any node can pick up where
// another left off. Ownership of a task is a lease backed by optimistic
// concurrency: every mutation is a compare-and-set on the record's version,
// so two executors racing to claim the same task cannot both win.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskmesh/taskmesh/internal/domain/events"
	"github.com/taskmesh/taskmesh/internal/domain/task"
	"github.com/taskmesh/taskmesh/internal/domain/workflow"
	"github.com/taskmesh/taskmesh/pkg/common/logger"
)

// Config tunes executor behavior. Zero values fall back to the defaults
// noted on each field.
type Config struct {
	// NodeID identifies this executor instance in logs and ownership checks.
	NodeID string

	// MaxConcurrent bounds the number of simultaneously running step loops.
	// Tasks beyond the limit stay PENDING until a slot frees. Default 16.
	MaxConcurrent int

	// DefaultStepTimeout bounds a single step attempt when the step does not
	// override it. A step that does not finish within the bound is treated
	// as failed. Default 5m.
	DefaultStepTimeout time.Duration

	// DefaultMaxRetries applies to steps that do not set their own limit.
	// Default 3.
	DefaultMaxRetries int

	// RetryInitialDelay seeds the exponential backoff between step retries.
	// Default 500ms.
	RetryInitialDelay time.Duration

	// HeartbeatInterval is how often updated_at is refreshed while a step is
	// in flight, so long steps do not look stale. Default 5s.
	HeartbeatInterval time.Duration

	// StalenessThreshold is how old a RUNNING task's updated_at must be
	// before another executor may re-claim it. It must exceed
	// HeartbeatInterval by a comfortable margin. Default 30s.
	StalenessThreshold time.Duration

	// Retention is how long terminal tasks are kept before garbage
	// collection. Default 24h.
	Retention time.Duration

	// StorePersistTimeout bounds the retry window for persisting a mutation
	// when the store is unavailable. Default 15s.
	StorePersistTimeout time.Duration
}

func (c *Config) defaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 16
	}
	if c.DefaultStepTimeout <= 0 {
		c.DefaultStepTimeout = 5 * time.Minute
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = 3
	}
	if c.RetryInitialDelay <= 0 {
		c.RetryInitialDelay = 500 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.StalenessThreshold <= 0 {
		c.StalenessThreshold = 30 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.StorePersistTimeout <= 0 {
		c.StorePersistTimeout = 15 * time.Second
	}
}

// ErrAlreadyRunning is returned when an operation requires exclusive
// ownership of a task that another live executor currently holds.
var ErrAlreadyRunning = errors.New("task is running on another node")

// Executor owns the step loops running on this node.
type Executor struct {
	cfg       Config
	store     task.Store
	registry  workflow.Registry
	publisher events.DomainEventPublisher
	tracer    trace.Tracer
	logger    *logger.Logger

	// sem is the worker-pool limit; a step loop holds one slot for its
	// entire run.
	sem chan struct{}

	// mu guards runs, the arena of live step loops on this node. The store
	// remains the source of truth; this map is purely a live-execution
	// cache for signal delivery and locality checks.
	mu   sync.Mutex
	runs map[uuid.UUID]*run

	wg sync.WaitGroup
}

// run tracks one live step loop and its pending signals.
type run struct {
	taskID uuid.UUID

	sigMu     sync.Mutex
	pauseReq  bool
	cancelReq bool
	// poke wakes the loop out of a retry backoff sleep when a signal lands.
	poke chan struct{}

	done chan struct{}
}

func newRun(taskID uuid.UUID) *run {
	return &run{
		taskID: taskID,
		poke:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (r *run) requestPause() {
	r.sigMu.Lock()
	r.pauseReq = true
	r.sigMu.Unlock()
	select {
	case r.poke <- struct{}{}:
	default:
	}
}

func (r *run) requestCancel() {
	r.sigMu.Lock()
	r.cancelReq = true
	r.sigMu.Unlock()
	select {
	case r.poke <- struct{}{}:
	default:
	}
}

// signals returns the pending pause/cancel requests.
func (r *run) signals() (pause, cancel bool) {
	r.sigMu.Lock()
	defer r.sigMu.Unlock()
	return r.pauseReq, r.cancelReq
}

// New creates an Executor.
func New(
	cfg Config,
	store task.Store,
	registry workflow.Registry,
	publisher events.DomainEventPublisher,
	tracer trace.Tracer,
	log *logger.Logger,
) *Executor {
	cfg.defaults()
	return &Executor{
		cfg:       cfg,
		store:     store,
		registry:  registry,
		publisher: publisher,
		tracer:    tracer,
		logger:    log.With("component", "executor", "node_id", cfg.NodeID),
		sem:       make(chan struct{}, cfg.MaxConcurrent),
		runs:      make(map[uuid.UUID]*run),
	}
}

// IsLocal reports whether this executor currently runs the task's step loop.
func (e *Executor) IsLocal(taskID uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runs[taskID]
	return ok
}

// Start launches the step loop for a freshly created PENDING task. The call
// is non-blocking: the loop claims the task once a worker slot frees, so a
// task beyond the concurrency limit stays PENDING until then.
func (e *Executor) Start(ctx context.Context, taskID uuid.UUID) error {
	t, err := e.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status() != task.StatusPending {
		return task.NewInvalidStateError(taskID, t.Status(), "start requires a pending task")
	}
	if _, err := e.registry.Resolve(t.WorkflowName()); err != nil {
		return fmt.Errorf("%w: %v", task.ErrWorkflowUnknown, err)
	}

	e.launch(taskID, claimStart)
	return nil
}

// Resume re-enters the step loop for a PAUSED task, or re-claims a RUNNING
// task whose owner went stale. Resuming a task already running locally is a
// successful no-op, which makes back-to-back resume calls idempotent.
func (e *Executor) Resume(ctx context.Context, taskID uuid.UUID) (*task.Task, error) {
	t, err := e.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	switch t.Status() {
	case task.StatusPaused:
		e.launch(taskID, claimResume)
		return t, nil

	case task.StatusRunning:
		if e.IsLocal(taskID) {
			return t, nil
		}
		if !t.IsStale(e.cfg.StalenessThreshold, time.Now().UTC()) {
			// The apparent owner heartbeated recently; assume it is alive.
			return nil, ErrAlreadyRunning
		}
		e.launch(taskID, claimReclaim)
		return t, nil

	case task.StatusCompleted, task.StatusFailed, task.StatusCancelled:
		return nil, fmt.Errorf("%w: %s", task.ErrTaskTerminal, t.Status())

	default:
		return nil, task.NewInvalidStateError(taskID, t.Status(), "resume requires a paused task")
	}
}

// Pause signals the local step loop to halt at the next step boundary, or
// transitions a stale remote RUNNING task directly. Pausing a task that is
// not running fails with an invalid-state error.
func (e *Executor) Pause(ctx context.Context, taskID uuid.UUID) error {
	// A registered run may still be queued for a worker slot, in which case
	// the task is PENDING and not pausable. The persisted status decides.
	t, err := e.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status() != task.StatusRunning {
		return task.NewInvalidStateError(taskID, t.Status(), "pause requires a running task")
	}

	e.mu.Lock()
	r, local := e.runs[taskID]
	e.mu.Unlock()

	if local {
		r.requestPause()
		return nil
	}

	// Not local: write the transition directly. If the remote owner is
	// actually alive, its next compare-and-set conflicts, and its loop
	// honors the externally written PAUSED status.
	if err := t.Pause(); err != nil {
		return err
	}
	if err := e.store.CompareAndSet(ctx, t); err != nil {
		// On a version conflict the owner advanced the record first; the
		// caller may retry against the fresh state.
		return err
	}
	e.publish(ctx, task.NewTaskEvent(task.EventTypeTaskPaused, t))
	return nil
}

// Cancel sets the cancellation signal for the task. A step already in flight
// is allowed to finish; the loop observes the signal at the next safe point.
// Cancelling a PENDING or PAUSED task transitions it directly.
func (e *Executor) Cancel(ctx context.Context, taskID uuid.UUID) error {
	e.mu.Lock()
	r, local := e.runs[taskID]
	e.mu.Unlock()

	if local {
		r.requestCancel()
		return nil
	}

	t, err := e.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	switch t.Status() {
	case task.StatusPending, task.StatusPaused, task.StatusRunning:
		if err := t.Cancel(); err != nil {
			return err
		}
		if err := e.store.CompareAndSet(ctx, t); err != nil {
			return err
		}
		e.expireTerminal(ctx, t)
		e.publish(ctx, task.NewTaskEvent(task.EventTypeTaskCancelled, t))
		return nil

	default:
		return task.NewInvalidStateError(taskID, t.Status(), "cancel requires a non-terminal task")
	}
}

// Shutdown asks every live step loop to pause and waits for them to drain.
// Each loop persists a PAUSED checkpoint at its next boundary, so another
// node (or this one after restart) resumes the tasks exactly where they
// stopped.
func (e *Executor) Shutdown(ctx context.Context) {
	e.mu.Lock()
	for _, r := range e.runs {
		r.requestPause()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn(ctx, "shutdown deadline reached with step loops still draining")
	}
}

type claimMode int

const (
	claimStart claimMode = iota
	claimResume
	claimReclaim
)

// launch registers the run and schedules the claim + step loop on a worker
// slot. The slot is acquired inside the goroutine so callers never block.
func (e *Executor) launch(taskID uuid.UUID, mode claimMode) {
	e.mu.Lock()
	if _, exists := e.runs[taskID]; exists {
		e.mu.Unlock()
		return
	}
	r := newRun(taskID)
	e.runs[taskID] = r
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.runs, taskID)
			e.mu.Unlock()
			close(r.done)
		}()

		ctx := context.Background()

		e.sem <- struct{}{}
		defer func() { <-e.sem }()

		e.claimAndRun(ctx, r, mode)
	}()
}

// claimAndRun performs the ownership claim and, on success, the step loop.
func (e *Executor) claimAndRun(ctx context.Context, r *run, mode claimMode) {
	ctx, span := e.tracer.Start(ctx, "executor.run_task",
		trace.WithAttributes(attribute.String("task_id", r.taskID.String())))
	defer span.End()

	t, err := e.store.Get(ctx, r.taskID)
	if err != nil {
		e.logger.Error(ctx, "loading task for claim failed", "task_id", r.taskID, "error", err)
		return
	}

	switch mode {
	case claimStart:
		err = t.Start()
	case claimResume:
		err = t.Resume()
	case claimReclaim:
		err = t.ReclaimStale()
	}
	if err != nil {
		// The record moved on while we waited for a worker slot.
		e.logger.Info(ctx, "claim no longer applicable", "task_id", r.taskID, "status", t.Status(), "error", err)
		return
	}

	if err := e.store.CompareAndSet(ctx, t); err != nil {
		if errors.Is(err, task.ErrVersionConflict) {
			// A losing claimant backs off; the winner owns the loop.
			e.logger.Info(ctx, "lost claim race", "task_id", r.taskID)
			return
		}
		e.logger.Error(ctx, "persisting claim failed", "task_id", r.taskID, "error", err)
		return
	}

	eventType := task.EventTypeTaskStarted
	if mode == claimResume {
		eventType = task.EventTypeTaskResumed
	}
	e.publish(ctx, task.NewTaskEvent(eventType, t))

	def, err := e.registry.Resolve(t.WorkflowName())
	if err != nil {
		e.failTask(ctx, t, fmt.Sprintf("workflow %q is not registered on this node", t.WorkflowName()))
		return
	}

	startIdx := 0
	if cp := t.Checkpoint(); cp != nil {
		startIdx, err = def.IndexAfter(cp.Step())
		if err != nil {
			e.failTask(ctx, t, err.Error())
			return
		}
	}

	e.stepLoop(ctx, r, t, def, startIdx)
}

// stepLoop executes steps in order starting at startIdx. Checkpoints for a
// single task are strictly ordered because this loop is sequential; step N's
// checkpoint is never persisted before step N-1's.
func (e *Executor) stepLoop(ctx context.Context, r *run, t *task.Task, def workflow.Definition, startIdx int) {
	steps := def.Steps()

	for i := startIdx; i < len(steps); i++ {
		if stopped := e.checkSignals(ctx, r, t); stopped {
			return
		}

		step := steps[i]

		if err := t.MarkStepAttempt(step.Name); err != nil {
			e.logger.Error(ctx, "marking step attempt failed", "task_id", t.ID(), "step", step.Name, "error", err)
			return
		}
		if !e.persist(ctx, t) {
			return
		}

		output, stepErr := e.executeStep(ctx, t, step)
		if stepErr != nil {
			cont := e.handleStepFailure(ctx, r, t, step, stepErr)
			if !cont {
				return
			}
			i-- // retry the same step
			continue
		}

		if err := t.ApplyStepResult(step.Name, output, i+1, def.Len()); err != nil {
			e.logger.Error(ctx, "applying step result failed", "task_id", t.ID(), "step", step.Name, "error", err)
			return
		}
		if !e.persist(ctx, t) {
			return
		}
		e.publish(ctx, task.NewTaskEvent(task.EventTypeTaskProgressed, t))
	}

	if err := t.Complete(); err != nil {
		e.logger.Error(ctx, "completing task failed", "task_id", t.ID(), "error", err)
		return
	}
	if !e.persist(ctx, t) {
		return
	}
	e.expireTerminal(ctx, t)
	e.publish(ctx, task.NewTaskEvent(task.EventTypeTaskCompleted, t))
	e.logger.Info(ctx, "task completed", "task_id", t.ID(), "workflow", t.WorkflowName())
}

// checkSignals honors pending cancel (first) and pause requests. It returns
// true when the loop must stop.
func (e *Executor) checkSignals(ctx context.Context, r *run, t *task.Task) bool {
	pause, cancel := r.signals()

	switch {
	case cancel:
		if err := t.Cancel(); err != nil {
			e.logger.Error(ctx, "cancel transition failed", "task_id", t.ID(), "error", err)
			return true
		}
		if e.persist(ctx, t) {
			e.expireTerminal(ctx, t)
			e.publish(ctx, task.NewTaskEvent(task.EventTypeTaskCancelled, t))
			e.logger.Info(ctx, "task cancelled", "task_id", t.ID())
		}
		return true

	case pause:
		if err := t.Pause(); err != nil {
			e.logger.Error(ctx, "pause transition failed", "task_id", t.ID(), "error", err)
			return true
		}
		if e.persist(ctx, t) {
			e.publish(ctx, task.NewTaskEvent(task.EventTypeTaskPaused, t))
			e.logger.Info(ctx, "task paused", "task_id", t.ID(), "checkpoint", t.CurrentStep())
		}
		return true
	}
	return false
}

type stepResult struct {
	output map[string]any
	err    error
}

// executeStep runs one step attempt with its timeout, heartbeating the
// record while the step is in flight so the owner never looks stale
// mid-step.
func (e *Executor) executeStep(ctx context.Context, t *task.Task, step workflow.Step) (map[string]any, error) {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultStepTimeout
	}

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resCh := make(chan stepResult, 1)
	go func() {
		output, err := step.Run(stepCtx, t.State())
		resCh <- stepResult{output: output, err: err}
	}()

	hb := time.NewTicker(e.cfg.HeartbeatInterval)
	defer hb.Stop()

	for {
		select {
		case res := <-resCh:
			return res.output, res.err

		case <-hb.C:
			t.Heartbeat()
			if err := e.store.CompareAndSet(ctx, t); err != nil {
				if errors.Is(err, task.ErrVersionConflict) {
					// Someone else advanced the record: ownership is gone.
					cancel()
					<-resCh
					return nil, fmt.Errorf("ownership lost during step %q: %w", step.Name, task.ErrVersionConflict)
				}
				e.logger.Warn(ctx, "heartbeat persist failed", "task_id", t.ID(), "error", err)
			}

		case <-stepCtx.Done():
			// The step overran its budget (or the run context ended).
			// A cooperative step also returns through resCh with an error;
			// this branch covers steps that never notice the deadline.
			return nil, fmt.Errorf("step %q exceeded its time budget: %w", step.Name, stepCtx.Err())
		}
	}
}

// handleStepFailure applies the retry policy. It returns true when the loop
// should retry the step, false when the loop must stop.
func (e *Executor) handleStepFailure(ctx context.Context, r *run, t *task.Task, step workflow.Step, stepErr error) bool {
	if errors.Is(stepErr, task.ErrVersionConflict) {
		// Ownership was lost mid-step; do not touch the record again.
		e.logger.Info(ctx, "step loop stopping after ownership loss", "task_id", t.ID(), "step", step.Name)
		return false
	}

	maxRetries := step.MaxRetries
	if maxRetries <= 0 {
		maxRetries = e.cfg.DefaultMaxRetries
	}

	retries := t.IncrementRetry()
	if retries > maxRetries {
		e.failTask(ctx, t, fmt.Sprintf("step %q failed after %d retries: %v", step.Name, maxRetries, stepErr))
		return false
	}

	if !e.persist(ctx, t) {
		return false
	}

	e.logger.Warn(ctx, "step failed, retrying",
		"task_id", t.ID(),
		"step", step.Name,
		"retry", retries,
		"max_retries", maxRetries,
		"error", stepErr,
	)

	delay := retryDelay(e.cfg.RetryInitialDelay, retries)
	select {
	case <-time.After(delay):
		return true
	case <-r.poke:
		// A pause/cancel request landed during the backoff; the loop's
		// signal check handles it before the retry runs.
		return true
	case <-ctx.Done():
		return false
	}
}

// failTask transitions the task to FAILED, preserving the failure detail.
func (e *Executor) failTask(ctx context.Context, t *task.Task, errMsg string) {
	if err := t.Fail(errMsg); err != nil {
		e.logger.Error(ctx, "fail transition rejected", "task_id", t.ID(), "error", err)
		return
	}
	if e.persist(ctx, t) {
		e.expireTerminal(ctx, t)
		e.publish(ctx, task.NewTaskEvent(task.EventTypeTaskFailed, t))
		e.logger.Error(ctx, "task failed", "task_id", t.ID(), "error", errMsg)
	}
}

// persist writes the task via compare-and-set, retrying transient store
// unavailability with exponential backoff. It returns false when the loop
// must stop: either ownership was lost or the store stayed unreachable past
// the persist budget.
func (e *Executor) persist(ctx context.Context, t *task.Task) bool {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 100 * time.Millisecond
	expBackoff.MaxElapsedTime = e.cfg.StorePersistTimeout

	err := backoff.Retry(func() error {
		err := e.store.CompareAndSet(ctx, t)
		if errors.Is(err, task.ErrStoreUnavailable) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(expBackoff, ctx))

	if err == nil {
		return true
	}

	if perm := new(backoff.PermanentError); errors.As(err, &perm) {
		err = perm.Err
	}

	if errors.Is(err, task.ErrVersionConflict) {
		e.onOwnershipConflict(ctx, t)
		return false
	}

	e.logger.Error(ctx, "persisting task failed", "task_id", t.ID(), "error", err)
	return false
}

// onOwnershipConflict handles a lost compare-and-set: the record was written
// by someone else. Usually that is the control surface transitioning the task
// to PAUSED or CANCELLED; the loop logs what it found and stands down either
// way.
func (e *Executor) onOwnershipConflict(ctx context.Context, t *task.Task) {
	current, err := e.store.Get(ctx, t.ID())
	if err != nil {
		e.logger.Warn(ctx, "re-reading task after version conflict failed", "task_id", t.ID(), "error", err)
		return
	}
	e.logger.Info(ctx, "step loop standing down after external write",
		"task_id", t.ID(),
		"status", current.Status(),
	)
}

// expireTerminal stamps the retention window on a terminal task. Failure to
// expire is logged, not fatal; the record simply lingers.
func (e *Executor) expireTerminal(ctx context.Context, t *task.Task) {
	if err := e.store.ExpireTerminal(ctx, t.ID(), e.cfg.Retention); err != nil {
		e.logger.Warn(ctx, "applying retention window failed", "task_id", t.ID(), "error", err)
	}
}

func (e *Executor) publish(ctx context.Context, event events.DomainEvent) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.PublishDomainEvent(ctx, event); err != nil {
		e.logger.Warn(ctx, "publishing task event failed", "event_type", event.Type, "key", event.Key, "error", err)
	}
}

// retryDelay computes the capped exponential delay for the nth retry.
func retryDelay(initial time.Duration, retry int) time.Duration {
	delay := initial
	for i := 1; i < retry; i++ {
		delay *= 2
		if delay > 30*time.Second {
			return 30 * time.Second
		}
	}
	return delay
}
