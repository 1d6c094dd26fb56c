package executor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/internal/domain/task"
	"github.com/taskmesh/taskmesh/pkg/common/logger"
)

// Router answers which node owns a routing key. Satisfied by the consistent
// hash ring.
type Router interface {
	Route(key string) (string, error)
}

// Supervisor periodically scans the store for tasks this node should be
// driving but is not: RUNNING tasks whose owner stopped heartbeating, and
// PENDING tasks that were never claimed (typically orphans of a crashed
// node, picked up here after the ring rebalances).
type Supervisor struct {
	executor *Executor
	store    task.Store
	router   Router
	nodeID   string
	interval time.Duration
	logger   *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSupervisor creates a Supervisor scanning at the given interval.
func NewSupervisor(
	exec *Executor,
	store task.Store,
	router Router,
	nodeID string,
	interval time.Duration,
	log *logger.Logger,
) *Supervisor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Supervisor{
		executor: exec,
		store:    store,
		router:   router,
		nodeID:   nodeID,
		interval: interval,
		logger:   log.With("component", "task_supervisor", "node_id", nodeID),
		done:     make(chan struct{}),
	}
}

// Start launches the scan loop. It returns immediately.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.scan(ctx)
			}
		}
	}()
}

// Stop halts the scan loop and waits for the in-flight scan to finish.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

func (s *Supervisor) scan(ctx context.Context) {
	s.reclaimStale(ctx)
	s.adoptPending(ctx)
}

// reclaimStale resumes RUNNING tasks routed to this node whose updated_at
// fell behind the staleness threshold. The resume path re-checks staleness
// and claims through compare-and-set, so a healthy owner is never displaced
// even if two supervisors race here.
func (s *Supervisor) reclaimStale(ctx context.Context) {
	running, err := s.store.List(ctx, task.ListFilter{Status: task.StatusRunning})
	if err != nil {
		s.logger.Warn(ctx, "listing running tasks failed", "error", err)
		return
	}

	now := time.Now().UTC()
	for _, t := range running {
		if !s.owns(t.ID()) || s.executor.IsLocal(t.ID()) {
			continue
		}
		if !t.IsStale(s.executor.cfg.StalenessThreshold, now) {
			continue
		}

		s.logger.Warn(ctx, "reclaiming stale task",
			"task_id", t.ID(),
			"last_updated", t.UpdatedAt(),
		)
		if _, err := s.executor.Resume(ctx, t.ID()); err != nil {
			s.logger.Warn(ctx, "reclaim failed", "task_id", t.ID(), "error", err)
		}
	}
}

// adoptPending starts PENDING tasks routed to this node that no loop is
// driving. Start claims via compare-and-set, so a concurrent claim elsewhere
// simply wins the race.
func (s *Supervisor) adoptPending(ctx context.Context) {
	pending, err := s.store.List(ctx, task.ListFilter{Status: task.StatusPending})
	if err != nil {
		s.logger.Warn(ctx, "listing pending tasks failed", "error", err)
		return
	}

	for _, t := range pending {
		if !s.owns(t.ID()) || s.executor.IsLocal(t.ID()) {
			continue
		}
		if err := s.executor.Start(ctx, t.ID()); err != nil {
			s.logger.Warn(ctx, "adopting pending task failed", "task_id", t.ID(), "error", err)
		}
	}
}

func (s *Supervisor) owns(taskID uuid.UUID) bool {
	owner, err := s.router.Route(taskID.String())
	if err != nil {
		return false
	}
	return owner == s.nodeID
}
