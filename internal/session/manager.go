// Package session manages node-local subscriptions to task progress. A
// subscription is valid only on the node that owns the task under the hash
// ring; fanout never crosses nodes, so a client that lands elsewhere is told
// where to go rather than silently served stale data.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/internal/domain/events"
	"github.com/taskmesh/taskmesh/internal/domain/task"
	"github.com/taskmesh/taskmesh/pkg/common/logger"
)

// ErrNotLocalOwner is returned when a subscription is requested on a node
// that does not own the task under the hash ring.
var ErrNotLocalOwner = errors.New("task is not owned by this node")

// Router reports ring ownership for a routing key.
type Router interface {
	Route(key string) (string, error)
}

// Subscription is a live feed of events for one task. The first message is
// always a snapshot of the task's current state, so a late subscriber does
// not start blind.
type Subscription struct {
	id     int
	taskID uuid.UUID
	ch     chan events.DomainEvent

	once   sync.Once
	closed chan struct{}
}

// Events returns the receive side of the feed. The channel closes when the
// subscription ends.
func (s *Subscription) Events() <-chan events.DomainEvent { return s.ch }

func (s *Subscription) close() {
	s.once.Do(func() {
		close(s.closed)
		close(s.ch)
	})
}

// Manager tracks subscribers per task and fans task events out to them.
type Manager struct {
	nodeID string
	router Router
	store  task.Store
	logger *logger.Logger

	// bufferSize is the per-subscriber channel depth; a subscriber that
	// falls further behind than this starts missing events.
	bufferSize int

	mu     sync.RWMutex
	nextID int
	subs   map[uuid.UUID]map[int]*Subscription
}

// NewManager creates a Manager. bufferSize <= 0 selects the default of 16.
func NewManager(nodeID string, router Router, store task.Store, bufferSize int, log *logger.Logger) *Manager {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &Manager{
		nodeID:     nodeID,
		router:     router,
		store:      store,
		logger:     log.With("component", "session_manager", "node_id", nodeID),
		bufferSize: bufferSize,
		subs:       make(map[uuid.UUID]map[int]*Subscription),
	}
}

// Subscribe registers a subscriber for the task's events. The task must be
// routed to this node; otherwise ErrNotLocalOwner is returned and the caller
// should redirect the client to the owner. The returned subscription's first
// event is a snapshot of the task as currently persisted, followed by live
// events in the order they are published.
func (m *Manager) Subscribe(ctx context.Context, taskID uuid.UUID) (*Subscription, error) {
	owner, err := m.router.Route(taskID.String())
	if err != nil {
		return nil, fmt.Errorf("routing task %s: %w", taskID, err)
	}
	if owner != m.nodeID {
		return nil, fmt.Errorf("%w: owner is %s", ErrNotLocalOwner, owner)
	}

	t, err := m.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		taskID: taskID,
		ch:     make(chan events.DomainEvent, m.bufferSize),
		closed: make(chan struct{}),
	}

	// The snapshot goes into the buffer before the subscription is
	// registered, so no live event can be observed ahead of it.
	sub.ch <- events.DomainEvent{
		Type:      task.EventTypeForStatus(t.Status()),
		Key:       taskID.String(),
		Timestamp: t.UpdatedAt(),
		Payload:   t.Snapshot(),
	}

	m.mu.Lock()
	m.nextID++
	sub.id = m.nextID
	if m.subs[taskID] == nil {
		m.subs[taskID] = make(map[int]*Subscription)
	}
	m.subs[taskID][sub.id] = sub
	m.mu.Unlock()

	m.logger.Debug(ctx, "subscriber attached", "task_id", taskID, "subscription_id", sub.id)
	return sub, nil
}

// Unsubscribe detaches the subscription and closes its channel. Safe to call
// more than once.
func (m *Manager) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if byID, ok := m.subs[sub.taskID]; ok {
		delete(byID, sub.id)
		if len(byID) == 0 {
			delete(m.subs, sub.taskID)
		}
	}
	sub.close()
}

// Publish fans an event out to the task's subscribers. Delivery is
// non-blocking: a subscriber whose buffer is full misses the event rather
// than stalling the publisher or its peers.
func (m *Manager) Publish(ctx context.Context, event events.DomainEvent) error {
	taskID, err := uuid.Parse(event.Key)
	if err != nil {
		return fmt.Errorf("event key is not a task ID: %w", err)
	}

	// Sends happen under the read lock while closes happen under the write
	// lock, so a send can never race a channel close.
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, sub := range m.subs[taskID] {
		select {
		case sub.ch <- event:
		default:
			m.logger.Warn(ctx, "subscriber channel full, skipping",
				"task_id", taskID,
				"subscription_id", sub.id,
				"event_type", event.Type,
			)
		}
	}
	return nil
}

// SubscriberCount reports the live subscriber count for a task.
func (m *Manager) SubscriberCount(taskID uuid.UUID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[taskID])
}

// Close detaches every subscriber, closing their channels.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for taskID, byID := range m.subs {
		for _, sub := range byID {
			sub.close()
		}
		delete(m.subs, taskID)
	}
}
