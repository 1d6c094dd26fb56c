// Package memory provides an in-process implementation of the event bus.
// Progress fanout in this system is strictly node-local (a subscriber talks
// to the node that owns its task), so the bus never crosses process
// boundaries and needs no broker.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/taskmesh/taskmesh/internal/domain/events"
)

// Ensure Bus implements events.EventBus at compile time.
var _ events.EventBus = (*Bus)(nil)

type subscription struct {
	id      int
	types   map[events.EventType]struct{}
	handler events.HandlerFunc
}

// Bus is an in-process event bus. Handlers run synchronously on the
// publisher's goroutine; subscribers that need isolation hand off internally.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscription
	closed bool
}

// NewBus creates an empty in-process event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscription)}
}

// PublishDomainEvent delivers the event to every subscription registered for
// its type. Handler errors do not stop delivery to other handlers; the first
// error is returned after fanout completes.
func (b *Bus) PublishDomainEvent(ctx context.Context, event events.DomainEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errors.New("event bus is closed")
	}
	// Copy matching handlers so we never hold the lock while executing them.
	var handlers []events.HandlerFunc
	for _, sub := range b.subs {
		if _, ok := sub.types[event.Type]; ok {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.RUnlock()

	var firstErr error
	for _, h := range handlers {
		if err := h(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Subscribe registers a handler for the given event types until the context
// is canceled.
func (b *Bus) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	types := make(map[events.EventType]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = struct{}{}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("event bus is closed")
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = &subscription{id: id, types: types, handler: handler}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}()

	return nil
}

// Close shuts down the bus; subsequent publishes fail.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[int]*subscription)
	return nil
}
