package events

import "context"

// HandlerFunc processes a single domain event delivered by an EventBus.
type HandlerFunc func(ctx context.Context, event DomainEvent) error

// DomainEventPublisher publishes domain events to notify other parts of the
// system about important domain changes. It provides a technology-agnostic
// interface to decouple event producers from the underlying delivery
// infrastructure.
type DomainEventPublisher interface {
	// PublishDomainEvent sends a domain event to interested subscribers.
	// Returns an error if publishing fails.
	PublishDomainEvent(ctx context.Context, event DomainEvent) error
}

// EventBus enables publishing and subscribing to domain events across
// component boundaries. It abstracts delivery details to keep domain logic
// focused on business concerns rather than transport mechanisms.
type EventBus interface {
	DomainEventPublisher

	// Subscribe registers a handler function to process events of the
	// specified types. The handler executes for each matching event received
	// on this bus until the context is canceled.
	Subscribe(ctx context.Context, eventTypes []EventType, handler HandlerFunc) error

	// Close gracefully shuts down the event bus and releases associated
	// resources.
	Close() error
}
