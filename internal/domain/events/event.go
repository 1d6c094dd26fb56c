// Package events provides domain event handling capabilities for communicating state changes
// and important activities across component boundaries in a decoupled way.
package events

import "time"

// EventType represents a domain event category, enabling type-safe event routing
// and handling.
type EventType string

// DomainEvent encapsulates all event data flowing through the system, providing
// a standardized format for event processing and distribution.
type DomainEvent struct {
	// Type identifies the category of this event for routing and handling.
	Type EventType

	// Key enables consistent event routing, typically containing a business
	// identifier like a task ID that events can be grouped by.
	Key string

	// Timestamp records when this event was created.
	Timestamp time.Time

	// Payload contains the actual event data. The concrete type depends on
	// the EventType.
	Payload any
}
