// Package event defines domain events written through the transactional outbox.
package event

import (
	"context"

	"avfuel/internal/core/id"
)

// Event is a domain event to be delivered after the surrounding transaction commits.
type Event struct {
	AggregateType string
	AggregateID   id.ID
	EventType     string
	Payload       any
}

// Publisher records an event in the current transaction.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}
