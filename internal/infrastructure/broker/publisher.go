package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"avfuel/internal/core/id"
	"avfuel/internal/infrastructure/storage/postgres"
)

// Envelope is the JSON published for each outbox message.
type Envelope struct {
	ID            id.ID           `json:"id"`
	AggregateType string          `json:"aggregateType"`
	AggregateID   id.ID           `json:"aggregateId"`
	EventType     string          `json:"eventType"`
	OccurredAt    time.Time       `json:"occurredAt"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope wraps an outbox row.
func NewEnvelope(msg *postgres.OutboxMessage) Envelope {
	return Envelope{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		OccurredAt:    msg.CreatedAt,
		Payload:       json.RawMessage(msg.Payload),
	}
}

// Channel is the Redis channel an event type goes to.
func Channel(prefix, eventType string) string {
	return prefix + ":" + eventType
}

var _ postgres.OutboxHandler = (*ChannelPublisher)(nil)

// ChannelPublisher delivers outbox messages with Redis PUBLISH.
type ChannelPublisher struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewChannelPublisher creates a publisher for channels under prefix.
func NewChannelPublisher(rdb redis.UniversalClient, prefix string) *ChannelPublisher {
	return &ChannelPublisher{rdb: rdb, prefix: prefix}
}

// Handle publishes one message.
func (p *ChannelPublisher) Handle(ctx context.Context, msg *postgres.OutboxMessage) error {
	body, err := json.Marshal(NewEnvelope(msg))
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := p.rdb.Publish(ctx, Channel(p.prefix, msg.EventType), body).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", msg.EventType, err)
	}
	return nil
}
