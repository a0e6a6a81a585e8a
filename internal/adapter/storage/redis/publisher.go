package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"webhook-ingestion-service/internal/core/domain"

	goredis "github.com/redis/go-redis/v9"
)

// Publisher implements ports.EventPublisher over Redis pub/sub. Delivery to
// consumers is best-effort relative to the durable completed transition; a
// publish failure is the caller's to log, never to roll back.
type Publisher struct {
	client *goredis.Client
}

// NewPublisher creates a Redis-backed event publisher.
func NewPublisher(client *goredis.Client) *Publisher {
	return &Publisher{client: client}
}

// Publish sends the JSON-encoded envelope on the given channel.
func (p *Publisher) Publish(ctx context.Context, channel string, envelope domain.EventEnvelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}
