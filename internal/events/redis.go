package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/terra-clan/assessment-engine/internal/models"
)

// RedisBus carries session events over Redis pub/sub so that every API
// replica can serve a candidate's stream.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus creates a bus on top of client
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) Publish(ctx context.Context, event models.SessionEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := b.client.Publish(ctx, channel(event.SessionID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe returns once the subscription is confirmed by Redis, so events
// published afterwards are not missed.
func (b *RedisBus) Subscribe(ctx context.Context, sessionID string) (<-chan models.SessionEvent, func(), error) {
	pubsub := b.client.Subscribe(ctx, channel(sessionID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan models.SessionEvent, subscriberBuffer)
	done := make(chan struct{})
	var once sync.Once

	go func() {
		defer close(out)
		msgs := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event models.SessionEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					slog.Warn("dropping malformed session event", "session_id", sessionID, "error", err)
					continue
				}
				deliver(out, event)
			}
		}
	}()

	cancel := func() {
		once.Do(func() {
			close(done)
			pubsub.Close()
		})
	}
	return out, cancel, nil
}

func channel(sessionID string) string {
	return "session:" + sessionID + ":events"
}
