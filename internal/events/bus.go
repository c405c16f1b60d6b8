// Package events fans session events out to connected candidates.
package events

import (
	"context"
	"sync"

	"github.com/terra-clan/assessment-engine/internal/models"
)

// Bus publishes session events and lets readers follow one session.
type Bus interface {
	Publish(ctx context.Context, event models.SessionEvent) error
	// Subscribe returns a channel of events for sessionID. The caller must
	// invoke the returned cancel function to release the subscription.
	Subscribe(ctx context.Context, sessionID string) (<-chan models.SessionEvent, func(), error)
}

const subscriberBuffer = 16

// MemoryBus delivers events within one process
type MemoryBus struct {
	mu          sync.Mutex
	subscribers map[string]map[chan models.SessionEvent]struct{}
}

// NewMemoryBus creates an in-process bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subscribers: make(map[string]map[chan models.SessionEvent]struct{}),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, event models.SessionEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subscribers[event.SessionID] {
		deliver(ch, event)
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, sessionID string) (<-chan models.SessionEvent, func(), error) {
	ch := make(chan models.SessionEvent, subscriberBuffer)

	b.mu.Lock()
	if b.subscribers[sessionID] == nil {
		b.subscribers[sessionID] = make(map[chan models.SessionEvent]struct{})
	}
	b.subscribers[sessionID][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[sessionID]
		if _, ok := subs[ch]; ok {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(b.subscribers, sessionID)
		}
	}
	return ch, cancel, nil
}

// deliver never blocks: a full subscriber loses its oldest event, so the
// newest (e.g. a terminal transition) always gets through.
func deliver(ch chan models.SessionEvent, event models.SessionEvent) {
	select {
	case ch <- event:
		return
	default:
	}

	select {
	case <-ch:
	default:
	}

	select {
	case ch <- event:
	default:
	}
}
