package events

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terra-clan/assessment-engine/internal/models"
)

func receive(t *testing.T, ch <-chan models.SessionEvent) models.SessionEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return models.SessionEvent{}
}

func testBus(t *testing.T, bus Bus) {
	ctx := context.Background()

	events, cancel, err := bus.Subscribe(ctx, "s1")
	require.NoError(t, err)

	other, cancelOther, err := bus.Subscribe(ctx, "s2")
	require.NoError(t, err)
	defer cancelOther()

	require.NoError(t, bus.Publish(ctx, models.SessionEvent{Type: models.EventSessionTick, SessionID: "s1", RemainingMinutes: 3}))
	require.NoError(t, bus.Publish(ctx, models.SessionEvent{Type: models.EventSessionExpired, SessionID: "s1", Status: models.SessionExpired, RequiresRefresh: true}))

	first := receive(t, events)
	assert.Equal(t, models.EventSessionTick, first.Type)
	assert.Equal(t, 3, first.RemainingMinutes)

	second := receive(t, events)
	assert.Equal(t, models.EventSessionExpired, second.Type)
	assert.True(t, second.RequiresRefresh)

	select {
	case ev := <-other:
		t.Fatalf("unexpected event for other session: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	cancel()
	assert.Eventually(t, func() bool {
		_, ok := <-events
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMemoryBus(t *testing.T) {
	testBus(t, NewMemoryBus())
}

func TestRedisBus(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	testBus(t, NewRedisBus(client))
}

func TestMemoryBus_SlowSubscriberKeepsNewest(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()

	events, cancel, err := bus.Subscribe(ctx, "s1")
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < subscriberBuffer+5; i++ {
		require.NoError(t, bus.Publish(ctx, models.SessionEvent{Type: models.EventSessionTick, SessionID: "s1", RemainingMinutes: i}))
	}
	require.NoError(t, bus.Publish(ctx, models.SessionEvent{Type: models.EventSessionExpired, SessionID: "s1"}))

	var last models.SessionEvent
	for len(events) > 0 {
		last = <-events
	}
	assert.Equal(t, models.EventSessionExpired, last.Type)
}
