package agent

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueueEnqueueAndDrain(t *testing.T) {
	q := NewEventQueue(zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, q.EnqueueSystemEvent(ctx, "main", "main", "first"))
	require.NoError(t, q.EnqueueSystemEvent(ctx, "main", "main", "second"))
	assert.Equal(t, 2, q.Pending())

	events := q.Drain()
	require.Len(t, events, 2)
	assert.Equal(t, "first", events[0].Text)
	assert.Equal(t, "second", events[1].Text)
	assert.NotZero(t, events[0].TsMs)
	assert.Zero(t, q.Pending())
	assert.Empty(t, q.Drain())
}

func TestEventQueueFull(t *testing.T) {
	q := NewEventQueue(zerolog.Nop())
	q.cap = 2
	ctx := context.Background()

	require.NoError(t, q.EnqueueSystemEvent(ctx, "main", "main", "a"))
	require.NoError(t, q.EnqueueSystemEvent(ctx, "main", "main", "b"))
	err := q.EnqueueSystemEvent(ctx, "main", "main", "c")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event queue full")
	assert.Equal(t, 2, q.Pending())
}

func TestWakeHeartbeatCoalesces(t *testing.T) {
	q := NewEventQueue(zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, q.WakeHeartbeat(ctx, "main", "cron"))
	require.NoError(t, q.WakeHeartbeat(ctx, "main", "cron"))
	require.NoError(t, q.WakeHeartbeat(ctx, "main", "cron"))

	select {
	case reason := <-q.Wake():
		assert.Equal(t, "cron", reason)
	default:
		t.Fatal("expected a pending wake")
	}

	select {
	case <-q.Wake():
		t.Fatal("wakes should coalesce into one")
	default:
	}
}
