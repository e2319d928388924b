// Package agent holds the narrow contracts the cron pipeline needs from the
// agent runtime: a system-event queue with heartbeat wakes, and a runner for
// isolated turns.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SystemEvent is one queued main-session event.
type SystemEvent struct {
	AgentID    string `json:"agentId"`
	SessionKey string `json:"sessionKey"`
	Text       string `json:"text"`
	TsMs       int64  `json:"tsMs"`
}

const defaultQueueCapacity = 1024

// EventQueue buffers system events for the main agent session and exposes a
// wake channel the heartbeat loop selects on. It satisfies cron.EventSink.
type EventQueue struct {
	mu     sync.Mutex
	events []SystemEvent
	cap    int
	wake   chan string
	log    zerolog.Logger
}

func NewEventQueue(logger zerolog.Logger) *EventQueue {
	return &EventQueue{
		cap:  defaultQueueCapacity,
		wake: make(chan string, 1),
		log:  logger.With().Str("component", "agent-events").Logger(),
	}
}

// EnqueueSystemEvent appends an event for the agent loop to drain.
func (q *EventQueue) EnqueueSystemEvent(_ context.Context, agentID, sessionKey, text string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) >= q.cap {
		return fmt.Errorf("event queue full (%d events)", q.cap)
	}
	q.events = append(q.events, SystemEvent{
		AgentID:    agentID,
		SessionKey: sessionKey,
		Text:       text,
		TsMs:       time.Now().UnixMilli(),
	})
	q.log.Debug().Str("agentId", agentID).Str("sessionKey", sessionKey).Msg("system event queued")
	return nil
}

// WakeHeartbeat nudges the heartbeat loop. The channel holds one pending
// wake; further wakes coalesce.
func (q *EventQueue) WakeHeartbeat(_ context.Context, agentID, reason string) error {
	select {
	case q.wake <- reason:
	default:
	}
	q.log.Debug().Str("agentId", agentID).Str("reason", reason).Msg("heartbeat wake requested")
	return nil
}

// Wake exposes the wake channel for the consuming loop.
func (q *EventQueue) Wake() <-chan string {
	return q.wake
}

// Drain removes and returns all queued events.
func (q *EventQueue) Drain() []SystemEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	events := q.events
	q.events = nil
	return events
}

// Pending reports the queue depth.
func (q *EventQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
