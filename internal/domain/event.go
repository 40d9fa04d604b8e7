package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Topic is the routing key used by the event bus to group events for
// delivery to interested subscribers.
type Topic string

const (
	// TopicGatewayStatus carries connection state transitions and periodic
	// status snapshots.
	TopicGatewayStatus Topic = "gateway.status"

	// TopicGatewayEvent carries unsolicited gateway events that are not
	// scoped to an exec session (chat activity, agent lifecycle, health).
	TopicGatewayEvent Topic = "gateway.event"
)

// ExecTopic returns the per-session topic for an exec session's event feed.
// The key is the local session id, not the gateway-assigned exec id: local
// handles stay stable even though reconnects invalidate the gateway side.
func ExecTopic(sessionID string) Topic {
	return Topic("exec." + sessionID)
}

// Event is the envelope published on the event bus.
type Event struct {
	Topic     Topic           `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received. Handlers are
// called synchronously in publish order and must not block; a handler that
// needs to do slow work should hand the event off to its own goroutine.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for events flowing from
// the gateway connection to browser-facing channels.
type EventBus interface {
	// Publish delivers an event to every subscriber of its topic. Events
	// published on a topic with zero subscribers are dropped.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a single topic.
	// Returns an unsubscribe function.
	Subscribe(topic Topic, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close prevents new publishes.
	Close()
}
