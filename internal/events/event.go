// Package events carries gateway notifications from the router link and
// the services to downstream sessions. A single dispatcher goroutine
// drains a bounded queue and offers each event to matching subscribers.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Event type strings. The client-facing ones double as JSON-RPC
// notification method names.
const (
	TellReceived     = "tell_received"
	EmotetoReceived  = "emoteto_received"
	ChannelMessage   = "channel_message"
	ChannelEmote     = "channel_emote"
	ChannelJoined    = "channel_joined"
	ChannelLeft      = "channel_left"
	MudOnline        = "mud_online"
	MudOffline       = "mud_offline"
	GatewayReconnect = "gateway_reconnected"
	ErrorOccurred    = "error_occurred"
	RateLimitWarning = "rate_limit_warning"

	// Internal observability stream from the router link.
	RouterState       = "gateway.router.state"
	RouterLatency     = "gateway.router.latency"
	RouterUnreachable = "gateway.router.unreachable"
	Backpressure      = "gateway.backpressure"
	ShutdownComplete  = "shutdown_complete"
)

// Priority bounds. Higher numbers survive offline queue pressure longer.
const (
	PriorityMin     = 1
	PriorityDefault = 5
	PriorityMax     = 10
)

// Event is one notification in flight. Routing fields are hints for
// Subscriber.Wants; Payload is what reaches the client verbatim.
type Event struct {
	ID        string
	Type      string
	Payload   map[string]interface{}
	Priority  int
	CreatedAt time.Time
	ExpiresAt time.Time // zero value: never expires

	// Routing hints. Zero values mean "not scoped by this dimension".
	Channel    string
	TargetMud  string
	TargetUser string
	Broadcast  bool

	// PermissionTag gates delivery on the session's granted methods.
	PermissionTag string
}

// New builds an event with a fresh id, default priority, and a 5 minute
// expiry. Callers adjust fields before publishing.
func New(eventType string, payload map[string]interface{}) *Event {
	now := time.Now()
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   payload,
		Priority:  PriorityDefault,
		CreatedAt: now,
		ExpiresAt: now.Add(5 * time.Minute),
	}
}

// NewSticky builds an event that never expires, used for connection and
// disconnection notices.
func NewSticky(eventType string, payload map[string]interface{}) *Event {
	ev := New(eventType, payload)
	ev.ExpiresAt = time.Time{}
	return ev
}

// Expired reports whether the event's delivery window has passed.
func (e *Event) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// clampPriority keeps priorities inside [PriorityMin, PriorityMax].
func clampPriority(p int) int {
	if p < PriorityMin {
		return PriorityMin
	}
	if p > PriorityMax {
		return PriorityMax
	}
	return p
}
