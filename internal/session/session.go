package session

import (
	"strings"
	"sync"
	"time"

	"github.com/luminarimud/i3-gateway/internal/auth"
	"github.com/luminarimud/i3-gateway/internal/events"
)

// Transport names as reported in session stats.
const (
	TransportWebSocket = "websocket"
	TransportTCP       = "tcp"
)

// SendFunc delivers an event to the live connection. It must not block;
// it reports false when the connection's send queue is full or closed.
type SendFunc func(ev *events.Event) bool

// Counters is a snapshot of per-session activity.
type Counters struct {
	Requests        uint64 `json:"requests"`
	Errors          uint64 `json:"errors"`
	EventsDelivered uint64 `json:"events_delivered"`
	EventsQueued    uint64 `json:"events_queued"`
	BytesIn         uint64 `json:"bytes_in"`
	BytesOut        uint64 `json:"bytes_out"`
}

// Session is one authenticated API client. A session survives its
// transport connection: when the connection drops the session detaches
// and buffers events until the client resumes or the session expires.
type Session struct {
	ID          string
	MudName     string
	KeyID       string
	Permissions auth.PermissionSet
	CreatedAt   time.Time

	mu           sync.Mutex
	transport    string
	connected    bool
	send         SendFunc
	lastActivity time.Time
	channels     map[string]bool
	eventFilter  map[string]bool
	queue        *OfflineQueue
	counters     Counters

	// onQueueChange observes offline queue growth for gauge upkeep.
	onQueueChange func(delta int, dropped int)
}

// Touch records client activity, deferring expiry.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the most recent request or attach time.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Connected reports whether a live connection is attached.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Transport returns the transport of the current or last connection.
func (s *Session) Transport() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// Attach binds a live connection. Buffered events drain to the new
// connection, highest priority first, before live delivery resumes.
// Holding the lock across the drain keeps concurrent Offers behind the
// backlog.
func (s *Session) Attach(transport string, send SendFunc) int {
	s.mu.Lock()
	backlog := s.queue.Drain()
	delivered := 0
	for _, ev := range backlog {
		if send(ev) {
			delivered++
		}
	}
	s.counters.EventsDelivered += uint64(delivered)
	s.transport = transport
	s.send = send
	s.connected = true
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if s.onQueueChange != nil && len(backlog) > 0 {
		s.onQueueChange(-len(backlog), 0)
	}
	return delivered
}

// Detach unbinds the connection; events queue until resume or expiry.
func (s *Session) Detach() {
	s.mu.Lock()
	s.connected = false
	s.send = nil
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// ============================================================================
// SUBSCRIPTIONS
// ============================================================================

// SubscribeChannel marks the session as listening to an I3 channel.
// Channel names are case-insensitive.
func (s *Session) SubscribeChannel(channel string) {
	s.mu.Lock()
	s.channels[strings.ToLower(channel)] = true
	s.mu.Unlock()
}

// UnsubscribeChannel stops channel delivery for this session.
func (s *Session) UnsubscribeChannel(channel string) {
	s.mu.Lock()
	delete(s.channels, strings.ToLower(channel))
	s.mu.Unlock()
}

// SetEventFilter restricts delivery to the named event types. An empty
// list clears the filter and delivers everything.
func (s *Session) SetEventFilter(types []string) {
	filter := make(map[string]bool, len(types))
	for _, t := range types {
		if t = strings.TrimSpace(t); t != "" {
			filter[t] = true
		}
	}
	s.mu.Lock()
	s.eventFilter = filter
	s.mu.Unlock()
}

// Channels returns the subscribed channel names.
func (s *Session) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	return out
}

// ============================================================================
// EVENT DELIVERY (events.Subscriber)
// ============================================================================

// Wants reports whether this session should receive the event. Routing
// hints narrow delivery: channel events require a subscription, targeted
// events require a matching MUD name, and tagged events require the
// session's key to hold the permission.
func (s *Session) Wants(ev *events.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.PermissionTag != "" && !s.Permissions.Allows(ev.PermissionTag) {
		return false
	}
	if len(s.eventFilter) > 0 && !s.eventFilter[ev.Type] {
		return false
	}
	switch {
	case ev.Broadcast:
		return true
	case ev.Channel != "":
		return s.channels[strings.ToLower(ev.Channel)]
	case ev.TargetMud != "":
		return strings.EqualFold(ev.TargetMud, s.MudName)
	}
	return true
}

// Offer delivers the event to the live connection, or queues it when the
// session is detached or the connection cannot take it. Never blocks.
func (s *Session) Offer(ev *events.Event) {
	s.mu.Lock()
	send := s.send
	live := s.connected
	s.mu.Unlock()

	if live && send != nil && send(ev) {
		s.mu.Lock()
		s.counters.EventsDelivered++
		s.mu.Unlock()
		return
	}

	accepted, evicted := s.queue.Push(ev)
	if accepted {
		s.mu.Lock()
		s.counters.EventsQueued++
		s.mu.Unlock()
	}
	if s.onQueueChange != nil {
		delta := 0
		if accepted {
			delta = 1 - evicted
		}
		dropped := evicted
		if !accepted {
			dropped = 1
		}
		s.onQueueChange(delta, dropped)
	}
}

// QueueLen returns the current offline backlog size.
func (s *Session) QueueLen() int { return s.queue.Len() }

// PruneQueue drops expired queued events and returns how many went.
func (s *Session) PruneQueue() int {
	pruned := s.queue.Prune()
	if pruned > 0 && s.onQueueChange != nil {
		s.onQueueChange(-pruned, pruned)
	}
	return pruned
}

// ============================================================================
// COUNTERS
// ============================================================================

// CountRequest tallies one handled request, optionally as an error.
func (s *Session) CountRequest(failed bool) {
	s.mu.Lock()
	s.counters.Requests++
	if failed {
		s.counters.Errors++
	}
	s.mu.Unlock()
}

// AddBytes accumulates transport byte counts.
func (s *Session) AddBytes(in, out uint64) {
	s.mu.Lock()
	s.counters.BytesIn += in
	s.counters.BytesOut += out
	s.mu.Unlock()
}

// Counters returns a snapshot of the session's activity counters.
func (s *Session) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

// Stats summarizes the session for the status API.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	channels := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		channels = append(channels, ch)
	}
	return Stats{
		ID:           s.ID,
		MudName:      s.MudName,
		KeyID:        s.KeyID,
		Transport:    s.transport,
		Connected:    s.connected,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
		Channels:     channels,
		QueueLen:     s.queue.Len(),
		Counters:     s.counters,
	}
}

// Stats is the external view of a session.
type Stats struct {
	ID           string    `json:"id"`
	MudName      string    `json:"mud_name"`
	KeyID        string    `json:"key_id"`
	Transport    string    `json:"transport"`
	Connected    bool      `json:"connected"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Channels     []string  `json:"channels"`
	QueueLen     int       `json:"queue_len"`
	Counters     Counters  `json:"counters"`
}
