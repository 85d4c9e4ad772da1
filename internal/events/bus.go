package events

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luminarimud/i3-gateway/internal/metrics"
)

// DefaultQueueSize bounds the central dispatch queue.
const DefaultQueueSize = 1024

// Subscriber receives events. Wants filters; Offer must never block: the
// implementation parks the event in an offline queue or drops it when the
// session cannot take it right now.
type Subscriber interface {
	Wants(ev *Event) bool
	Offer(ev *Event)
}

// Bus fans events out to subscribers from one dispatcher goroutine, so
// delivery order per subscriber follows publish order.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]Subscriber

	queue   chan *Event
	dropped atomic.Uint64

	metrics *metrics.Metrics
	logger  *log.Logger
}

// NewBus builds a bus with the given queue size (0 selects the default).
func NewBus(queueSize int, m *metrics.Metrics) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subscribers: make(map[string]Subscriber),
		queue:       make(chan *Event, queueSize),
		metrics:     m,
		logger:      log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
	}
}

// Subscribe registers sub under id, replacing any previous registration.
func (b *Bus) Subscribe(id string, sub Subscriber) {
	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()
}

// Unsubscribe removes the registration for id.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subscribers, id)
	b.mu.Unlock()
}

// SubscriberCount returns the number of registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Publish enqueues an event without blocking. A full queue drops the
// event and returns false.
func (b *Bus) Publish(ev *Event) bool {
	ev.Priority = clampPriority(ev.Priority)

	select {
	case b.queue <- ev:
		return true
	default:
		b.dropped.Add(1)
		b.metrics.RecordEventDropped("bus_full")
		b.logger.Printf("queue full, dropped %s event %s", ev.Type, ev.ID)
		return false
	}
}

// Dropped returns how many events the full queue has discarded.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Run dispatches queued events until ctx is canceled.
func (b *Bus) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-b.queue:
			b.dispatch(ev)
		}
	}
}

func (b *Bus) dispatch(ev *Event) {
	if ev.Expired(time.Now()) {
		b.metrics.RecordEventDropped("expired")
		return
	}

	b.mu.RLock()
	targets := make([]Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.Wants(ev) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	// Offer outside the lock: subscribers may unsubscribe from within.
	for _, sub := range targets {
		sub.Offer(ev)
	}
	if len(targets) > 0 {
		b.metrics.RecordEventDispatched(ev.Type)
	}
}
