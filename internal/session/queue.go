// Package session tracks authenticated API clients: their identity,
// subscriptions, counters, and the offline queue that buffers events
// while the client is away.
package session

import (
	"container/heap"
	"sync"
	"time"

	"github.com/luminarimud/i3-gateway/internal/events"
)

// Offline queue defaults.
const (
	DefaultQueueCapacity = 1000
)

// OfflineQueue is a bounded priority queue of undelivered events. Drain
// order is priority descending, then arrival order. When full, the
// eviction victim is the lowest-priority expired entry if one exists,
// otherwise the newest entry of the lowest priority present (which may
// be the incoming event itself).
type OfflineQueue struct {
	mu       sync.Mutex
	items    queueHeap
	seq      uint64
	capacity int
	dropped  uint64
}

// NewOfflineQueue builds a queue; capacity <= 0 selects the default.
func NewOfflineQueue(capacity int) *OfflineQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &OfflineQueue{capacity: capacity}
}

// Push appends an event. It reports whether the event was kept and how
// many queued entries were evicted to make room.
func (q *OfflineQueue) Push(ev *events.Event) (accepted bool, evicted int) {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	if ev.Expired(now) {
		q.dropped++
		return false, 0
	}

	if len(q.items) >= q.capacity {
		victim := q.victimLocked(ev, now)
		if victim == nil {
			// The incoming event is the weakest; drop it.
			q.dropped++
			return false, 0
		}
		heap.Remove(&q.items, victim.index)
		q.dropped++
		evicted = 1
	}

	q.seq++
	heap.Push(&q.items, &queueItem{ev: ev, seq: q.seq})
	return true, evicted
}

// victimLocked picks the entry to evict, or nil when the incoming event
// itself should be dropped instead.
func (q *OfflineQueue) victimLocked(incoming *events.Event, now time.Time) *queueItem {
	var expired, weakest *queueItem
	for _, item := range q.items {
		if item.ev.Expired(now) {
			if expired == nil || lowerThan(item, expired) {
				expired = item
			}
			continue
		}
		if weakest == nil || lowerThan(item, weakest) {
			weakest = item
		}
	}
	if expired != nil {
		return expired
	}
	// No expired entries: evict the lowest-priority newest. The incoming
	// event is the newest of all, so it loses ties at its priority.
	if weakest != nil && weakest.ev.Priority < incoming.Priority {
		return weakest
	}
	return nil
}

// lowerThan orders candidates for eviction: lower priority first, newer
// arrival first within a priority.
func lowerThan(a, b *queueItem) bool {
	if a.ev.Priority != b.ev.Priority {
		return a.ev.Priority < b.ev.Priority
	}
	return a.seq > b.seq
}

// Drain removes and returns all live events in delivery order. Expired
// entries are dropped on the way out.
func (q *OfflineQueue) Drain() []*events.Event {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*events.Event, 0, len(q.items))
	for q.items.Len() > 0 {
		item := heap.Pop(&q.items).(*queueItem)
		if item.ev.Expired(now) {
			q.dropped++
			continue
		}
		out = append(out, item.ev)
	}
	return out
}

// Prune drops expired entries and returns how many went.
func (q *OfflineQueue) Prune() int {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	kept := make(queueHeap, 0, len(q.items))
	pruned := 0
	for _, item := range q.items {
		if item.ev.Expired(now) {
			pruned++
			continue
		}
		kept = append(kept, item)
	}
	if pruned > 0 {
		q.items = kept
		heap.Init(&q.items)
		q.dropped += uint64(pruned)
	}
	return pruned
}

// Len returns the number of queued entries.
func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns the lifetime count of rejected, evicted, and expired
// entries.
func (q *OfflineQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// ============================================================================
// HEAP
// ============================================================================

type queueItem struct {
	ev    *events.Event
	seq   uint64
	index int
}

// queueHeap pops highest priority first, FIFO within a priority.
type queueHeap []*queueItem

func (h queueHeap) Len() int { return len(h) }

func (h queueHeap) Less(i, j int) bool {
	if h[i].ev.Priority != h[j].ev.Priority {
		return h[i].ev.Priority > h[j].ev.Priority
	}
	return h[i].seq < h[j].seq
}

func (h queueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *queueHeap) Push(x interface{}) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *queueHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}
