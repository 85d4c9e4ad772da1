package router

import (
	"container/heap"
	"sync"

	"github.com/luminarimud/i3-gateway/internal/packet"
)

// Outbound write priorities. Higher drains first; within one priority
// packets leave in arrival order.
const (
	PriorityRequest   = 1
	PriorityReply     = 2
	PriorityHeartbeat = 3
)

// DefaultQueueSize bounds the outbound queue when the config leaves it
// zero.
const DefaultQueueSize = 256

// outItem is one queued outbound packet.
type outItem struct {
	pkt      packet.Packet
	priority int
	seq      uint64
	index    int
}

// outQueue is the bounded priority queue between Send callers and the
// session writer. Overflow evicts the lowest-priority entry, oldest
// first within a priority; the incoming packet competes too.
type outQueue struct {
	mu       sync.Mutex
	items    outHeap
	seq      uint64
	capacity int
	signal   chan struct{}
}

func newOutQueue(capacity int) *outQueue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	q := &outQueue{capacity: capacity, signal: make(chan struct{}, 1)}
	heap.Init(&q.items)
	return q
}

// push enqueues p and wakes the writer. When the queue is full it returns
// the evicted packet; when the incoming packet is itself the weakest it
// is rejected and returned unqueued. accepted reports whether p made it in.
func (q *outQueue) push(p packet.Packet, priority int) (accepted bool, evicted packet.Packet) {
	q.mu.Lock()

	if q.items.Len() >= q.capacity {
		victim := q.weakestLocked()
		// Oldest goes first on a priority tie, so the incoming packet
		// wins against an equal-priority resident.
		if victim == nil || victim.priority > priority {
			q.mu.Unlock()
			return false, p
		}
		heap.Remove(&q.items, victim.index)
		evicted = victim.pkt
	}

	q.seq++
	heap.Push(&q.items, &outItem{pkt: p, priority: priority, seq: q.seq})
	q.mu.Unlock()

	q.wake()
	return true, evicted
}

// weakestLocked finds the entry eviction would claim: lowest priority,
// then oldest.
func (q *outQueue) weakestLocked() *outItem {
	var victim *outItem
	for _, it := range q.items {
		if victim == nil ||
			it.priority < victim.priority ||
			(it.priority == victim.priority && it.seq < victim.seq) {
			victim = it
		}
	}
	return victim
}

// pop removes the highest-priority packet, FIFO within a priority.
func (q *outQueue) pop() (packet.Packet, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return nil, false
	}
	it := heap.Pop(&q.items).(*outItem)
	return it.pkt, true
}

// ready signals when at least one packet may be waiting. Spurious wakes
// are possible; the consumer loops pop until empty.
func (q *outQueue) ready() <-chan struct{} { return q.signal }

func (q *outQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *outQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// ============================================================================
// HEAP ORDERING
// ============================================================================

type outHeap []*outItem

func (h outHeap) Len() int { return len(h) }

// Less drains higher priorities first and keeps FIFO order inside one
// priority.
func (h outHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h outHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *outHeap) Push(x interface{}) {
	it := x.(*outItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *outHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
