package services

import (
	"sync"

	"github.com/luminarimud/i3-gateway/internal/packet"
	"github.com/luminarimud/i3-gateway/internal/state"
)

// Reply kinds used as correlation keys alongside the target mud.
const (
	kindWho     = "who"
	kindFinger  = "finger"
	kindChanWho = "chan-who"
)

type pendingKey struct {
	kind string
	mud  string // lowercase
}

type waiter struct {
	ch chan packet.Packet
}

// correlator pairs request/reply packet flows. Replies resolve waiters
// FIFO per (kind, mud); a reply with no waiter is unsolicited.
type correlator struct {
	mu      sync.Mutex
	waiters map[pendingKey][]*waiter
}

func newCorrelator() *correlator {
	return &correlator{waiters: make(map[pendingKey][]*waiter)}
}

func (c *correlator) add(kind, mud string) *waiter {
	w := &waiter{ch: make(chan packet.Packet, 1)}
	key := pendingKey{kind: kind, mud: mud}

	c.mu.Lock()
	c.waiters[key] = append(c.waiters[key], w)
	c.mu.Unlock()
	return w
}

// remove drops a waiter that timed out or was canceled.
func (c *correlator) remove(kind, mud string, w *waiter) {
	key := pendingKey{kind: kind, mud: mud}

	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.waiters[key]
	for i, cand := range list {
		if cand == w {
			c.waiters[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(c.waiters[key]) == 0 {
		delete(c.waiters, key)
	}
}

// resolve hands a reply to the oldest waiter for the key. Reports false
// when nobody was waiting.
func (c *correlator) resolve(kind, mud string, p packet.Packet) bool {
	key := pendingKey{kind: kind, mud: mud}

	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.waiters[key]
	if len(list) == 0 {
		return false
	}
	w := list[0]
	c.waiters[key] = list[1:]
	if len(c.waiters[key]) == 0 {
		delete(c.waiters, key)
	}
	w.ch <- p
	return true
}

// pendingCount reports outstanding waiters, for the stats API.
func (c *correlator) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, list := range c.waiters {
		n += len(list)
	}
	return n
}

// ============================================================================
// LOCATE COLLECTION
// ============================================================================

// locateJob aggregates locate-reply packets for one username during the
// collection window. done closes when the window ends.
type locateJob struct {
	mu   sync.Mutex
	hits []state.LocateHit
	seen map[string]bool // lowercase mud name
	done chan struct{}
}

func (j *locateJob) add(hit state.LocateHit) {
	key := lower(hit.Mud)

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.seen[key] {
		return
	}
	j.seen[key] = true
	j.hits = append(j.hits, hit)
}

func (j *locateJob) snapshot() []state.LocateHit {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]state.LocateHit, len(j.hits))
	copy(out, j.hits)
	return out
}

// locateCollector tracks at most one active job per sought username.
// Concurrent locates for the same user share a window.
type locateCollector struct {
	mu   sync.Mutex
	jobs map[string]*locateJob
}

func newLocateCollector() *locateCollector {
	return &locateCollector{jobs: make(map[string]*locateJob)}
}

// start returns the job for user, creating it when absent. The second
// result reports whether this call created it.
func (lc *locateCollector) start(user string) (*locateJob, bool) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if job, ok := lc.jobs[user]; ok {
		return job, false
	}
	job := &locateJob{seen: make(map[string]bool), done: make(chan struct{})}
	lc.jobs[user] = job
	return job, true
}

func (lc *locateCollector) get(user string) *locateJob {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.jobs[user]
}

// finish removes the job; replies arriving afterwards are unsolicited.
func (lc *locateCollector) finish(user string) {
	lc.mu.Lock()
	delete(lc.jobs, user)
	lc.mu.Unlock()
}
