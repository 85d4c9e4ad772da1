package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luminarimud/i3-gateway/internal/events"
)

func queuedEvent(label string, priority int) *events.Event {
	ev := events.New(events.ChannelMessage, map[string]interface{}{"label": label})
	ev.Priority = priority
	return ev
}

func expiredEvent(label string, priority int) *events.Event {
	ev := queuedEvent(label, priority)
	ev.ExpiresAt = time.Now().Add(-time.Second)
	return ev
}

func labels(evs []*events.Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Payload["label"].(string)
	}
	return out
}

func TestDrainPriorityThenFIFO(t *testing.T) {
	q := NewOfflineQueue(10)
	for _, e := range []*events.Event{
		queuedEvent("a", 5),
		queuedEvent("b", 9),
		queuedEvent("c", 5),
		queuedEvent("d", 1),
		queuedEvent("e", 9),
	} {
		accepted, _ := q.Push(e)
		require.True(t, accepted)
	}

	assert.Equal(t, []string{"b", "e", "a", "c", "d"}, labels(q.Drain()))
	assert.Equal(t, 0, q.Len())
}

func TestCapacityEvictsLowestPriorityNewest(t *testing.T) {
	q := NewOfflineQueue(3)
	q.Push(queuedEvent("a", 5))
	q.Push(queuedEvent("b", 5))
	q.Push(queuedEvent("c", 5))

	accepted, evicted := q.Push(queuedEvent("d", 9))
	require.True(t, accepted)
	assert.Equal(t, 1, evicted)

	// "c" was the newest entry at the lowest priority.
	assert.Equal(t, []string{"d", "a", "b"}, labels(q.Drain()))
	assert.Equal(t, uint64(1), q.Dropped())
}

func TestIncomingLowerPriorityRejectedWhenFull(t *testing.T) {
	q := NewOfflineQueue(2)
	q.Push(queuedEvent("a", 5))
	q.Push(queuedEvent("b", 5))

	accepted, evicted := q.Push(queuedEvent("c", 1))
	assert.False(t, accepted)
	assert.Equal(t, 0, evicted)
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, uint64(1), q.Dropped())
}

func TestIncomingEqualPriorityLosesTie(t *testing.T) {
	q := NewOfflineQueue(1)
	q.Push(queuedEvent("a", 5))

	// Same priority: the incoming event is the newest, so it is dropped.
	accepted, _ := q.Push(queuedEvent("b", 5))
	assert.False(t, accepted)
	assert.Equal(t, []string{"a"}, labels(q.Drain()))
}

func TestExpiredEntriesEvictedFirst(t *testing.T) {
	q := NewOfflineQueue(2)
	q.Push(expiredEvent("stale", 5))
	q.Push(queuedEvent("keep", 9))

	// Even a low-priority arrival displaces an expired entry.
	accepted, evicted := q.Push(queuedEvent("new", 1))
	require.True(t, accepted)
	assert.Equal(t, 1, evicted)
	assert.Equal(t, []string{"keep", "new"}, labels(q.Drain()))
}

func TestDrainSkipsExpired(t *testing.T) {
	q := NewOfflineQueue(10)
	q.Push(queuedEvent("live", 5))
	q.Push(expiredEvent("gone", 9))

	assert.Equal(t, []string{"live"}, labels(q.Drain()))
	assert.Equal(t, uint64(1), q.Dropped())
}

func TestPushAlreadyExpiredRejected(t *testing.T) {
	q := NewOfflineQueue(10)
	accepted, _ := q.Push(expiredEvent("x", 5))
	assert.False(t, accepted)
	assert.Equal(t, 0, q.Len())
}

func TestPrune(t *testing.T) {
	q := NewOfflineQueue(10)
	q.Push(expiredEvent("a", 5))
	q.Push(queuedEvent("b", 5))
	q.Push(expiredEvent("c", 9))

	assert.Equal(t, 2, q.Prune())
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, []string{"b"}, labels(q.Drain()))
}

func TestQueueDefaultCapacity(t *testing.T) {
	q := NewOfflineQueue(0)
	for i := 0; i < DefaultQueueCapacity; i++ {
		accepted, _ := q.Push(queuedEvent(fmt.Sprintf("e%d", i), 5))
		require.True(t, accepted)
	}
	assert.Equal(t, DefaultQueueCapacity, q.Len())

	accepted, _ := q.Push(queuedEvent("overflow", 5))
	assert.False(t, accepted)
	assert.Equal(t, DefaultQueueCapacity, q.Len())
}
