// Package history keeps recent channel traffic for the channel_history
// API. A per-channel ring serves reads; an optional Postgres store keeps
// a longer tail across restarts.
package history

import (
	"strings"
	"sync"
	"time"
)

// DefaultRingSize is the per-channel in-memory entry cap.
const DefaultRingSize = 200

// Entry is one channel message as delivered.
type Entry struct {
	Channel string    `json:"channel"`
	Kind    string    `json:"kind"` // m, e, or t
	Mud     string    `json:"mud"`
	User    string    `json:"user"`
	Visname string    `json:"visname"`
	Target  string    `json:"target,omitempty"` // set for kind t
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Ring holds the most recent entries per channel.
type Ring struct {
	mu       sync.RWMutex
	size     int
	channels map[string][]Entry
}

// NewRing builds a ring; size <= 0 selects the default.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Ring{size: size, channels: make(map[string][]Entry)}
}

// Record appends an entry, trimming the channel to the ring size.
func (r *Ring) Record(e Entry) {
	key := strings.ToLower(e.Channel)

	r.mu.Lock()
	entries := append(r.channels[key], e)
	if over := len(entries) - r.size; over > 0 {
		entries = entries[over:]
	}
	r.channels[key] = entries
	r.mu.Unlock()
}

// Recent returns up to limit entries for a channel, oldest first.
func (r *Ring) Recent(channel string, limit int) []Entry {
	key := strings.ToLower(channel)

	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.channels[key]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

// Len returns the number of buffered entries for a channel.
func (r *Ring) Len(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels[strings.ToLower(channel)])
}
