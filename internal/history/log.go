package history

import (
	"context"
	"log"
	"time"
)

const writeQueueSize = 256

// Log fronts the ring with an optional durable store. Reads come from
// the ring when it has enough; writes go to the ring synchronously and
// to the store through a bounded background queue so packet handling
// never waits on the database.
type Log struct {
	ring   *Ring
	store  *Store
	writes chan Entry
	logger *log.Logger
}

// NewLog builds a log; store may be nil for memory-only history.
func NewLog(ring *Ring, store *Store) *Log {
	if ring == nil {
		ring = NewRing(0)
	}
	return &Log{
		ring:   ring,
		store:  store,
		writes: make(chan Entry, writeQueueSize),
		logger: log.New(log.Writer(), "[HISTORY] ", log.LstdFlags),
	}
}

// Record captures one entry. Store writes are queued; when the queue is
// full the archive write is skipped rather than stalling the caller.
func (l *Log) Record(e Entry) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	l.ring.Record(e)
	if l.store == nil {
		return
	}
	select {
	case l.writes <- e:
	default:
		l.logger.Printf("archive queue full, dropping entry for %s", e.Channel)
	}
}

// Recent returns up to limit entries, oldest first. The store answers
// only when the ring holds fewer entries than requested.
func (l *Log) Recent(ctx context.Context, channel string, limit int) []Entry {
	if limit <= 0 {
		limit = 20
	}
	if l.store != nil && l.ring.Len(channel) < limit {
		entries, err := l.store.Recent(ctx, channel, limit)
		if err == nil {
			return entries
		}
		l.logger.Printf("store read for %s failed: %v", channel, err)
	}
	return l.ring.Recent(channel, limit)
}

// Run drains archive writes until ctx ends. No-op without a store.
func (l *Log) Run(ctx context.Context) {
	if l.store == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-l.writes:
			writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := l.store.Insert(writeCtx, e); err != nil {
				l.logger.Printf("archive write failed: %v", err)
			}
			cancel()
		}
	}
}
