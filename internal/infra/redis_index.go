// Package infra holds adapters for external infrastructure. Its one
// occupant is the Redis session index, which lets API clients resume
// their sessions across a gateway restart.
package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/luminarimud/i3-gateway/internal/session"
)

const keyPrefix = "i3:session:"

// RedisIndex stores durable session records in Redis, keyed by session
// id and expiring on the session TTL. It implements session.Index.
type RedisIndex struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

var _ session.Index = (*RedisIndex)(nil)

// NewRedisIndex connects to Redis and verifies the connection with a
// ping. The ttl should match the session manager's so records disappear
// together with their in-process sessions.
func NewRedisIndex(addr, password string, db int, ttl time.Duration) (*RedisIndex, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	if ttl <= 0 {
		ttl = session.DefaultTTL
	}
	idx := &RedisIndex{
		rdb:    rdb,
		ttl:    ttl,
		logger: log.New(log.Writer(), "[INFRA] ", log.LstdFlags),
	}
	idx.logger.Printf("redis session index connected addr=%s db=%d ttl=%s", addr, db, ttl)
	return idx, nil
}

// Close releases the underlying client.
func (i *RedisIndex) Close() error { return i.rdb.Close() }

func (i *RedisIndex) key(id string) string { return keyPrefix + id }

// Save upserts the record and refreshes its expiry.
func (i *RedisIndex) Save(ctx context.Context, rec *session.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session record: %w", err)
	}
	return i.rdb.Set(ctx, i.key(rec.ID), raw, i.ttl).Err()
}

// Load returns the stored record, or nil when Redis has no entry. Only
// infrastructure failures surface as errors.
func (i *RedisIndex) Load(ctx context.Context, id string) (*session.Record, error) {
	raw, err := i.rdb.Get(ctx, i.key(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var rec session.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode session record %s: %w", id, err)
	}
	return &rec, nil
}

// Delete removes the record; deleting an absent key is not an error.
func (i *RedisIndex) Delete(ctx context.Context, id string) error {
	return i.rdb.Del(ctx, i.key(id)).Err()
}
