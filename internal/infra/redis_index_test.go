package infra

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luminarimud/i3-gateway/internal/session"
)

// These tests need a live server; point REDIS_ADDR at one to run them.
func testIndex(t *testing.T) *RedisIndex {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	idx, err := NewRedisIndex(addr, os.Getenv("REDIS_PASSWORD"), 15, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestRedisIndexRoundTrip(t *testing.T) {
	idx := testIndex(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	rec := &session.Record{
		ID:           "test-" + now.Format("20060102-150405"),
		MudName:      "LuminariMUD",
		KeyID:        "key-admin",
		Permissions:  []string{"*"},
		Channels:     []string{"imud_gossip"},
		CreatedAt:    now,
		LastActivity: now,
	}
	require.NoError(t, idx.Save(ctx, rec))
	t.Cleanup(func() { _ = idx.Delete(ctx, rec.ID) })

	got, err := idx.Load(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.MudName, got.MudName)
	assert.Equal(t, rec.Permissions, got.Permissions)
	assert.Equal(t, rec.Channels, got.Channels)

	require.NoError(t, idx.Delete(ctx, rec.ID))
	gone, err := idx.Load(ctx, rec.ID)
	require.NoError(t, err)
	assert.Nil(t, gone, "deleted records read back as nil")
}

func TestRedisIndexMissingRecordIsNil(t *testing.T) {
	idx := testIndex(t)
	rec, err := idx.Load(context.Background(), "never-existed")
	require.NoError(t, err)
	assert.Nil(t, rec)
}
