package redislock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalExclusive(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	rel, ok, err := l.Hold(ctx, "item:1", time.Minute, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.Hold(ctx, "item:1", time.Minute, time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	// other keys are independent
	rel2, ok, _ := l.Hold(ctx, "item:2", time.Minute, time.Hour)
	assert.True(t, ok)
	rel2()

	rel()
	rel()
	rel3, ok, _ := l.Hold(ctx, "item:1", time.Minute, time.Hour)
	assert.True(t, ok)
	rel3()
}

func TestLocalExpiredLeaseCanBeTaken(t *testing.T) {
	l := NewLocal()
	base := time.Now()
	l.now = func() time.Time { return base }
	ctx := context.Background()

	stale, ok, _ := l.Hold(ctx, "k", time.Second, time.Hour)
	require.True(t, ok)

	l.now = func() time.Time { return base.Add(2 * time.Second) }
	fresh, ok, _ := l.Hold(ctx, "k", time.Second, time.Hour)
	require.True(t, ok)

	// the stale holder must not drop the new lease
	stale()
	_, ok, _ = l.Hold(ctx, "k", time.Second, time.Hour)
	assert.False(t, ok)
	fresh()
}

func TestRedisHold(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	c := New(rdb, "test:lock:", nil)
	ctx := context.Background()

	rel, ok, err := c.Hold(ctx, "a", 5*time.Second, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = c.Hold(ctx, "a", 5*time.Second, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	rel()
	rel, ok, err = c.Hold(ctx, "a", 5*time.Second, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	rel()
}
