package streamq

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storystudio/mq"
)

func TestDecode(t *testing.T) {
	m, ok := decode("q", redis.XMessage{ID: "1-0", Values: map[string]interface{}{
		"body":      `{"a":1}`,
		"attempt":   "2",
		"origin":    "ai.story.batch.video.queue",
		"lastError": "timeout",
	}})
	require.True(t, ok)
	assert.Equal(t, 2, m.Attempt)
	assert.Equal(t, "q", m.Queue)
	assert.Equal(t, "timeout", m.LastError)

	m, ok = decode("q", redis.XMessage{Values: map[string]interface{}{"body": "x", "attempt": "bad"}})
	require.True(t, ok)
	assert.Equal(t, 1, m.Attempt)

	_, ok = decode("q", redis.XMessage{Values: map[string]interface{}{"jobId": "1"}})
	assert.False(t, ok)
}

func TestStreamKey(t *testing.T) {
	assert.Equal(t, "story:stream:ai.story.dlx.queue", StreamKey(mq.DeadLetterQueue))
}

func TestBrokerRetryAndDeadLetter(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	_ = rdb.Del(ctx, StreamKey(mq.RouteVideo.Queue), StreamKey(mq.DeadLetterQueue)).Err()

	b := New(rdb, "test-group", "t1", 1000, mq.Options{MaxAttempts: 2}, nil)
	go func() {
		_ = b.Consume(ctx, mq.RouteVideo.Queue, func(context.Context, mq.Message) error {
			return errors.New("503")
		})
	}()
	dead := make(chan mq.Message, 1)
	go func() {
		_ = b.Consume(ctx, mq.DeadLetterQueue, func(_ context.Context, m mq.Message) error {
			dead <- m
			return nil
		})
	}()
	require.NoError(t, b.Publish(ctx, mq.RouteVideo.Queue, []byte("payload")))

	select {
	case m := <-dead:
		assert.Equal(t, mq.RouteVideo.Queue, m.Origin)
		assert.Equal(t, "503", m.LastError)
	case <-ctx.Done():
		t.Fatal("no dead letter")
	}
}
