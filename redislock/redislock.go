package redislock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Release gives a held lock back. It is safe to call more than once.
type Release func()

// Locker hands out exclusive, expiring leases. Hold keeps the lease alive by
// re-arming the TTL every kick until Release is called or ctx is done.
type Locker interface {
	Hold(ctx context.Context, key string, ttl, kick time.Duration) (Release, bool, error)
}

// Client implements a Redis distributed lock: SET NX PX + Lua safe release/refresh.
// Workers use it for per-item claims and for watchdog leadership.
type Client struct {
	rdb    *redis.Client
	prefix string
	log    *slog.Logger
}

func New(rdb *redis.Client, prefix string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		rdb:    rdb,
		prefix: strings.TrimSpace(prefix),
		log:    logger,
	}
}

func (c *Client) Key(name string) string {
	name = strings.TrimSpace(name)
	if c == nil {
		return name
	}
	p := c.prefix
	if p == "" {
		p = "story:lock:"
	}
	return p + name
}

func Token() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func (c *Client) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if c == nil || c.rdb == nil {
		return false, errors.New("redis lock 未初始化")
	}
	key = strings.TrimSpace(key)
	token = strings.TrimSpace(token)
	if key == "" || token == "" {
		return false, errors.New("lock key/token 为空")
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return c.rdb.SetNX(ctx, key, token, ttl).Result()
}

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
  return 0
end
`)

func (c *Client) Refresh(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if c == nil || c.rdb == nil {
		return false, errors.New("redis lock 未初始化")
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	n, err := refreshScript.Run(ctx, c.rdb, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	// PEXPIRE returns 1 if timeout was set, 0 otherwise.
	return n == 1, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (c *Client) Release(ctx context.Context, key, token string) (bool, error) {
	if c == nil || c.rdb == nil {
		return false, errors.New("redis lock 未初始化")
	}
	n, err := releaseScript.Run(ctx, c.rdb, []string{key}, token).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Hold acquires Key(name) and refreshes it in the background.
func (c *Client) Hold(ctx context.Context, name string, ttl, kick time.Duration) (Release, bool, error) {
	token, err := Token()
	if err != nil {
		return nil, false, err
	}
	key := c.Key(name)
	ok, err := c.Acquire(ctx, key, token, ttl)
	if err != nil || !ok {
		return nil, false, err
	}
	stop := kickLoop(ctx, kick, func() {
		if _, err := c.Refresh(context.Background(), key, token, ttl); err != nil {
			// best-effort; TTL covers typical items
			c.log.Warn("lock refresh failed", "key", key, "err", err)
		}
	})
	return onceRelease(func() {
		stop()
		_, _ = c.Release(context.Background(), key, token)
	}), true, nil
}

func kickLoop(ctx context.Context, every time.Duration, fn func()) func() {
	if every <= 0 {
		every = 30 * time.Second
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				fn()
			}
		}
	}()
	return func() { close(done) }
}
