package redislock

import (
	"context"
	"sync"
	"time"
)

// Local is an in-process Locker for single-replica runs and tests.
type Local struct {
	mu    sync.Mutex
	held  map[string]localLease
	now   func() time.Time
	seqNo uint64
}

type localLease struct {
	seq      uint64
	expireAt time.Time
}

func NewLocal() *Local {
	return &Local{held: make(map[string]localLease), now: time.Now}
}

func (l *Local) Hold(ctx context.Context, key string, ttl, kick time.Duration) (Release, bool, error) {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	l.mu.Lock()
	now := l.now()
	if cur, ok := l.held[key]; ok && now.Before(cur.expireAt) {
		l.mu.Unlock()
		return nil, false, nil
	}
	l.seqNo++
	seq := l.seqNo
	l.held[key] = localLease{seq: seq, expireAt: now.Add(ttl)}
	l.mu.Unlock()

	stop := kickLoop(ctx, kick, func() {
		l.mu.Lock()
		if cur, ok := l.held[key]; ok && cur.seq == seq {
			cur.expireAt = l.now().Add(ttl)
			l.held[key] = cur
		}
		l.mu.Unlock()
	})
	return onceRelease(func() {
		stop()
		l.mu.Lock()
		if cur, ok := l.held[key]; ok && cur.seq == seq {
			delete(l.held, key)
		}
		l.mu.Unlock()
	}), true, nil
}

func onceRelease(fn func()) Release {
	var once sync.Once
	return func() { once.Do(fn) }
}
