package streamq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"storystudio/mq"
)

// Broker implements mq.Broker on Redis Streams: one stream per queue, one
// consumer group shared by all workers. Retries are re-added with attempt+1;
// exhausted messages go to the dead-letter stream.
type Broker struct {
	rdb      *redis.Client
	group    string
	consumer string
	maxLen   int64
	opts     mq.Options
	log      *slog.Logger

	ensured sync.Map
}

func New(rdb *redis.Client, group, consumer string, maxLen int64, opts mq.Options, logger *slog.Logger) *Broker {
	if maxLen <= 0 {
		maxLen = 100000
	}
	if strings.TrimSpace(group) == "" {
		group = "story-workers"
	}
	c := strings.TrimSpace(consumer)
	if c == "" {
		c = "c-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{rdb: rdb, group: group, consumer: c, maxLen: maxLen, opts: opts, log: logger}
}

// StreamKey maps a queue name to its stream key.
func StreamKey(queue string) string {
	return "story:stream:" + strings.TrimSpace(queue)
}

func (b *Broker) Publish(ctx context.Context, queue string, body []byte) error {
	return b.add(ctx, queue, body, 1, "", "")
}

func (b *Broker) add(ctx context.Context, queue string, body []byte, attempt int, origin, lastErr string) error {
	if b == nil || b.rdb == nil {
		return errors.New("redis stream queue 未初始化")
	}
	if strings.TrimSpace(queue) == "" {
		return errors.New("queue 为空")
	}
	values := map[string]interface{}{
		"body":    string(body),
		"attempt": attempt,
	}
	if origin != "" {
		values["origin"] = origin
	}
	if lastErr != "" {
		values["lastError"] = lastErr
	}
	return b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(queue),
		MaxLen: b.maxLen,
		Approx: true,
		Values: values,
	}).Err()
}

func (b *Broker) EnsureGroup(ctx context.Context, queue string) error {
	if _, ok := b.ensured.Load(queue); ok {
		return nil
	}
	// MKSTREAM: create stream automatically if it doesn't exist.
	err := b.rdb.XGroupCreateMkStream(ctx, StreamKey(queue), b.group, "0").Err()
	// BUSYGROUP means already exists.
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "busygroup") {
		return err
	}
	b.ensured.Store(queue, struct{}{})
	return nil
}

func (b *Broker) Consume(ctx context.Context, queue string, h mq.Handler) error {
	if h == nil {
		return errors.New("handler 为空")
	}
	if err := b.EnsureGroup(ctx, queue); err != nil {
		return fmt.Errorf("ensure group %s: %w", queue, err)
	}
	c := newConsumer(b, queue)
	return c.loop(ctx, h)
}

func (b *Broker) Close() error { return nil }

type consumer struct {
	b      *Broker
	queue  string
	stream string
	block  time.Duration
	count  int64
	concur chan struct{}
	wg     sync.WaitGroup

	// Pending handling (XAUTOCLAIM).
	claimMinIdle    time.Duration
	claimCount      int64
	claimStart      string
	claimEvery      time.Duration
	lastClaimedTime time.Time
}

func newConsumer(b *Broker, queue string) *consumer {
	return &consumer{
		b:      b,
		queue:  queue,
		stream: StreamKey(queue),
		block:  10 * time.Second,
		count:  10,
		concur: make(chan struct{}, b.opts.Concurrency),

		claimMinIdle: 30 * time.Second,
		claimCount:   50,
		claimStart:   "0-0",
		claimEvery:   3 * time.Second,
	}
}

func (c *consumer) loop(ctx context.Context, h mq.Handler) error {
	defer c.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Best-effort: auto-claim pending messages (worker crash/restart).
		c.maybeAutoClaim(ctx, h)

		res, err := c.b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.b.group,
			Consumer: c.b.consumer,
			Streams:  []string{c.stream, ">"},
			Count:    c.count,
			Block:    c.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// transient network issue: keep looping
			c.b.log.Warn("stream consume error", "stream", c.stream, "err", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}
		for _, s := range res {
			for _, msg := range s.Messages {
				c.spawn(ctx, h, msg)
			}
		}
	}
}

func (c *consumer) spawn(ctx context.Context, h mq.Handler, msg redis.XMessage) {
	c.concur <- struct{}{}
	c.wg.Add(1)
	go func(m redis.XMessage) {
		defer func() { <-c.concur; c.wg.Done() }()
		c.handleOne(ctx, h, m)
	}(msg)
}

func (c *consumer) ack(id string) {
	if strings.TrimSpace(id) == "" {
		return
	}
	_ = c.b.rdb.XAck(context.Background(), c.stream, c.b.group, id).Err()
}

func decode(queue string, msg redis.XMessage) (mq.Message, bool) {
	body, ok := msg.Values["body"].(string)
	if !ok {
		return mq.Message{}, false
	}
	m := mq.Message{ID: msg.ID, Queue: queue, Body: []byte(body), Attempt: 1}
	if raw, ok := msg.Values["attempt"].(string); ok {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			m.Attempt = n
		}
	}
	m.Origin, _ = msg.Values["origin"].(string)
	m.LastError, _ = msg.Values["lastError"].(string)
	return m, true
}

func (c *consumer) handleOne(ctx context.Context, h mq.Handler, msg redis.XMessage) {
	m, ok := decode(c.queue, msg)
	if !ok {
		c.ack(msg.ID)
		return
	}
	err := mq.Invoke(ctx, h, m)

	// ACK rules:
	// - nil or Terminal(err): ACK
	// - retryable: re-add with attempt+1, then ACK
	// - exhausted: add to dead-letter stream, then ACK
	// A failed re-add keeps the entry pending; XAUTOCLAIM picks it up later.
	switch mq.Decide(err, m.Attempt, c.b.opts.MaxAttempts) {
	case mq.Ack:
		c.ack(msg.ID)
	case mq.Retry:
		c.b.log.Warn("message retry", "queue", c.queue, "msgId", msg.ID, "attempt", m.Attempt, "err", err)
		if d := c.b.opts.RetryDelay * time.Duration(m.Attempt); d > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d):
			}
		}
		if aerr := c.b.add(context.Background(), c.queue, m.Body, m.Attempt+1, "", ""); aerr != nil {
			c.b.log.Error("retry add failed (keep pending)", "queue", c.queue, "err", aerr)
			return
		}
		c.ack(msg.ID)
	case mq.DeadLetter:
		c.b.log.Warn("message dead-lettered", "queue", c.queue, "msgId", msg.ID, "attempt", m.Attempt, "err", err)
		if c.queue != mq.DeadLetterQueue {
			if aerr := c.b.add(context.Background(), mq.DeadLetterQueue, m.Body, 1, c.queue, err.Error()); aerr != nil {
				c.b.log.Error("dead-letter add failed (keep pending)", "queue", c.queue, "err", aerr)
				return
			}
		}
		c.ack(msg.ID)
	}
}

func (c *consumer) maybeAutoClaim(ctx context.Context, h mq.Handler) {
	if c.claimEvery <= 0 || c.claimMinIdle <= 0 {
		return
	}
	now := time.Now()
	if !c.lastClaimedTime.IsZero() && now.Sub(c.lastClaimedTime) < c.claimEvery {
		return
	}
	c.lastClaimedTime = now

	msgs, nextStart, err := c.b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.b.group,
		Consumer: c.b.consumer,
		MinIdle:  c.claimMinIdle,
		Start:    c.claimStart,
		Count:    c.claimCount,
	}).Result()
	if err != nil {
		// no spam
		if !errors.Is(err, redis.Nil) {
			c.b.log.Debug("xautoclaim error", "stream", c.stream, "err", err)
		}
		return
	}
	if strings.TrimSpace(nextStart) != "" {
		c.claimStart = nextStart
	}
	for _, msg := range msgs {
		c.spawn(ctx, h, msg)
	}
}
