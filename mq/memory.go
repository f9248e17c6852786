package mq

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
)

// MemoryBroker is an in-process transport with the same retry and
// dead-letter rules as the networked brokers.
type MemoryBroker struct {
	opts   Options
	log    *slog.Logger
	mu     sync.Mutex
	queues map[string]chan Message
	seq    atomic.Int64
	closed atomic.Bool
	wg     sync.WaitGroup
}

func NewMemoryBroker(opts Options, logger *slog.Logger) *MemoryBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBroker{
		opts:   opts.withDefaults(),
		log:    logger,
		queues: make(map[string]chan Message),
	}
}

func (b *MemoryBroker) queue(name string) chan Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = make(chan Message, 1024)
		b.queues[name] = q
	}
	return q
}

func (b *MemoryBroker) Publish(ctx context.Context, queue string, body []byte) error {
	return b.put(ctx, Message{Queue: queue, Body: body, Attempt: 1})
}

func (b *MemoryBroker) put(ctx context.Context, m Message) error {
	if b.closed.Load() {
		return errors.New("memory broker closed")
	}
	if _, ok := routeByQueue(m.Queue); !ok {
		return errors.New("unknown queue: " + m.Queue)
	}
	m.ID = strconv.FormatInt(b.seq.Add(1), 10)
	select {
	case b.queue(m.Queue) <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len reports how many messages wait in queue.
func (b *MemoryBroker) Len(queue string) int {
	return len(b.queue(queue))
}

func (b *MemoryBroker) Consume(ctx context.Context, queue string, h Handler) error {
	if h == nil {
		return errors.New("handler 为空")
	}
	q := b.queue(queue)
	sem := make(chan struct{}, b.opts.Concurrency)
	var inflight sync.WaitGroup
	defer inflight.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-q:
			sem <- struct{}{}
			inflight.Add(1)
			go func(m Message) {
				defer func() { <-sem; inflight.Done() }()
				b.handleOne(ctx, h, m)
			}(m)
		}
	}
}

func (b *MemoryBroker) handleOne(ctx context.Context, h Handler, m Message) {
	err := Invoke(ctx, h, m)
	switch Decide(err, m.Attempt, b.opts.MaxAttempts) {
	case Ack:
		return
	case Retry:
		b.log.Warn("message retry", "queue", m.Queue, "msgId", m.ID, "attempt", m.Attempt, "err", err)
		next := m
		next.Attempt++
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			if sleepCtx(ctx, retryDelay(b.opts.RetryDelay, m.Attempt)) != nil {
				return
			}
			if perr := b.put(context.Background(), next); perr != nil {
				b.log.Error("message retry publish failed", "queue", m.Queue, "err", perr)
			}
		}()
	case DeadLetter:
		b.log.Warn("message dead-lettered", "queue", m.Queue, "msgId", m.ID, "attempt", m.Attempt, "err", err)
		if m.Queue == DeadLetterQueue {
			return
		}
		dl := Message{Queue: DeadLetterQueue, Body: m.Body, Attempt: 1, Origin: m.Queue, LastError: errText(err)}
		if perr := b.put(context.Background(), dl); perr != nil {
			b.log.Error("dead-letter publish failed", "queue", m.Queue, "err", perr)
		}
	}
}

// Close stops accepting publishes and waits for scheduled retries.
func (b *MemoryBroker) Close() error {
	b.closed.Store(true)
	b.wg.Wait()
	return nil
}
