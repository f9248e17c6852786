package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	headerAttempt   = "x-attempt"
	headerLastError = "x-last-error"
	headerOrigin    = "x-original-queue"
	reconnectDelay  = 5 * time.Second
)

// RabbitConfig configures the RabbitMQ transport.
type RabbitConfig struct {
	URL        string
	MessageTTL time.Duration
	Prefetch   int
	Options
}

// Rabbit publishes to the business exchange and consumes the per-category
// queues. Retries are republished with x-attempt+1; exhausted messages go to
// the dead-letter exchange with the last error in x-last-error.
type Rabbit struct {
	cfg  RabbitConfig
	log  *slog.Logger
	conn *amqp.Connection

	mu  sync.Mutex
	pub *amqp.Channel
}

func DialRabbit(cfg RabbitConfig, logger *slog.Logger) (*Rabbit, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Options = cfg.Options.withDefaults()
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = cfg.Concurrency
	}
	if cfg.MessageTTL <= 0 {
		cfg.MessageTTL = 7 * 24 * time.Hour
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	r := &Rabbit{cfg: cfg, log: logger, conn: conn}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := declareTopology(ch, cfg.MessageTTL); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	r.pub = ch
	logger.Info("rabbitmq topology declared", "exchange", BusinessExchange, "queues", len(Routes), "ttl", cfg.MessageTTL)
	return r, nil
}

func declareTopology(ch *amqp.Channel, ttl time.Duration) error {
	if err := ch.ExchangeDeclare(BusinessExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", BusinessExchange, err)
	}
	if err := ch.ExchangeDeclare(DeadLetterExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", DeadLetterExchange, err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    DeadLetterExchange,
		"x-dead-letter-routing-key": DeadLetterKey,
		"x-message-ttl":             ttl.Milliseconds(),
	}
	for _, rt := range Routes {
		if _, err := ch.QueueDeclare(rt.Queue, true, false, false, false, args); err != nil {
			return fmt.Errorf("declare queue %s: %w", rt.Queue, err)
		}
		if err := ch.QueueBind(rt.Queue, rt.RoutingKey, BusinessExchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", rt.Queue, err)
		}
	}
	if _, err := ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", DeadLetterQueue, err)
	}
	if err := ch.QueueBind(DeadLetterQueue, DeadLetterKey, DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", DeadLetterQueue, err)
	}
	return nil
}

func (r *Rabbit) Publish(ctx context.Context, queue string, body []byte) error {
	rt, ok := routeByQueue(queue)
	if !ok {
		return errors.New("unknown queue: " + queue)
	}
	return r.publish(ctx, BusinessExchange, rt.RoutingKey, body, amqp.Table{headerAttempt: int32(1)})
}

func (r *Rabbit) publish(ctx context.Context, exchange, key string, body []byte, headers amqp.Table) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pub == nil || r.pub.IsClosed() {
		ch, err := r.conn.Channel()
		if err != nil {
			return fmt.Errorf("rabbitmq channel: %w", err)
		}
		r.pub = ch
	}
	return r.pub.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         body,
	})
}

// Consume reconnects the channel after broker-side closes until ctx is done.
func (r *Rabbit) Consume(ctx context.Context, queue string, h Handler) error {
	if h == nil {
		return errors.New("handler 为空")
	}
	for {
		err := r.consumeOnce(ctx, queue, h)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.log.Error("rabbitmq consume loop stopped, reconnecting", "queue", queue, "delay", reconnectDelay, "err", err)
		if sleepCtx(ctx, reconnectDelay) != nil {
			return ctx.Err()
		}
	}
}

func (r *Rabbit) consumeOnce(ctx context.Context, queue string, h Handler) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq channel: %w", err)
	}
	defer ch.Close()
	if err := ch.Qos(r.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("rabbitmq qos: %w", err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq consume %s: %w", queue, err)
	}

	sem := make(chan struct{}, r.cfg.Concurrency)
	var inflight sync.WaitGroup
	defer inflight.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			sem <- struct{}{}
			inflight.Add(1)
			go func(d amqp.Delivery) {
				defer func() { <-sem; inflight.Done() }()
				r.handleOne(ctx, queue, h, d)
			}(d)
		}
	}
}

func (r *Rabbit) handleOne(ctx context.Context, queue string, h Handler, d amqp.Delivery) {
	m := messageFromDelivery(queue, d)
	err := Invoke(ctx, h, m)
	switch Decide(err, m.Attempt, r.cfg.MaxAttempts) {
	case Ack:
		_ = d.Ack(false)
	case Retry:
		r.log.Warn("message retry", "queue", queue, "msgId", m.ID, "attempt", m.Attempt, "err", err)
		if sleepCtx(ctx, retryDelay(r.cfg.RetryDelay, m.Attempt)) != nil {
			// shutdown: leave it to the broker
			_ = d.Nack(false, true)
			return
		}
		rt, _ := routeByQueue(queue)
		headers := amqp.Table{headerAttempt: int32(m.Attempt + 1)}
		if perr := r.publish(ctx, BusinessExchange, rt.RoutingKey, d.Body, headers); perr != nil {
			r.log.Error("retry publish failed, requeue", "queue", queue, "err", perr)
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)
	case DeadLetter:
		r.log.Warn("message dead-lettered", "queue", queue, "msgId", m.ID, "attempt", m.Attempt, "err", err)
		if queue == DeadLetterQueue {
			_ = d.Ack(false)
			return
		}
		headers := amqp.Table{headerAttempt: int32(1), headerOrigin: queue, headerLastError: errText(err)}
		if perr := r.publish(ctx, DeadLetterExchange, DeadLetterKey, d.Body, headers); perr != nil {
			// the queue DLX args still route a rejected message
			r.log.Error("dead-letter publish failed, rejecting", "queue", queue, "err", perr)
			_ = d.Nack(false, false)
			return
		}
		_ = d.Ack(false)
	}
}

func messageFromDelivery(queue string, d amqp.Delivery) Message {
	m := Message{ID: d.MessageId, Queue: queue, Body: d.Body, Attempt: 1}
	if v, ok := headerInt(d.Headers[headerAttempt]); ok && v > 0 {
		m.Attempt = v
	}
	m.Origin, _ = d.Headers[headerOrigin].(string)
	m.LastError, _ = d.Headers[headerLastError].(string)
	// broker-side dead letters (TTL expiry, reject) only carry x-death
	if m.LastError == "" {
		if xDeath, ok := d.Headers["x-death"].([]interface{}); ok && len(xDeath) > 0 {
			if info, ok := xDeath[0].(amqp.Table); ok {
				reason, _ := info["reason"].(string)
				m.Origin, _ = info["queue"].(string)
				m.LastError = "dead-lettered by broker: " + reason
			}
		}
	}
	return m
}

func headerInt(v any) (int, bool) {
	switch n := v.(type) {
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case int:
		return n, true
	case int16:
		return int(n), true
	case int8:
		return int(n), true
	}
	return 0, false
}

func (r *Rabbit) Close() error {
	r.mu.Lock()
	if r.pub != nil {
		_ = r.pub.Close()
	}
	r.mu.Unlock()
	return r.conn.Close()
}
