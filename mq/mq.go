// Package mq holds the queue contracts shared by the RabbitMQ, Redis Streams
// and in-memory transports. Delivery is at-least-once on every transport.
package mq

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Message is one delivery. Attempt starts at 1 and grows on every retry.
// Origin and LastError are only set on dead-lettered messages.
type Message struct {
	ID        string
	Queue     string
	Body      []byte
	Attempt   int
	Origin    string
	LastError string
}

// Handler processes one message. nil and Terminal errors ack; any other error
// schedules a retry until the attempt bound, then the message is dead-lettered.
type Handler func(ctx context.Context, m Message) error

type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

type Consumer interface {
	// Consume blocks until ctx is done.
	Consume(ctx context.Context, queue string, h Handler) error
}

type Broker interface {
	Publisher
	Consumer
	Close() error
}

// Options are shared by every transport.
type Options struct {
	MaxAttempts int
	RetryDelay  time.Duration
	Concurrency int
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	return o
}

// TerminalError marks an error as "terminal": the message is acked even though err != nil.
// Handlers use it once the failure is already recorded on the job item.
type TerminalError struct{ Err error }

func (e TerminalError) Error() string {
	if e.Err == nil {
		return "terminal"
	}
	return e.Err.Error()
}

func (e TerminalError) Unwrap() error { return e.Err }

func Terminal(err error) error { return TerminalError{Err: err} }

func IsTerminal(err error) bool {
	var te TerminalError
	return errors.As(err, &te)
}

type Disposition int

const (
	Ack Disposition = iota
	Retry
	DeadLetter
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case DeadLetter:
		return "dead_letter"
	}
	return "unknown"
}

// Decide maps a handler result to what the transport does with the message.
func Decide(err error, attempt, maxAttempts int) Disposition {
	if err == nil || IsTerminal(err) {
		return Ack
	}
	if attempt >= maxAttempts {
		return DeadLetter
	}
	return Retry
}

// Invoke runs h and turns a panic into a Terminal error so a poison message
// does not hot-loop.
func Invoke(ctx context.Context, h Handler, m Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Terminal(fmt.Errorf("panic: %v", r))
		}
	}()
	return h(ctx, m)
}

// retryDelay grows linearly with the attempt number.
func retryDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 || attempt <= 0 {
		return 0
	}
	return base * time.Duration(attempt)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
