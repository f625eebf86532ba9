// Package runtime executes task handlers against broker queues. One worker
// serves one queue; it decodes each envelope, dispatches on the task name,
// and settles the delivery according to the outcome: acknowledge on success,
// redeliver with backoff on transient failure, dead-letter on permanent
// failure or exhausted attempts.
package runtime

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/keylinehq/keyline/internal/fabric/broker"
	"github.com/keylinehq/keyline/internal/fabric/envelope"
)

const (
	defaultMaxAttempts   = 8
	defaultRetryBackoff  = 5 * time.Second
	defaultRetryMaxDelay = 5 * time.Minute
)

// Handler executes one task. Returning nil acknowledges the message.
// Returning an error wrapped by Permanent dead-letters it; any other error
// triggers the retry policy. Handlers run at-least-once and must tolerate
// duplicate delivery.
type Handler func(ctx context.Context, msg Message) error

// Message is one decoded delivery handed to a handler.
type Message struct {
	Envelope envelope.Envelope
	Attempt  int

	codec *envelope.Codec
}

// NewMessage builds a message outside a worker loop, for exercising
// handlers directly.
func NewMessage(env envelope.Envelope, attempt int, codec *envelope.Codec) Message {
	return Message{Envelope: env, Attempt: attempt, codec: codec}
}

// DecodeArgs unmarshals the task arguments into target.
func (m Message) DecodeArgs(target any) error {
	if m.codec == nil {
		return fmt.Errorf("message codec is not configured")
	}
	return m.codec.DecodeArgs(m.Envelope.Payload, target)
}

// Config controls one worker's queue binding and retry policy.
type Config struct {
	Queue         string
	MaxAttempts   int
	RetryBackoff  time.Duration
	RetryMaxDelay time.Duration
}

func (c Config) normalized() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = defaultRetryMaxDelay
	}
	return c
}

// Worker consumes one queue and dispatches registered handlers by task name.
type Worker struct {
	broker   broker.Broker
	codec    *envelope.Codec
	cfg      Config
	handlers map[string]Handler
	logf     func(format string, args ...any)
}

// New builds a worker for the queue named in cfg. Handlers map task names to
// their implementation; at least one is required.
func New(b broker.Broker, codec *envelope.Codec, cfg Config, handlers map[string]Handler, logf func(format string, args ...any)) (*Worker, error) {
	if b == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if codec == nil {
		return nil, fmt.Errorf("codec is required")
	}
	if strings.TrimSpace(cfg.Queue) == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if len(handlers) == 0 {
		return nil, fmt.Errorf("at least one task handler is required")
	}
	if logf == nil {
		logf = log.Printf
	}
	registered := make(map[string]Handler, len(handlers))
	for name, handler := range handlers {
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("task name is required")
		}
		if handler == nil {
			return nil, fmt.Errorf("handler for task %s is nil", name)
		}
		registered[name] = handler
	}
	return &Worker{
		broker:   b,
		codec:    codec,
		cfg:      cfg.normalized(),
		handlers: registered,
		logf:     logf,
	}, nil
}

// Run consumes the queue until ctx is canceled. Every delivery is settled
// exactly once; a failure in one message never stops the loop.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return fmt.Errorf("worker is not configured")
	}
	deliveries, err := w.broker.Consume(ctx, w.cfg.Queue)
	if err != nil {
		return fmt.Errorf("consume queue %s: %w", w.cfg.Queue, err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return nil
			}
			w.process(ctx, delivery)
		}
	}
}

func (w *Worker) process(ctx context.Context, delivery broker.Delivery) {
	env, err := w.codec.DecodeEnvelope(delivery.Body)
	if err != nil {
		// Malformed bytes do not improve on redelivery.
		w.settleDead(ctx, delivery, "", fmt.Sprintf("decode envelope: %v", err))
		return
	}

	handler, ok := w.handlers[env.Task]
	if !ok {
		w.settleDead(ctx, delivery, env.Task, fmt.Sprintf("no handler registered for task %s", env.Task))
		return
	}

	msg := Message{Envelope: env, Attempt: delivery.Attempt, codec: w.codec}
	if err := handler(ctx, msg); err != nil {
		w.settleFailure(ctx, delivery, env.Task, err)
		return
	}

	if err := delivery.Acker.Ack(ctx); err != nil {
		w.logf("[FABRIC] ack %s on %s: %v", env.Task, w.cfg.Queue, err)
	}
}

func (w *Worker) settleFailure(ctx context.Context, delivery broker.Delivery, task string, handlerErr error) {
	if IsPermanent(handlerErr) {
		w.settleDead(ctx, delivery, task, handlerErr.Error())
		return
	}
	if delivery.Attempt >= w.cfg.MaxAttempts {
		w.settleDead(ctx, delivery, task, fmt.Sprintf("attempts exhausted: %v", handlerErr))
		return
	}
	delay := backoffDelay(delivery.Attempt, w.cfg.RetryBackoff, w.cfg.RetryMaxDelay)
	w.logf("[FABRIC] retry %s on %s in %s (attempt %d): %v", task, w.cfg.Queue, delay, delivery.Attempt, handlerErr)
	if err := delivery.Acker.Retry(ctx, delay, handlerErr.Error()); err != nil {
		w.logf("[FABRIC] schedule retry for %s on %s: %v", task, w.cfg.Queue, err)
	}
}

func (w *Worker) settleDead(ctx context.Context, delivery broker.Delivery, task, reason string) {
	w.logf("[FABRIC] dead-letter %s on %s (attempt %d): %s", task, w.cfg.Queue, delivery.Attempt, reason)
	if err := delivery.Acker.Dead(ctx, reason); err != nil {
		w.logf("[FABRIC] dead-letter %s on %s: %v", task, w.cfg.Queue, err)
	}
}

// backoffDelay doubles the base delay per prior attempt, capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
