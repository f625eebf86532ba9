// Package memory implements the broker contract in process memory. It backs
// single-process deployments and tests, with full direct/topic routing
// semantics and inspectable dead letters.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/keylinehq/keyline/internal/fabric/broker"
	"github.com/keylinehq/keyline/internal/fabric/topology"
)

const defaultQueueDepth = 1024

// Broker is an in-process broker over a topology registry.
type Broker struct {
	registry *topology.Registry

	mu       sync.Mutex
	queues   map[string]chan broker.Delivery
	dead     map[string][]DeadLetter
	declared bool
	closed   bool
	pending  sync.WaitGroup
}

// DeadLetter is one terminally failed message, retained for inspection.
type DeadLetter struct {
	Queue   string
	Body    []byte
	Attempt int
	Reason  string
}

// New creates an in-memory broker for the given topology.
func New(registry *topology.Registry) (*Broker, error) {
	if registry == nil {
		return nil, fmt.Errorf("topology registry is required")
	}
	return &Broker{
		registry: registry,
		queues:   map[string]chan broker.Delivery{},
		dead:     map[string][]DeadLetter{},
	}, nil
}

// Declare materializes every declared queue.
func (b *Broker) Declare(context.Context) error {
	if b == nil {
		return fmt.Errorf("broker is not configured")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("broker is closed")
	}
	for _, queue := range b.registry.Queues() {
		if _, exists := b.queues[queue]; !exists {
			b.queues[queue] = make(chan broker.Delivery, defaultQueueDepth)
		}
	}
	b.declared = true
	return nil
}

// Publish routes the message to every queue matched by the topology.
func (b *Broker) Publish(ctx context.Context, pub broker.Publishing) error {
	if b == nil {
		return fmt.Errorf("broker is not configured")
	}
	queues, err := b.registry.Match(pub.Exchange, pub.RoutingKey)
	if err != nil {
		return fmt.Errorf("route publication: %w", err)
	}
	for _, queue := range queues {
		if err := b.enqueue(ctx, queue, pub.Body, 1); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broker) enqueue(ctx context.Context, queue string, body []byte, attempt int) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("broker is closed")
	}
	if !b.declared {
		b.mu.Unlock()
		return fmt.Errorf("broker queues are not declared")
	}
	ch, ok := b.queues[queue]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("queue %s is not declared", queue)
	}

	delivery := broker.Delivery{
		Queue:   queue,
		Body:    body,
		Attempt: attempt,
	}
	delivery.Acker = &memoryAcker{broker: b, delivery: delivery}

	select {
	case ch <- delivery:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("queue %s is full", queue)
	}
}

// Consume returns the shared delivery channel for one queue.
func (b *Broker) Consume(_ context.Context, queue string) (<-chan broker.Delivery, error) {
	if b == nil {
		return nil, fmt.Errorf("broker is not configured")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.queues[queue]
	if !ok {
		return nil, fmt.Errorf("queue %s is not declared", queue)
	}
	return ch, nil
}

// DeadLetters returns the dead letters collected for one queue.
func (b *Broker) DeadLetters(queue string) []DeadLetter {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	source := b.dead[queue]
	out := make([]DeadLetter, len(source))
	copy(out, source)
	return out
}

// QueueDepth reports the number of messages waiting on a queue.
func (b *Broker) QueueDepth(queue string) int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[queue])
}

// Close stops accepting publications and waits for scheduled redeliveries.
func (b *Broker) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	b.pending.Wait()
	return nil
}

type memoryAcker struct {
	broker   *Broker
	delivery broker.Delivery

	mu      sync.Mutex
	settled bool
}

func (a *memoryAcker) settle() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.settled {
		return fmt.Errorf("delivery is already settled")
	}
	a.settled = true
	return nil
}

func (a *memoryAcker) Ack(context.Context) error {
	return a.settle()
}

func (a *memoryAcker) Retry(ctx context.Context, delay time.Duration, _ string) error {
	if err := a.settle(); err != nil {
		return err
	}
	b := a.broker
	next := a.delivery.Attempt + 1
	if delay <= 0 {
		return b.enqueue(ctx, a.delivery.Queue, a.delivery.Body, next)
	}
	b.pending.Add(1)
	time.AfterFunc(delay, func() {
		defer b.pending.Done()
		// Redelivery is best-effort once the broker is closing.
		_ = b.enqueue(context.Background(), a.delivery.Queue, a.delivery.Body, next)
	})
	return nil
}

func (a *memoryAcker) Dead(_ context.Context, reason string) error {
	if err := a.settle(); err != nil {
		return err
	}
	b := a.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dead[a.delivery.Queue] = append(b.dead[a.delivery.Queue], DeadLetter{
		Queue:   a.delivery.Queue,
		Body:    a.delivery.Body,
		Attempt: a.delivery.Attempt,
		Reason:  reason,
	})
	return nil
}

var _ broker.Broker = (*Broker)(nil)
