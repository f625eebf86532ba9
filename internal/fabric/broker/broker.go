// Package broker defines the durable transport boundary of the task fabric.
//
// A Broker owns the only shared mutable state between services: its
// exchanges and queues. Implementations provide at-least-once delivery;
// cross-service consistency is the consumer's concern, achieved through
// idempotent handlers and the retry policy, never through distributed
// transactions.
package broker

import (
	"context"
	"time"
)

// Publishing is one outbound message: the encoded envelope plus the binding
// parameters and observability metadata.
type Publishing struct {
	Exchange   string
	RoutingKey string
	Body       []byte
	// Task and Summary duplicate envelope metadata for transport-level
	// observability (headers, broker UIs).
	Task    string
	Summary string
}

// Delivery is one inbound message leased to a worker slot. Exactly one of
// Ack, Retry, or Dead must be called per delivery.
type Delivery struct {
	Queue string
	Body  []byte
	// Attempt is the 1-based delivery attempt for this message on this queue.
	Attempt int
	Acker   Acker
}

// Acker settles one delivery.
type Acker interface {
	// Ack acknowledges successful handling; the message leaves the queue.
	Ack(ctx context.Context) error
	// Retry schedules redelivery after the given delay with an incremented
	// attempt count.
	Retry(ctx context.Context, delay time.Duration, reason string) error
	// Dead routes the message to the queue's dead-letter destination.
	Dead(ctx context.Context, reason string) error
}

// Broker is the transport used by dispatchers and task runtimes. Handles are
// passed in explicitly by constructors; there is no ambient broker
// singleton.
type Broker interface {
	// Declare ensures the broker-side resources for the topology exist.
	// Called once at process start.
	Declare(ctx context.Context) error
	// Publish routes one message to every queue whose binding matches. The
	// delivery guarantee is "broker accepted".
	Publish(ctx context.Context, pub Publishing) error
	// Consume returns the delivery stream for one declared queue. Multiple
	// worker slots may consume the same queue; each delivery goes to one
	// slot.
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)
	// Close releases transport resources.
	Close() error
}
