// Package dispatch is the producer-side API of the task fabric. Application
// code hands it a task name and arguments; the dispatcher serializes them,
// wraps them in an envelope, and publishes through the broker. Inside a unit
// of work the publish is deferred to a post-commit hook so rolled-back
// transactions never leak events.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/keylinehq/keyline/internal/fabric/broker"
	"github.com/keylinehq/keyline/internal/fabric/envelope"
	"github.com/keylinehq/keyline/internal/fabric/topology"
	"github.com/keylinehq/keyline/internal/fabric/uow"
	"github.com/keylinehq/keyline/internal/platform/id"
)

// maxSummaryLen bounds the human-readable argument summary attached to each
// envelope for log readability.
const maxSummaryLen = 256

// Definition binds one task name to the exchange and routing key it is
// published with. Definitions are validated against the topology at
// construction time.
type Definition struct {
	Name       string
	Exchange   string
	RoutingKey string
}

// Dispatcher publishes tasks and events declared in its definition set. It
// is safe for concurrent use once constructed.
type Dispatcher struct {
	broker broker.Broker
	codec  *envelope.Codec
	tasks  map[string]Definition
	now    func() time.Time
}

// New validates the task definitions against the topology and returns a
// dispatcher. Every routing key must reach at least one queue so unroutable
// publications are rejected at boot rather than at first publish.
func New(b broker.Broker, codec *envelope.Codec, registry *topology.Registry, defs []Definition) (*Dispatcher, error) {
	if b == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if codec == nil {
		return nil, fmt.Errorf("codec is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("topology registry is required")
	}

	tasks := make(map[string]Definition, len(defs))
	pubs := make([]topology.Publication, 0, len(defs))
	for _, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			return nil, fmt.Errorf("task name is required")
		}
		if _, exists := tasks[name]; exists {
			return nil, fmt.Errorf("task %s declared twice", name)
		}
		tasks[name] = def
		pubs = append(pubs, topology.Publication{
			Exchange:   def.Exchange,
			RoutingKey: def.RoutingKey,
		})
	}
	if err := registry.ValidatePublications(pubs); err != nil {
		return nil, fmt.Errorf("validate task definitions: %w", err)
	}

	return &Dispatcher{
		broker: b,
		codec:  codec,
		tasks:  tasks,
		now:    time.Now,
	}, nil
}

// Dispatch publishes one task. Serialization happens immediately so argument
// errors surface to the caller; when tx is non-nil the network publish is
// deferred to a post-commit hook and skipped entirely on rollback. Outside a
// transaction the publish happens before Dispatch returns.
func (d *Dispatcher) Dispatch(ctx context.Context, tx uow.UnitOfWork, task string, args any) error {
	if d == nil {
		return fmt.Errorf("dispatcher is not configured")
	}
	def, ok := d.tasks[task]
	if !ok {
		return fmt.Errorf("task %s is not declared", task)
	}

	payload, err := d.codec.EncodeArgs(args)
	if err != nil {
		return fmt.Errorf("encode %s args: %w", task, err)
	}
	publicationID, err := id.NewID()
	if err != nil {
		return fmt.Errorf("generate publication id: %w", err)
	}
	env := envelope.Envelope{
		ID:          publicationID,
		Task:        def.Name,
		Payload:     payload,
		Summary:     summarize(args),
		Exchange:    def.Exchange,
		RoutingKey:  def.RoutingKey,
		PublishedAt: d.now().UTC(),
	}
	body, err := d.codec.EncodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", task, err)
	}

	pub := broker.Publishing{
		Exchange:   def.Exchange,
		RoutingKey: def.RoutingKey,
		Body:       body,
		Task:       def.Name,
		Summary:    env.Summary,
	}

	if tx == nil {
		if err := d.broker.Publish(ctx, pub); err != nil {
			return fmt.Errorf("publish %s: %w", task, err)
		}
		return nil
	}

	tx.RegisterPostCommit(func(hookCtx context.Context) {
		if err := d.broker.Publish(hookCtx, pub); err != nil {
			log.Printf("[FABRIC] publish %s after commit: %v", task, err)
		}
	})
	return nil
}

// summarize renders a bounded human-readable view of the task arguments.
func summarize(args any) string {
	if args == nil {
		return ""
	}
	s := fmt.Sprintf("%+v", args)
	if len(s) > maxSummaryLen {
		s = s[:maxSummaryLen]
	}
	return s
}
