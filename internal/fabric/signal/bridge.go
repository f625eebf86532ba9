// Package signal converts local state-change events into task dispatches.
// Domain code observes an event ("entity of kind K was created") inside its
// transaction; the registered reactions schedule dispatcher calls against
// that same transaction, so nothing is published when it rolls back.
package signal

import (
	"context"
	"fmt"
	"strings"

	"github.com/keylinehq/keyline/internal/fabric/uow"
)

// Action is the kind of state change an event reports.
type Action string

const (
	Created Action = "created"
	Updated Action = "updated"
	Deleted Action = "deleted"
)

// Transaction is the unit-of-work surface the bridge needs: post-commit
// hooks for deferred dispatch and per-transaction dedupe.
type Transaction interface {
	uow.UnitOfWork
	Once(key string) bool
}

// Event is one observed state change. ID must be a stable entity identifier;
// it keys the at-most-once guarantee within a transaction. Entity carries
// the changed record for reactions to read.
type Event struct {
	Kind   string
	Action Action
	ID     string
	Entity any
}

// Reaction handles one observed event, typically by scheduling a dispatcher
// call against tx. An error aborts the caller's operation.
type Reaction func(ctx context.Context, tx Transaction, event Event) error

// Bridge routes observed events to the reactions registered for their kind
// and action. Register everything at boot; Observe is safe for concurrent
// use afterwards.
type Bridge struct {
	reactions map[string][]Reaction
}

// New returns an empty bridge.
func New() *Bridge {
	return &Bridge{reactions: make(map[string][]Reaction)}
}

// React registers a reaction for one (kind, action) pair. Multiple reactions
// per pair run in registration order.
func (b *Bridge) React(kind string, action Action, reaction Reaction) error {
	if b == nil {
		return fmt.Errorf("bridge is not configured")
	}
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return fmt.Errorf("event kind is required")
	}
	if action == "" {
		return fmt.Errorf("event action is required")
	}
	if reaction == nil {
		return fmt.Errorf("reaction is required")
	}
	key := reactionKey(kind, action)
	b.reactions[key] = append(b.reactions[key], reaction)
	return nil
}

// Observe runs the reactions registered for the event. Observing the same
// event twice within one transaction is a no-op, so a reaction fires at most
// once per entity per transaction. Events with no registered reaction are
// ignored.
func (b *Bridge) Observe(ctx context.Context, tx Transaction, event Event) error {
	if b == nil {
		return fmt.Errorf("bridge is not configured")
	}
	if tx == nil {
		return fmt.Errorf("transaction is required")
	}
	if strings.TrimSpace(event.Kind) == "" {
		return fmt.Errorf("event kind is required")
	}
	if event.Action == "" {
		return fmt.Errorf("event action is required")
	}
	if strings.TrimSpace(event.ID) == "" {
		return fmt.Errorf("event id is required")
	}

	reactions := b.reactions[reactionKey(event.Kind, event.Action)]
	if len(reactions) == 0 {
		return nil
	}
	if !tx.Once(dedupeKey(event)) {
		return nil
	}
	for _, reaction := range reactions {
		if err := reaction(ctx, tx, event); err != nil {
			return fmt.Errorf("react to %s %s: %w", event.Kind, event.Action, err)
		}
	}
	return nil
}

func reactionKey(kind string, action Action) string {
	return kind + ":" + string(action)
}

func dedupeKey(event Event) string {
	return "signal:" + event.Kind + ":" + string(event.Action) + ":" + event.ID
}
