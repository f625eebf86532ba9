// Package uow provides the transactional unit-of-work boundary the fabric
// publishes through: side effects registered against a transaction fire only
// after it durably commits, and are discarded on rollback.
package uow

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// UnitOfWork is the commit-hook surface the dispatcher and signal bridge
// depend on. Implementations run registered hooks, in registration order,
// synchronously after a successful commit and never on rollback.
type UnitOfWork interface {
	RegisterPostCommit(hook func(context.Context))
}

// Tx wraps a database transaction with post-commit hooks. It is not safe for
// concurrent use, matching database/sql transaction semantics.
type Tx struct {
	sqlTx *sql.Tx

	mu    sync.Mutex
	hooks []func(context.Context)
	seen  map[string]bool
	done  bool
}

// Begin starts a database transaction with post-commit hook support.
func Begin(ctx context.Context, sqlDB *sql.DB) (*Tx, error) {
	if sqlDB == nil {
		return nil, fmt.Errorf("sql db is required")
	}
	sqlTx, err := sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{sqlTx: sqlTx, seen: map[string]bool{}}, nil
}

// SQL exposes the underlying transaction for queries and statements.
func (t *Tx) SQL() *sql.Tx {
	if t == nil {
		return nil
	}
	return t.sqlTx
}

// RegisterPostCommit queues a hook to run after a successful commit. Hooks
// registered within one transaction fire in registration order.
func (t *Tx) RegisterPostCommit(hook func(context.Context)) {
	if t == nil || hook == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.hooks = append(t.hooks, hook)
}

// Once records a key against this transaction and reports whether it was
// seen for the first time. The signal bridge uses it to guarantee at most
// one dispatch per observed event per transaction.
func (t *Tx) Once(key string) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done || t.seen[key] {
		return false
	}
	t.seen[key] = true
	return true
}

// Commit commits the transaction and then runs the registered hooks in
// order, before returning control to the caller. A commit failure discards
// the hooks.
func (t *Tx) Commit(ctx context.Context) error {
	if t == nil || t.sqlTx == nil {
		return fmt.Errorf("transaction is not configured")
	}
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return sql.ErrTxDone
	}
	t.done = true
	hooks := t.hooks
	t.hooks = nil
	t.mu.Unlock()

	if err := t.sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	for _, hook := range hooks {
		hook(ctx)
	}
	return nil
}

// Rollback aborts the transaction and discards every registered hook.
func (t *Tx) Rollback() error {
	if t == nil || t.sqlTx == nil {
		return nil
	}
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return nil
	}
	t.done = true
	t.hooks = nil
	t.mu.Unlock()
	return t.sqlTx.Rollback()
}

var _ UnitOfWork = (*Tx)(nil)
