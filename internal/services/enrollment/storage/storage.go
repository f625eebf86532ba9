// Package storage defines enrollment persistence contracts.
package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/keylinehq/keyline/internal/services/enrollment/domain"
)

// ErrNotFound reports a missing enrollment or signal code.
var ErrNotFound = errors.New("record not found")

// Querier is the shared query surface of *sql.DB and *sql.Tx, so store
// operations compose with the caller's unit of work.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// EnrollmentStore persists enrollments and signal codes.
type EnrollmentStore interface {
	DB() *sql.DB
	CreateEnrollment(ctx context.Context, q Querier, enrollment domain.Enrollment) error
	GetEnrollment(ctx context.Context, q Querier, id string) (domain.Enrollment, error)
	UpdateEnrollment(ctx context.Context, q Querier, enrollment domain.Enrollment) error
	CreateSignalCode(ctx context.Context, q Querier, code domain.SignalCode) error
	GetSignalCode(ctx context.Context, q Querier, id string) (domain.SignalCode, error)
}
