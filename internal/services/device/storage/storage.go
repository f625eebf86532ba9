// Package storage defines device persistence contracts.
package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/keylinehq/keyline/internal/services/device/domain"
)

// ErrNotFound reports a missing device.
var ErrNotFound = errors.New("record not found")

// Querier is the shared query surface of *sql.DB and *sql.Tx, so store
// operations compose with the caller's unit of work.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DeviceStore persists devices.
type DeviceStore interface {
	DB() *sql.DB
	CreateDevice(ctx context.Context, q Querier, device domain.Device) error
	GetDevice(ctx context.Context, q Querier, id string) (domain.Device, error)
	UpdateDevice(ctx context.Context, q Querier, device domain.Device) error
	ListAccountDevices(ctx context.Context, q Querier, accountID string) ([]domain.Device, error)
}
