// Package sqlite provides SQLite-backed device persistence.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/keylinehq/keyline/internal/platform/storage/sqlitemigrate"
	"github.com/keylinehq/keyline/internal/services/device/domain"
	"github.com/keylinehq/keyline/internal/services/device/storage"
	"github.com/keylinehq/keyline/internal/services/device/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed device persistence. Mutating operations
// accept a Querier so they run inside the caller's transaction.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a device SQLite store and applies migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// DB exposes the underlying handle for unit-of-work transactions.
func (s *Store) DB() *sql.DB {
	if s == nil {
		return nil
	}
	return s.sqlDB
}

// CreateDevice inserts one device.
func (s *Store) CreateDevice(ctx context.Context, q storage.Querier, device domain.Device) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if q == nil {
		return fmt.Errorf("querier is required")
	}
	device.ID = strings.TrimSpace(device.ID)
	device.AccountID = strings.TrimSpace(device.AccountID)
	if device.ID == "" {
		return fmt.Errorf("device id is required")
	}
	if device.AccountID == "" {
		return fmt.Errorf("account id is required")
	}
	if err := domain.ValidateName(device.Name); err != nil {
		return err
	}
	if device.Version <= 0 {
		device.Version = 1
	}
	if device.CreatedAt.IsZero() {
		device.CreatedAt = time.Now().UTC()
	}
	if device.UpdatedAt.IsZero() {
		device.UpdatedAt = device.CreatedAt
	}

	_, err := q.ExecContext(ctx, `
INSERT INTO devices (id, account_id, name, revoked, revoke_reason, version, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`,
		device.ID,
		device.AccountID,
		device.Name,
		device.Revoked,
		device.RevokeReason,
		device.Version,
		device.CreatedAt.UTC().UnixMilli(),
		device.UpdatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("create device: %w", err)
	}
	return nil
}

// GetDevice loads one device by id.
func (s *Store) GetDevice(ctx context.Context, q storage.Querier, id string) (domain.Device, error) {
	if err := ctx.Err(); err != nil {
		return domain.Device{}, err
	}
	if q == nil {
		return domain.Device{}, fmt.Errorf("querier is required")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Device{}, fmt.Errorf("device id is required")
	}

	row := q.QueryRowContext(ctx, `
SELECT id, account_id, name, revoked, revoke_reason, version, created_at, updated_at
FROM devices
WHERE id = ?
`, id)
	device, err := scanDevice(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Device{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.Device{}, fmt.Errorf("get device: %w", err)
	}
	return device, nil
}

// UpdateDevice writes revocation state and version for one device.
func (s *Store) UpdateDevice(ctx context.Context, q storage.Querier, device domain.Device) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if q == nil {
		return fmt.Errorf("querier is required")
	}
	if strings.TrimSpace(device.ID) == "" {
		return fmt.Errorf("device id is required")
	}
	if device.UpdatedAt.IsZero() {
		device.UpdatedAt = time.Now().UTC()
	}

	result, err := q.ExecContext(ctx, `
UPDATE devices
SET revoked = ?, revoke_reason = ?, version = ?, updated_at = ?
WHERE id = ? AND version < ?
`,
		device.Revoked,
		device.RevokeReason,
		device.Version,
		device.UpdatedAt.UTC().UnixMilli(),
		device.ID,
		device.Version,
	)
	if err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListAccountDevices loads every device enrolled under an account.
func (s *Store) ListAccountDevices(ctx context.Context, q storage.Querier, accountID string) ([]domain.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if q == nil {
		return nil, fmt.Errorf("querier is required")
	}
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, fmt.Errorf("account id is required")
	}

	rows, err := q.QueryContext(ctx, `
SELECT id, account_id, name, revoked, revoke_reason, version, created_at, updated_at
FROM devices
WHERE account_id = ?
ORDER BY created_at, id
`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list account devices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var devices []domain.Device
	for rows.Next() {
		device, err := scanDevice(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("list account devices: %w", err)
		}
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list account devices: %w", err)
	}
	return devices, nil
}

func scanDevice(scan func(dest ...any) error) (domain.Device, error) {
	var device domain.Device
	var createdAt, updatedAt int64
	err := scan(
		&device.ID,
		&device.AccountID,
		&device.Name,
		&device.Revoked,
		&device.RevokeReason,
		&device.Version,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return domain.Device{}, err
	}
	device.CreatedAt = time.UnixMilli(createdAt).UTC()
	device.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return device, nil
}
