// Package sqlite provides SQLite-backed enrollment persistence.
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
	"github.com/keylinehq/keyline/internal/services/enrollment/domain"
	"github.com/keylinehq/keyline/internal/services/enrollment/storage"
	"github.com/keylinehq/keyline/internal/services/enrollment/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed enrollment persistence. Mutating operations
// accept a Querier so they run inside the caller's transaction.
type Store struct {
	sqlDB *sql.DB
}

// Open opens an enrollment SQLite store and applies migrations.
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

// CreateEnrollment inserts one enrollment.
func (s *Store) CreateEnrollment(ctx context.Context, q storage.Querier, enrollment domain.Enrollment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if q == nil {
		return fmt.Errorf("querier is required")
	}
	enrollment.ID = strings.TrimSpace(enrollment.ID)
	enrollment.AccountID = strings.TrimSpace(enrollment.AccountID)
	if enrollment.ID == "" {
		return fmt.Errorf("enrollment id is required")
	}
	if enrollment.AccountID == "" {
		return fmt.Errorf("account id is required")
	}
	if enrollment.Status == "" {
		enrollment.Status = domain.StatusPending
	}
	if enrollment.Version <= 0 {
		enrollment.Version = 1
	}
	if enrollment.CreatedAt.IsZero() {
		enrollment.CreatedAt = time.Now().UTC()
	}
	if enrollment.UpdatedAt.IsZero() {
		enrollment.UpdatedAt = enrollment.CreatedAt
	}

	_, err := q.ExecContext(ctx, `
INSERT INTO enrollments (id, account_id, status, key_id, version, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`,
		enrollment.ID,
		enrollment.AccountID,
		enrollment.Status,
		enrollment.KeyID,
		enrollment.Version,
		enrollment.CreatedAt.UTC().UnixMilli(),
		enrollment.UpdatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("create enrollment: %w", err)
	}
	return nil
}

// GetEnrollment loads one enrollment by id.
func (s *Store) GetEnrollment(ctx context.Context, q storage.Querier, id string) (domain.Enrollment, error) {
	if err := ctx.Err(); err != nil {
		return domain.Enrollment{}, err
	}
	if q == nil {
		return domain.Enrollment{}, fmt.Errorf("querier is required")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Enrollment{}, fmt.Errorf("enrollment id is required")
	}

	var enrollment domain.Enrollment
	var createdAt, updatedAt int64
	err := q.QueryRowContext(ctx, `
SELECT id, account_id, status, key_id, version, created_at, updated_at
FROM enrollments
WHERE id = ?
`, id).Scan(
		&enrollment.ID,
		&enrollment.AccountID,
		&enrollment.Status,
		&enrollment.KeyID,
		&enrollment.Version,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Enrollment{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.Enrollment{}, fmt.Errorf("get enrollment: %w", err)
	}
	enrollment.CreatedAt = time.UnixMilli(createdAt).UTC()
	enrollment.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return enrollment, nil
}

// UpdateEnrollment writes status, key, and version for one enrollment.
func (s *Store) UpdateEnrollment(ctx context.Context, q storage.Querier, enrollment domain.Enrollment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if q == nil {
		return fmt.Errorf("querier is required")
	}
	if strings.TrimSpace(enrollment.ID) == "" {
		return fmt.Errorf("enrollment id is required")
	}
	if enrollment.UpdatedAt.IsZero() {
		enrollment.UpdatedAt = time.Now().UTC()
	}

	result, err := q.ExecContext(ctx, `
UPDATE enrollments
SET status = ?, key_id = ?, version = ?, updated_at = ?
WHERE id = ?
`,
		enrollment.Status,
		enrollment.KeyID,
		enrollment.Version,
		enrollment.UpdatedAt.UTC().UnixMilli(),
		enrollment.ID,
	)
	if err != nil {
		return fmt.Errorf("update enrollment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update enrollment: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// CreateSignalCode inserts one signal code.
func (s *Store) CreateSignalCode(ctx context.Context, q storage.Querier, code domain.SignalCode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if q == nil {
		return fmt.Errorf("querier is required")
	}
	code.ID = strings.TrimSpace(code.ID)
	code.EnrollmentID = strings.TrimSpace(code.EnrollmentID)
	code.AccountID = strings.TrimSpace(code.AccountID)
	code.Address = strings.TrimSpace(code.Address)
	if code.ID == "" {
		return fmt.Errorf("signal code id is required")
	}
	if code.EnrollmentID == "" {
		return fmt.Errorf("enrollment id is required")
	}
	if code.AccountID == "" {
		return fmt.Errorf("account id is required")
	}
	if err := domain.ValidateChannel(code.Channel); err != nil {
		return err
	}
	if code.Address == "" {
		return fmt.Errorf("address is required")
	}
	if code.CreatedAt.IsZero() {
		code.CreatedAt = time.Now().UTC()
	}

	_, err := q.ExecContext(ctx, `
INSERT INTO signal_codes (id, enrollment_id, account_id, channel, address, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`,
		code.ID,
		code.EnrollmentID,
		code.AccountID,
		code.Channel,
		code.Address,
		code.CreatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("create signal code: %w", err)
	}
	return nil
}

// GetSignalCode loads one signal code by id.
func (s *Store) GetSignalCode(ctx context.Context, q storage.Querier, id string) (domain.SignalCode, error) {
	if err := ctx.Err(); err != nil {
		return domain.SignalCode{}, err
	}
	if q == nil {
		return domain.SignalCode{}, fmt.Errorf("querier is required")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.SignalCode{}, fmt.Errorf("signal code id is required")
	}

	var code domain.SignalCode
	var createdAt int64
	err := q.QueryRowContext(ctx, `
SELECT id, enrollment_id, account_id, channel, address, created_at
FROM signal_codes
WHERE id = ?
`, id).Scan(&code.ID, &code.EnrollmentID, &code.AccountID, &code.Channel, &code.Address, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SignalCode{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.SignalCode{}, fmt.Errorf("get signal code: %w", err)
	}
	code.CreatedAt = time.UnixMilli(createdAt).UTC()
	return code, nil
}
