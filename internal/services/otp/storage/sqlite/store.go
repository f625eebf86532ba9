// Package sqlite provides SQLite-backed OTP persistence.
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
	"github.com/keylinehq/keyline/internal/services/otp/domain"
	"github.com/keylinehq/keyline/internal/services/otp/storage"
	"github.com/keylinehq/keyline/internal/services/otp/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed passcode persistence.
type Store struct {
	sqlDB *sql.DB
}

// Open opens an OTP SQLite store and applies migrations.
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

// GetOrCreate inserts the record unless one already exists for its object
// id, then returns the stored record. The second return reports whether the
// insert happened.
func (s *Store) GetOrCreate(ctx context.Context, otp domain.OTP) (domain.OTP, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.OTP{}, false, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.OTP{}, false, fmt.Errorf("storage is not configured")
	}
	otp.ID = strings.TrimSpace(otp.ID)
	otp.ObjectID = strings.TrimSpace(otp.ObjectID)
	otp.AccountID = strings.TrimSpace(otp.AccountID)
	if otp.ID == "" {
		return domain.OTP{}, false, fmt.Errorf("otp id is required")
	}
	if otp.ObjectID == "" {
		return domain.OTP{}, false, fmt.Errorf("object id is required")
	}
	if otp.AccountID == "" {
		return domain.OTP{}, false, fmt.Errorf("account id is required")
	}
	if otp.Code == "" {
		return domain.OTP{}, false, fmt.Errorf("code is required")
	}
	if otp.Status == "" {
		otp.Status = domain.StatusPending
	}
	if otp.Version <= 0 {
		otp.Version = 1
	}
	if otp.CreatedAt.IsZero() {
		otp.CreatedAt = time.Now().UTC()
	}
	if otp.UpdatedAt.IsZero() {
		otp.UpdatedAt = otp.CreatedAt
	}

	result, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO otps (id, object_id, account_id, channel, address, code, status, version, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(object_id) DO NOTHING
`,
		otp.ID,
		otp.ObjectID,
		otp.AccountID,
		otp.Channel,
		otp.Address,
		otp.Code,
		otp.Status,
		otp.Version,
		otp.CreatedAt.UTC().UnixMilli(),
		otp.UpdatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return domain.OTP{}, false, fmt.Errorf("create passcode: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return domain.OTP{}, false, fmt.Errorf("create passcode: %w", err)
	}

	stored, err := s.GetByObjectID(ctx, otp.ObjectID)
	if err != nil {
		return domain.OTP{}, false, err
	}
	return stored, affected == 1, nil
}

// GetByObjectID loads the record created for one object id.
func (s *Store) GetByObjectID(ctx context.Context, objectID string) (domain.OTP, error) {
	if err := ctx.Err(); err != nil {
		return domain.OTP{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.OTP{}, fmt.Errorf("storage is not configured")
	}
	objectID = strings.TrimSpace(objectID)
	if objectID == "" {
		return domain.OTP{}, fmt.Errorf("object id is required")
	}

	var otp domain.OTP
	var createdAt, updatedAt int64
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT id, object_id, account_id, channel, address, code, status, version, created_at, updated_at
FROM otps
WHERE object_id = ?
`, objectID).Scan(
		&otp.ID,
		&otp.ObjectID,
		&otp.AccountID,
		&otp.Channel,
		&otp.Address,
		&otp.Code,
		&otp.Status,
		&otp.Version,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.OTP{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.OTP{}, fmt.Errorf("get passcode: %w", err)
	}
	otp.CreatedAt = time.UnixMilli(createdAt).UTC()
	otp.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return otp, nil
}

// Update writes status and version for one record, guarded against
// concurrent writers by the previous version.
func (s *Store) Update(ctx context.Context, otp domain.OTP) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(otp.ID) == "" {
		return fmt.Errorf("otp id is required")
	}
	if otp.UpdatedAt.IsZero() {
		otp.UpdatedAt = time.Now().UTC()
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE otps
SET status = ?, version = ?, updated_at = ?
WHERE id = ? AND version < ?
`,
		otp.Status,
		otp.Version,
		otp.UpdatedAt.UTC().UnixMilli(),
		otp.ID,
		otp.Version,
	)
	if err != nil {
		return fmt.Errorf("update passcode: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update passcode: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}
