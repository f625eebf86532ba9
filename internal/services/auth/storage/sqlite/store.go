// Package sqlite provides SQLite-backed auth key persistence.
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
	"github.com/keylinehq/keyline/internal/services/auth/storage"
	"github.com/keylinehq/keyline/internal/services/auth/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed signing key persistence.
type Store struct {
	sqlDB *sql.DB
}

// Open opens an auth SQLite store and applies migrations.
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

// CreateKey persists one signing key.
func (s *Store) CreateKey(ctx context.Context, key storage.SigningKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	key.ID = strings.TrimSpace(key.ID)
	key.AccountID = strings.TrimSpace(key.AccountID)
	key.Algorithm = strings.TrimSpace(key.Algorithm)
	if key.ID == "" {
		return fmt.Errorf("key id is required")
	}
	if key.AccountID == "" {
		return fmt.Errorf("account id is required")
	}
	if key.Algorithm == "" {
		return fmt.Errorf("algorithm is required")
	}
	if len(key.PublicKey) == 0 || len(key.PrivateKey) == 0 {
		return fmt.Errorf("key material is required")
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO signing_keys (
	id,
	account_id,
	algorithm,
	public_key,
	private_key,
	created_at
) VALUES (?, ?, ?, ?, ?, ?)
`,
		key.ID,
		key.AccountID,
		key.Algorithm,
		key.PublicKey,
		key.PrivateKey,
		key.CreatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("create signing key: %w", err)
	}
	return nil
}

// GetKey loads a signing key by id.
func (s *Store) GetKey(ctx context.Context, id string) (storage.SigningKey, error) {
	if err := ctx.Err(); err != nil {
		return storage.SigningKey{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.SigningKey{}, fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return storage.SigningKey{}, fmt.Errorf("key id is required")
	}

	var key storage.SigningKey
	var createdAt int64
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT id, account_id, algorithm, public_key, private_key, created_at
FROM signing_keys
WHERE id = ?
`, id).Scan(&key.ID, &key.AccountID, &key.Algorithm, &key.PublicKey, &key.PrivateKey, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.SigningKey{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.SigningKey{}, fmt.Errorf("get signing key: %w", err)
	}
	key.CreatedAt = time.UnixMilli(createdAt).UTC()
	return key, nil
}
