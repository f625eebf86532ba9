// Package sqlite provides SQLite-backed audit trail persistence.
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
	"github.com/keylinehq/keyline/internal/services/audit/storage"
	"github.com/keylinehq/keyline/internal/services/audit/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed audit trail persistence.
type Store struct {
	sqlDB *sql.DB
}

// Open opens an audit SQLite store and applies migrations.
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

// Record inserts one record keyed by its publication id. Re-recording an
// id already present changes nothing and reports created=false.
func (s *Store) Record(ctx context.Context, record storage.Record) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	record.ID = strings.TrimSpace(record.ID)
	record.Task = strings.TrimSpace(record.Task)
	if record.ID == "" {
		return false, fmt.Errorf("record id is required")
	}
	if record.Task == "" {
		return false, fmt.Errorf("record task is required")
	}
	if record.RecordedAt.IsZero() {
		record.RecordedAt = time.Now().UTC()
	}

	result, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO audit_records (id, task, exchange, routing_key, summary, published_at, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING
`,
		record.ID,
		record.Task,
		record.Exchange,
		record.RoutingKey,
		record.Summary,
		record.PublishedAt.UTC().UnixMilli(),
		record.RecordedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("record audit entry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record audit entry: %w", err)
	}
	return affected == 1, nil
}

// GetRecord loads one record by publication id.
func (s *Store) GetRecord(ctx context.Context, id string) (storage.Record, error) {
	if err := ctx.Err(); err != nil {
		return storage.Record{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return storage.Record{}, fmt.Errorf("record id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, task, exchange, routing_key, summary, published_at, recorded_at
FROM audit_records
WHERE id = ?
`, id)
	record, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Record{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Record{}, fmt.Errorf("get audit record: %w", err)
	}
	return record, nil
}

// ListByTask loads the most recent records for one task name.
func (s *Store) ListByTask(ctx context.Context, task string, limit int) ([]storage.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	task = strings.TrimSpace(task)
	if task == "" {
		return nil, fmt.Errorf("task name is required")
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, task, exchange, routing_key, summary, published_at, recorded_at
FROM audit_records
WHERE task = ?
ORDER BY published_at DESC, id
LIMIT ?
`, task, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []storage.Record
	for rows.Next() {
		record, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("list audit records: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	return records, nil
}

func scanRecord(scan func(dest ...any) error) (storage.Record, error) {
	var record storage.Record
	var publishedAt, recordedAt int64
	err := scan(
		&record.ID,
		&record.Task,
		&record.Exchange,
		&record.RoutingKey,
		&record.Summary,
		&publishedAt,
		&recordedAt,
	)
	if err != nil {
		return storage.Record{}, err
	}
	record.PublishedAt = time.UnixMilli(publishedAt).UTC()
	record.RecordedAt = time.UnixMilli(recordedAt).UTC()
	return record, nil
}
