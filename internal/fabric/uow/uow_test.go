package uow

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "uow.db"))
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	if _, err := sqlDB.Exec(`CREATE TABLE records (id TEXT PRIMARY KEY)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	return sqlDB
}

func countRecords(t *testing.T, sqlDB *sql.DB) int {
	t.Helper()
	var count int
	if err := sqlDB.QueryRow(`SELECT COUNT(1) FROM records`).Scan(&count); err != nil {
		t.Fatalf("count records: %v", err)
	}
	return count
}

func TestCommitRunsHooksInRegistrationOrder(t *testing.T) {
	sqlDB := openTestDB(t)
	tx, err := Begin(context.Background(), sqlDB)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	if _, err := tx.SQL().Exec(`INSERT INTO records (id) VALUES ('r1')`); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var fired []string
	tx.RegisterPostCommit(func(context.Context) { fired = append(fired, "first") })
	tx.RegisterPostCommit(func(context.Context) { fired = append(fired, "second") })
	tx.RegisterPostCommit(func(context.Context) { fired = append(fired, "third") })

	if len(fired) != 0 {
		t.Fatal("hooks must not fire before commit")
	}
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}
	// Commit returns only after the post-commit phase.
	if len(fired) != 3 || fired[0] != "first" || fired[1] != "second" || fired[2] != "third" {
		t.Fatalf("fired = %v, want registration order", fired)
	}
	if got := countRecords(t, sqlDB); got != 1 {
		t.Fatalf("records = %d, want 1", got)
	}
}

func TestRollbackDiscardsHooks(t *testing.T) {
	sqlDB := openTestDB(t)
	tx, err := Begin(context.Background(), sqlDB)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	if _, err := tx.SQL().Exec(`INSERT INTO records (id) VALUES ('r1')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	fired := false
	tx.RegisterPostCommit(func(context.Context) { fired = true })

	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if fired {
		t.Fatal("hook fired on rollback")
	}
	if got := countRecords(t, sqlDB); got != 0 {
		t.Fatalf("records = %d, want 0", got)
	}
}

func TestRegisterAfterCompletionIsIgnored(t *testing.T) {
	sqlDB := openTestDB(t)
	tx, err := Begin(context.Background(), sqlDB)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}

	fired := false
	tx.RegisterPostCommit(func(context.Context) { fired = true })
	if fired {
		t.Fatal("late registration must not fire")
	}
	if err := tx.Commit(context.Background()); err == nil {
		t.Fatal("expected second commit to fail")
	}
}

func TestOnceDeduplicatesWithinTransaction(t *testing.T) {
	sqlDB := openTestDB(t)
	tx, err := Begin(context.Background(), sqlDB)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	t.Cleanup(func() { _ = tx.Rollback() })

	if !tx.Once("enrollment.code/post_create/code-1") {
		t.Fatal("first observation must be new")
	}
	if tx.Once("enrollment.code/post_create/code-1") {
		t.Fatal("second observation must be deduplicated")
	}
	if !tx.Once("enrollment.code/post_create/code-2") {
		t.Fatal("different key must be new")
	}
}
