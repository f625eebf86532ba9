package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/keylinehq/keyline/internal/services/otp/domain"
	"github.com/keylinehq/keyline/internal/services/otp/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "otp.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testOTP(id, objectID, code string) domain.OTP {
	return domain.OTP{
		ID:        id,
		ObjectID:  objectID,
		AccountID: "acct-1",
		Channel:   "email",
		Address:   "a@example.com",
		Code:      code,
	}
}

func TestGetOrCreateInsertsOnce(t *testing.T) {
	store := openTestStore(t)

	first, created, err := store.GetOrCreate(context.Background(), testOTP("otp-1", "obj-1", "111111"))
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if !created {
		t.Fatal("expected first call to create")
	}
	if first.Code != "111111" {
		t.Fatalf("code = %q, want %q", first.Code, "111111")
	}

	second, created, err := store.GetOrCreate(context.Background(), testOTP("otp-2", "obj-1", "222222"))
	if err != nil {
		t.Fatalf("get or create again: %v", err)
	}
	if created {
		t.Fatal("expected second call to resolve to the stored record")
	}
	if second.ID != "otp-1" || second.Code != "111111" {
		t.Fatalf("got %+v, want the first record", second)
	}
}

func TestGetByObjectIDMissingReturnsNotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.GetByObjectID(context.Background(), "ghost")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want storage.ErrNotFound", err)
	}
}

func TestUpdateAdvancesVersionOnly(t *testing.T) {
	store := openTestStore(t)

	otp, _, err := store.GetOrCreate(context.Background(), testOTP("otp-1", "obj-1", "111111"))
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}

	if err := otp.Verify("111111", otp.CreatedAt); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := store.Update(context.Background(), otp); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := store.GetByObjectID(context.Background(), "obj-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusVerified || got.Version != 2 {
		t.Fatalf("got %+v, want verified at version 2", got)
	}

	// Replaying the same update changes nothing.
	if err := store.Update(context.Background(), otp); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want storage.ErrNotFound", err)
	}
}
