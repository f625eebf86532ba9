package app

import (
	"context"
	"path/filepath"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	otpv1 "github.com/keylinehq/keyline/api/otp/v1"
	"github.com/keylinehq/keyline/internal/fabric/catalog"
	"github.com/keylinehq/keyline/internal/fabric/envelope"
	"github.com/keylinehq/keyline/internal/fabric/runtime"
	"github.com/keylinehq/keyline/internal/services/otp/domain"
	otpsqlite "github.com/keylinehq/keyline/internal/services/otp/storage/sqlite"
)

func newTestService(t *testing.T) (*Service, *otpsqlite.Store) {
	t.Helper()
	store, err := otpsqlite.Open(filepath.Join(t.TempDir(), "otp.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	service, err := NewService(store)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	service.logf = t.Logf
	return service, store
}

func newTaskMessage(t *testing.T, args catalog.ExternalOTPCreateArgs) runtime.Message {
	t.Helper()
	codec, err := envelope.NewCodec(envelope.TimeAware)
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	payload, err := codec.EncodeArgs(args)
	if err != nil {
		t.Fatalf("encode args: %v", err)
	}
	env := envelope.Envelope{Task: catalog.TaskExternalOTPCreate, Payload: payload}
	return runtime.NewMessage(env, 1, codec)
}

func TestExternalOTPHandlerIsIdempotent(t *testing.T) {
	service, store := newTestService(t)
	handler := service.ExternalOTPHandler()

	args := catalog.ExternalOTPCreateArgs{
		ObjectID:  "obj-1",
		AccountID: "acct-1",
		Channel:   "email",
		Address:   "a@example.com",
	}
	if err := handler(context.Background(), newTaskMessage(t, args)); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	first, err := store.GetByObjectID(context.Background(), "obj-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	// Redelivery resolves to the same record and code.
	if err := handler(context.Background(), newTaskMessage(t, args)); err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	second, err := store.GetByObjectID(context.Background(), "obj-1")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if first.ID != second.ID || first.Code != second.Code {
		t.Fatalf("records differ: %+v vs %+v", first, second)
	}
}

func TestExternalOTPHandlerRejectsMissingObjectID(t *testing.T) {
	service, _ := newTestService(t)
	handler := service.ExternalOTPHandler()

	err := handler(context.Background(), newTaskMessage(t, catalog.ExternalOTPCreateArgs{AccountID: "acct-1"}))
	if err == nil {
		t.Fatal("expected missing object id to fail")
	}
	if !runtime.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
}

func TestVerifyOTPTransitionsRecord(t *testing.T) {
	service, store := newTestService(t)
	handler := service.ExternalOTPHandler()

	args := catalog.ExternalOTPCreateArgs{
		ObjectID:  "obj-1",
		AccountID: "acct-1",
		Channel:   "email",
		Address:   "a@example.com",
	}
	if err := handler(context.Background(), newTaskMessage(t, args)); err != nil {
		t.Fatalf("create: %v", err)
	}
	stored, err := store.GetByObjectID(context.Background(), "obj-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	resp, err := service.verifyOTP(context.Background(), func(target any) error {
		*target.(*otpv1.VerifyOTPRequest) = otpv1.VerifyOTPRequest{ObjectID: "obj-1", Code: stored.Code}
		return nil
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	verified := resp.(*otpv1.VerifyOTPResponse)
	if verified.Status != domain.StatusVerified || verified.Version != 2 {
		t.Fatalf("got %+v, want verified at version 2", verified)
	}
}

func TestVerifyOTPWrongCodeFailsPrecondition(t *testing.T) {
	service, _ := newTestService(t)
	handler := service.ExternalOTPHandler()

	args := catalog.ExternalOTPCreateArgs{
		ObjectID:  "obj-1",
		AccountID: "acct-1",
		Channel:   "email",
		Address:   "a@example.com",
	}
	if err := handler(context.Background(), newTaskMessage(t, args)); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err := service.verifyOTP(context.Background(), func(target any) error {
		*target.(*otpv1.VerifyOTPRequest) = otpv1.VerifyOTPRequest{ObjectID: "obj-1", Code: "000000"}
		return nil
	})
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("code = %v, want %v", status.Code(err), codes.FailedPrecondition)
	}
}

func TestGetOTPMissingReturnsNotFound(t *testing.T) {
	service, _ := newTestService(t)

	_, err := service.getOTP(context.Background(), func(target any) error {
		*target.(*otpv1.GetOTPRequest) = otpv1.GetOTPRequest{ObjectID: "ghost"}
		return nil
	})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("code = %v, want %v", status.Code(err), codes.NotFound)
	}
}
