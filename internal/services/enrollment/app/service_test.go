package app

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	authv1 "github.com/keylinehq/keyline/api/auth/v1"
	"github.com/keylinehq/keyline/internal/fabric/broker/memory"
	"github.com/keylinehq/keyline/internal/fabric/catalog"
	"github.com/keylinehq/keyline/internal/fabric/dispatch"
	"github.com/keylinehq/keyline/internal/fabric/envelope"
	"github.com/keylinehq/keyline/internal/fabric/runtime"
	"github.com/keylinehq/keyline/internal/platform/rpc"
	authapp "github.com/keylinehq/keyline/internal/services/auth/app"
	authsqlite "github.com/keylinehq/keyline/internal/services/auth/storage/sqlite"
	"github.com/keylinehq/keyline/internal/services/enrollment/domain"
	enrollmentsqlite "github.com/keylinehq/keyline/internal/services/enrollment/storage/sqlite"
)

type testFixture struct {
	service    *Service
	store      *enrollmentsqlite.Store
	broker     *memory.Broker
	codec      *envelope.Codec
	authClient *authv1.Client
}

func startAuthServer(t *testing.T) string {
	t.Helper()
	store, err := authsqlite.Open(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("open auth store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	service, err := authapp.NewService(store)
	if err != nil {
		t.Fatalf("new auth service: %v", err)
	}
	server, err := rpc.NewServer("auth")
	if err != nil {
		t.Fatalf("new auth rpc server: %v", err)
	}
	if err := service.Register(server); err != nil {
		t.Fatalf("register auth methods: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	grpcServer := server.GRPCServer()
	go func() { _ = grpcServer.Serve(listener) }()
	t.Cleanup(grpcServer.Stop)
	return listener.Addr().String()
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	store, err := enrollmentsqlite.Open(filepath.Join(t.TempDir(), "enrollment.db"))
	if err != nil {
		t.Fatalf("open enrollment store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	registry, err := catalog.NewRegistry()
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	b, err := memory.New(registry)
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	if err := b.Declare(context.Background()); err != nil {
		t.Fatalf("declare: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	codec, err := envelope.NewCodec(envelope.TimeAware)
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	dispatcher, err := dispatch.New(b, codec, registry, catalog.Tasks())
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	service, err := NewService(store, dispatcher)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	authAddr := startAuthServer(t)
	gateway, err := rpc.NewGateway(rpc.GatewayConfig{
		Addrs: map[string]string{authv1.Service: authAddr},
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	t.Cleanup(func() { _ = gateway.Close() })
	authClient, err := authv1.NewClient(gateway)
	if err != nil {
		t.Fatalf("new auth client: %v", err)
	}

	return &testFixture{
		service:    service,
		store:      store,
		broker:     b,
		codec:      codec,
		authClient: authClient,
	}
}

func (f *testFixture) startSignalWorker(t *testing.T) {
	t.Helper()
	worker, err := runtime.New(f.broker, f.codec, runtime.Config{
		Queue:        catalog.QueueEnrollmentSignal,
		MaxAttempts:  3,
		RetryBackoff: time.Millisecond,
	}, map[string]runtime.Handler{
		catalog.TaskSignalCodePostCreate: f.service.SignalCodeHandler(f.authClient),
	}, t.Logf)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = worker.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("signal worker did not stop")
		}
	})
}

func TestStartEnrollmentPublishesSignalTaskAfterCommit(t *testing.T) {
	f := newFixture(t)

	enrollment, code, err := f.service.StartEnrollment(context.Background(), "acct-1", domain.ChannelEmail, "a@example.com")
	if err != nil {
		t.Fatalf("start enrollment: %v", err)
	}
	if enrollment.Status != domain.StatusPending {
		t.Fatalf("status = %q, want %q", enrollment.Status, domain.StatusPending)
	}
	if depth := f.broker.QueueDepth(catalog.QueueEnrollmentSignal); depth != 1 {
		t.Fatalf("signal queue depth = %d, want 1", depth)
	}

	deliveries, err := f.broker.Consume(context.Background(), catalog.QueueEnrollmentSignal)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	delivery := <-deliveries
	env, err := f.codec.DecodeEnvelope(delivery.Body)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Task != catalog.TaskSignalCodePostCreate {
		t.Fatalf("task = %q, want %q", env.Task, catalog.TaskSignalCodePostCreate)
	}
	var args catalog.SignalCodePostCreateArgs
	if err := f.codec.DecodeArgs(env.Payload, &args); err != nil {
		t.Fatalf("decode args: %v", err)
	}
	if args.SignalCodeID != code.ID {
		t.Fatalf("signal code id = %q, want %q", args.SignalCodeID, code.ID)
	}
	if err := delivery.Acker.Ack(context.Background()); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

func TestStartEnrollmentRejectsBadInputWithoutPublishing(t *testing.T) {
	f := newFixture(t)

	if _, _, err := f.service.StartEnrollment(context.Background(), "acct-1", "fax", "555"); err == nil {
		t.Fatal("expected unsupported channel to fail")
	}
	if depth := f.broker.QueueDepth(catalog.QueueEnrollmentSignal); depth != 0 {
		t.Fatalf("signal queue depth = %d, want 0", depth)
	}
}

func TestSignalWorkerActivatesEnrollmentAndFansOut(t *testing.T) {
	f := newFixture(t)
	f.startSignalWorker(t)

	_, code, err := f.service.StartEnrollment(context.Background(), "acct-1", domain.ChannelEmail, "a@example.com")
	if err != nil {
		t.Fatalf("start enrollment: %v", err)
	}

	otpDeliveries, err := f.broker.Consume(context.Background(), catalog.QueueOTPExternal)
	if err != nil {
		t.Fatalf("consume otp queue: %v", err)
	}
	select {
	case delivery := <-otpDeliveries:
		env, err := f.codec.DecodeEnvelope(delivery.Body)
		if err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if env.Task != catalog.TaskExternalOTPCreate {
			t.Fatalf("task = %q, want %q", env.Task, catalog.TaskExternalOTPCreate)
		}
		var args catalog.ExternalOTPCreateArgs
		if err := f.codec.DecodeArgs(env.Payload, &args); err != nil {
			t.Fatalf("decode args: %v", err)
		}
		if args.ObjectID != code.ID {
			t.Fatalf("object id = %q, want %q", args.ObjectID, code.ID)
		}
		if err := delivery.Acker.Ack(context.Background()); err != nil {
			t.Fatalf("ack: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the external otp task")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := f.service.GetEnrollment(context.Background(), code.EnrollmentID)
		if err != nil {
			t.Fatalf("get enrollment: %v", err)
		}
		if got.Status == domain.StatusActive && got.KeyID != "" && got.Version == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("enrollment never activated: %+v", got)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The activation event fans out to the audit trail and carries the
	// originating code's object id.
	auditDeliveries, err := f.broker.Consume(context.Background(), catalog.QueueAuditConsume)
	if err != nil {
		t.Fatalf("consume audit queue: %v", err)
	}
	select {
	case delivery := <-auditDeliveries:
		env, err := f.codec.DecodeEnvelope(delivery.Body)
		if err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if env.Task != catalog.TaskEnrollmentPublish {
			t.Fatalf("task = %q, want %q", env.Task, catalog.TaskEnrollmentPublish)
		}
		var published catalog.EnrollmentPublishArgs
		if err := f.codec.DecodeArgs(env.Payload, &published); err != nil {
			t.Fatalf("decode args: %v", err)
		}
		if published.ObjectID != code.ID {
			t.Fatalf("published object id = %q, want %q", published.ObjectID, code.ID)
		}
		if err := delivery.Acker.Ack(context.Background()); err != nil {
			t.Fatalf("ack: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("audit queue never received the activation event")
	}
}

func TestSignalHandlerDeadLettersMissingCode(t *testing.T) {
	f := newFixture(t)

	payload, err := f.codec.EncodeArgs(catalog.SignalCodePostCreateArgs{SignalCodeID: "ghost", AccountID: "acct-1"})
	if err != nil {
		t.Fatalf("encode args: %v", err)
	}
	msg := runtime.NewMessage(envelope.Envelope{
		Task:    catalog.TaskSignalCodePostCreate,
		Payload: payload,
	}, 1, f.codec)

	handler := f.service.SignalCodeHandler(f.authClient)
	err = handler(context.Background(), msg)
	if err == nil {
		t.Fatal("expected missing signal code to fail")
	}
	if !runtime.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
}
