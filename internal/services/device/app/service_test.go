package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/keylinehq/keyline/internal/fabric/broker/memory"
	"github.com/keylinehq/keyline/internal/fabric/catalog"
	"github.com/keylinehq/keyline/internal/fabric/dispatch"
	"github.com/keylinehq/keyline/internal/fabric/envelope"
	"github.com/keylinehq/keyline/internal/fabric/runtime"
	devicesqlite "github.com/keylinehq/keyline/internal/services/device/storage/sqlite"
)

type testFixture struct {
	service *Service
	store   *devicesqlite.Store
	broker  *memory.Broker
	codec   *envelope.Codec
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	store, err := devicesqlite.Open(filepath.Join(t.TempDir(), "device.db"))
	if err != nil {
		t.Fatalf("open device store: %v", err)
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
	return &testFixture{service: service, store: store, broker: b, codec: codec}
}

func (f *testFixture) taskMessage(t *testing.T, task string, args any) runtime.Message {
	t.Helper()
	payload, err := f.codec.EncodeArgs(args)
	if err != nil {
		t.Fatalf("encode args: %v", err)
	}
	return runtime.NewMessage(envelope.Envelope{Task: task, Payload: payload}, 1, f.codec)
}

func (f *testFixture) decodeRevocations(t *testing.T, want int) []catalog.DevicePublishRevokeArgs {
	t.Helper()
	deliveries, err := f.broker.Consume(context.Background(), catalog.QueueDeviceConsume)
	if err != nil {
		t.Fatalf("consume device queue: %v", err)
	}
	var revocations []catalog.DevicePublishRevokeArgs
	for len(revocations) < want {
		select {
		case delivery := <-deliveries:
			env, err := f.codec.DecodeEnvelope(delivery.Body)
			if err != nil {
				t.Fatalf("decode envelope: %v", err)
			}
			if env.Task != catalog.TaskDevicePublishRevoke {
				t.Fatalf("task = %q, want %q", env.Task, catalog.TaskDevicePublishRevoke)
			}
			var args catalog.DevicePublishRevokeArgs
			if err := f.codec.DecodeArgs(env.Payload, &args); err != nil {
				t.Fatalf("decode args: %v", err)
			}
			revocations = append(revocations, args)
			if err := delivery.Acker.Ack(context.Background()); err != nil {
				t.Fatalf("ack: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("got %d revocation events, want %d", len(revocations), want)
		}
	}
	return revocations
}

func TestRevokeDevicePublishesAfterCommit(t *testing.T) {
	f := newFixture(t)

	device, err := f.service.RegisterDevice(context.Background(), "acct-1", "laptop")
	if err != nil {
		t.Fatalf("register device: %v", err)
	}
	if depth := f.broker.QueueDepth(catalog.QueueDeviceConsume); depth != 0 {
		t.Fatalf("device queue depth = %d before revoke, want 0", depth)
	}

	revoked, err := f.service.RevokeDevice(context.Background(), device.ID, "lost")
	if err != nil {
		t.Fatalf("revoke device: %v", err)
	}
	if !revoked.Revoked || revoked.Version != 2 {
		t.Fatalf("device = %+v, want revoked at version 2", revoked)
	}

	revocations := f.decodeRevocations(t, 1)
	if revocations[0].DeviceID != device.ID {
		t.Fatalf("device id = %q, want %q", revocations[0].DeviceID, device.ID)
	}
	if revocations[0].Reason != "lost" || revocations[0].Version != 2 {
		t.Fatalf("revocation = %+v, want reason lost at version 2", revocations[0])
	}

	// The topic binding also routes the event to the audit trail.
	if depth := f.broker.QueueDepth(catalog.QueueAuditConsume); depth != 1 {
		t.Fatalf("audit queue depth = %d, want 1", depth)
	}
}

func TestRevokeDeviceTwicePublishesOnce(t *testing.T) {
	f := newFixture(t)

	device, err := f.service.RegisterDevice(context.Background(), "acct-1", "laptop")
	if err != nil {
		t.Fatalf("register device: %v", err)
	}
	if _, err := f.service.RevokeDevice(context.Background(), device.ID, "lost"); err != nil {
		t.Fatalf("first revoke: %v", err)
	}
	again, err := f.service.RevokeDevice(context.Background(), device.ID, "stolen")
	if err != nil {
		t.Fatalf("second revoke: %v", err)
	}
	if again.Version != 2 {
		t.Fatalf("version = %d after repeat revoke, want 2", again.Version)
	}
	if depth := f.broker.QueueDepth(catalog.QueueDeviceConsume); depth != 1 {
		t.Fatalf("device queue depth = %d, want 1", depth)
	}
}

func TestRevokeHandlerAppliesNextVersionOnly(t *testing.T) {
	f := newFixture(t)
	handler := f.service.RevokeHandler()

	device, err := f.service.RegisterDevice(context.Background(), "acct-1", "laptop")
	if err != nil {
		t.Fatalf("register device: %v", err)
	}

	now := time.Now().UTC()
	msg := f.taskMessage(t, catalog.TaskDevicePublishRevoke, catalog.DevicePublishRevokeArgs{
		DeviceID: device.ID, AccountID: "acct-1", Reason: "lost", Version: 2, RevokedAt: now,
	})
	if err := handler(context.Background(), msg); err != nil {
		t.Fatalf("apply revocation: %v", err)
	}
	got, err := f.service.GetDevice(context.Background(), device.ID)
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if !got.Revoked || got.Version != 2 {
		t.Fatalf("device = %+v, want revoked at version 2", got)
	}

	// Redelivery of an applied version is dropped quietly.
	if err := handler(context.Background(), msg); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	// A version gap cannot heal on retry.
	ahead := f.taskMessage(t, catalog.TaskDevicePublishRevoke, catalog.DevicePublishRevokeArgs{
		DeviceID: device.ID, AccountID: "acct-1", Reason: "lost", Version: 9, RevokedAt: now,
	})
	err = handler(context.Background(), ahead)
	if !runtime.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
}

func TestRevokeHandlerUnknownDeviceIsPermanent(t *testing.T) {
	f := newFixture(t)
	handler := f.service.RevokeHandler()

	msg := f.taskMessage(t, catalog.TaskDevicePublishRevoke, catalog.DevicePublishRevokeArgs{
		DeviceID: "ghost", AccountID: "acct-1", Reason: "lost", Version: 2,
	})
	err := handler(context.Background(), msg)
	if !runtime.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
}

func TestAccountDeleteHandlerRevokesAllDevices(t *testing.T) {
	f := newFixture(t)
	handler := f.service.AccountDeleteHandler()

	first, err := f.service.RegisterDevice(context.Background(), "acct-1", "laptop")
	if err != nil {
		t.Fatalf("register first device: %v", err)
	}
	second, err := f.service.RegisterDevice(context.Background(), "acct-1", "phone")
	if err != nil {
		t.Fatalf("register second device: %v", err)
	}
	other, err := f.service.RegisterDevice(context.Background(), "acct-2", "tablet")
	if err != nil {
		t.Fatalf("register other account device: %v", err)
	}

	msg := f.taskMessage(t, catalog.TaskAccountPublishDelete, catalog.AccountPublishDeleteArgs{
		AccountID: "acct-1", DeletedAt: time.Now().UTC(),
	})
	if err := handler(context.Background(), msg); err != nil {
		t.Fatalf("account delete: %v", err)
	}

	for _, deviceID := range []string{first.ID, second.ID} {
		got, err := f.service.GetDevice(context.Background(), deviceID)
		if err != nil {
			t.Fatalf("get device %s: %v", deviceID, err)
		}
		if !got.Revoked || got.RevokeReason != "account deleted" {
			t.Fatalf("device %s = %+v, want revoked for account deletion", deviceID, got)
		}
	}
	untouched, err := f.service.GetDevice(context.Background(), other.ID)
	if err != nil {
		t.Fatalf("get other account device: %v", err)
	}
	if untouched.Revoked {
		t.Fatal("other account device was revoked")
	}

	revocations := f.decodeRevocations(t, 2)
	seen := map[string]bool{}
	for _, revocation := range revocations {
		seen[revocation.DeviceID] = true
	}
	if !seen[first.ID] || !seen[second.ID] {
		t.Fatalf("revocation events for %v, want both %s and %s", seen, first.ID, second.ID)
	}

	// Redelivery finds nothing left to revoke and publishes nothing.
	if err := handler(context.Background(), msg); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if depth := f.broker.QueueDepth(catalog.QueueDeviceConsume); depth != 0 {
		t.Fatalf("device queue depth = %d after redelivery, want 0", depth)
	}
}
