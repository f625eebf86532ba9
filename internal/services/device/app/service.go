// Package app implements the device service. Revoking a device updates the
// row and publishes the revocation event in one transaction; the device
// consumer also applies revocations and account deletions arriving over the
// fabric.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	devicev1 "github.com/keylinehq/keyline/api/device/v1"
	"github.com/keylinehq/keyline/internal/fabric/catalog"
	"github.com/keylinehq/keyline/internal/fabric/dispatch"
	"github.com/keylinehq/keyline/internal/fabric/signal"
	"github.com/keylinehq/keyline/internal/fabric/uow"
	"github.com/keylinehq/keyline/internal/platform/id"
	"github.com/keylinehq/keyline/internal/platform/rpc"
	"github.com/keylinehq/keyline/internal/services/device/domain"
	"github.com/keylinehq/keyline/internal/services/device/storage"
)

// KindDevice is the event kind the bridge reacts to.
const KindDevice = "device"

// Service serves the device RPC surface and owns the signal bridge.
type Service struct {
	store      storage.DeviceStore
	dispatcher *dispatch.Dispatcher
	bridge     *signal.Bridge
	now        func() time.Time
}

// NewService builds the device service and registers its signal reactions.
func NewService(store storage.DeviceStore, dispatcher *dispatch.Dispatcher) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("device store is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	s := &Service{
		store:      store,
		dispatcher: dispatcher,
		bridge:     signal.New(),
		now:        time.Now,
	}
	err := s.bridge.React(KindDevice, signal.Updated, func(ctx context.Context, tx signal.Transaction, event signal.Event) error {
		device, ok := event.Entity.(domain.Device)
		if !ok {
			return fmt.Errorf("device event carries %T", event.Entity)
		}
		return s.dispatcher.Dispatch(ctx, tx, catalog.TaskDevicePublishRevoke, catalog.DevicePublishRevokeArgs{
			DeviceID:  device.ID,
			AccountID: device.AccountID,
			Reason:    device.RevokeReason,
			Version:   device.Version,
			RevokedAt: device.UpdatedAt,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("register device reactions: %w", err)
	}
	return s, nil
}

// RegisterDevice stores a new device under an account.
func (s *Service) RegisterDevice(ctx context.Context, accountID, name string) (domain.Device, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return domain.Device{}, fmt.Errorf("account id is required")
	}
	if err := domain.ValidateName(name); err != nil {
		return domain.Device{}, err
	}

	deviceID, err := id.NewID()
	if err != nil {
		return domain.Device{}, fmt.Errorf("generate device id: %w", err)
	}
	now := s.now().UTC()
	device := domain.Device{
		ID:        deviceID,
		AccountID: accountID,
		Name:      strings.TrimSpace(name),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateDevice(ctx, s.store.DB(), device); err != nil {
		return domain.Device{}, err
	}
	return device, nil
}

// GetDevice loads one device.
func (s *Service) GetDevice(ctx context.Context, deviceID string) (domain.Device, error) {
	return s.store.GetDevice(ctx, s.store.DB(), deviceID)
}

// RevokeDevice revokes a device and publishes the revocation after the
// transaction commits. Revoking an already-revoked device returns the
// current state without publishing anything.
func (s *Service) RevokeDevice(ctx context.Context, deviceID, reason string) (domain.Device, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return domain.Device{}, fmt.Errorf("device id is required")
	}

	tx, err := uow.Begin(ctx, s.store.DB())
	if err != nil {
		return domain.Device{}, fmt.Errorf("begin revoke tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	device, err := s.store.GetDevice(ctx, tx.SQL(), deviceID)
	if err != nil {
		return domain.Device{}, err
	}
	if !device.Revoke(reason, s.now()) {
		return device, nil
	}
	if err := s.store.UpdateDevice(ctx, tx.SQL(), device); err != nil {
		return domain.Device{}, err
	}
	err = s.bridge.Observe(ctx, tx, signal.Event{
		Kind:   KindDevice,
		Action: signal.Updated,
		ID:     device.ID,
		Entity: device,
	})
	if err != nil {
		return domain.Device{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Device{}, fmt.Errorf("commit revoke tx: %w", err)
	}
	return device, nil
}

// Register installs the device method handlers on server.
func (s *Service) Register(server *rpc.Server) error {
	if s == nil {
		return fmt.Errorf("service is not configured")
	}
	if err := server.Handle(devicev1.MethodRegisterDevice, s.registerDevice); err != nil {
		return err
	}
	if err := server.Handle(devicev1.MethodGetDevice, s.getDevice); err != nil {
		return err
	}
	return server.Handle(devicev1.MethodRevokeDevice, s.revokeDevice)
}

func (s *Service) registerDevice(ctx context.Context, decode func(any) error) (any, error) {
	var req devicev1.RegisterDeviceRequest
	if err := decode(&req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	device, err := s.RegisterDevice(ctx, req.AccountID, req.Name)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return &devicev1.RegisterDeviceResponse{
		DeviceID:  device.ID,
		CreatedAt: device.CreatedAt,
	}, nil
}

func (s *Service) getDevice(ctx context.Context, decode func(any) error) (any, error) {
	var req devicev1.GetDeviceRequest
	if err := decode(&req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	device, err := s.GetDevice(ctx, req.DeviceID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, status.Errorf(codes.NotFound, "device %s not found", req.DeviceID)
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "load device: %v", err)
	}
	return &devicev1.GetDeviceResponse{
		DeviceID:     device.ID,
		AccountID:    device.AccountID,
		Name:         device.Name,
		Revoked:      device.Revoked,
		RevokeReason: device.RevokeReason,
		Version:      device.Version,
		CreatedAt:    device.CreatedAt,
	}, nil
}

func (s *Service) revokeDevice(ctx context.Context, decode func(any) error) (any, error) {
	var req devicev1.RevokeDeviceRequest
	if err := decode(&req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	device, err := s.RevokeDevice(ctx, req.DeviceID, req.Reason)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, status.Errorf(codes.NotFound, "device %s not found", req.DeviceID)
	}
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return &devicev1.RevokeDeviceResponse{
		DeviceID: device.ID,
		Revoked:  device.Revoked,
		Version:  device.Version,
	}, nil
}
