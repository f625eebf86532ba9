package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/keylinehq/keyline/internal/fabric/catalog"
	"github.com/keylinehq/keyline/internal/fabric/runtime"
	"github.com/keylinehq/keyline/internal/fabric/uow"
	"github.com/keylinehq/keyline/internal/services/device/storage"
)

// RevokeHandler returns the handler for published device revocations. Only
// the immediate next version is applied; versions already recorded are
// dropped as redeliveries and anything further ahead is unhealable.
func (s *Service) RevokeHandler() runtime.Handler {
	return func(ctx context.Context, msg runtime.Message) error {
		var args catalog.DevicePublishRevokeArgs
		if err := msg.DecodeArgs(&args); err != nil {
			return runtime.Permanent(err)
		}

		device, err := s.store.GetDevice(ctx, s.store.DB(), args.DeviceID)
		if errors.Is(err, storage.ErrNotFound) {
			return runtime.Permanent(fmt.Errorf("device %s does not exist", args.DeviceID))
		}
		if err != nil {
			return err
		}
		// Already at or past the published version: a redelivery or the
		// producer's own write landing first.
		if args.Version <= device.Version {
			return nil
		}
		if err := device.ApplyRevocation(args.Reason, args.Version, args.RevokedAt); err != nil {
			return runtime.Permanent(err)
		}

		tx, err := uow.Begin(ctx, s.store.DB())
		if err != nil {
			return fmt.Errorf("begin apply tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := s.store.UpdateDevice(ctx, tx.SQL(), device); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit apply tx: %w", err)
		}
		return nil
	}
}

// AccountDeleteHandler returns the handler for account deletions. Every
// live device under the account is revoked in one transaction, and a
// revocation event is published per device after commit. Accounts with no
// live devices make the handler a no-op, so redeliveries are safe.
func (s *Service) AccountDeleteHandler() runtime.Handler {
	return func(ctx context.Context, msg runtime.Message) error {
		var args catalog.AccountPublishDeleteArgs
		if err := msg.DecodeArgs(&args); err != nil {
			return runtime.Permanent(err)
		}
		if args.AccountID == "" {
			return runtime.Permanent(fmt.Errorf("account id is required"))
		}

		devices, err := s.store.ListAccountDevices(ctx, s.store.DB(), args.AccountID)
		if err != nil {
			return err
		}

		tx, err := uow.Begin(ctx, s.store.DB())
		if err != nil {
			return fmt.Errorf("begin account delete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, device := range devices {
			if !device.Revoke("account deleted", s.now()) {
				continue
			}
			if err := s.store.UpdateDevice(ctx, tx.SQL(), device); err != nil {
				return err
			}
			err = s.dispatcher.Dispatch(ctx, tx, catalog.TaskDevicePublishRevoke, catalog.DevicePublishRevokeArgs{
				DeviceID:  device.ID,
				AccountID: device.AccountID,
				Reason:    device.RevokeReason,
				Version:   device.Version,
				RevokedAt: device.UpdatedAt,
			})
			if err != nil {
				return err
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit account delete tx: %w", err)
		}
		return nil
	}
}
