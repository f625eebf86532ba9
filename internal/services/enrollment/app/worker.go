package app

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"

	authv1 "github.com/keylinehq/keyline/api/auth/v1"
	"github.com/keylinehq/keyline/internal/fabric/catalog"
	"github.com/keylinehq/keyline/internal/fabric/runtime"
	"github.com/keylinehq/keyline/internal/fabric/uow"
	"github.com/keylinehq/keyline/internal/platform/rpc"
	"github.com/keylinehq/keyline/internal/services/enrollment/storage"
)

// SignalCodeHandler returns the handler for the post-create task. It asks
// the auth service for a signing key, activates the enrollment, and fans out
// the activation event plus the passcode delivery task. Both follow-up
// publishes are gated on the activation commit.
func (s *Service) SignalCodeHandler(authClient *authv1.Client) runtime.Handler {
	return func(ctx context.Context, msg runtime.Message) error {
		var args catalog.SignalCodePostCreateArgs
		if err := msg.DecodeArgs(&args); err != nil {
			return runtime.Permanent(err)
		}

		code, err := s.store.GetSignalCode(ctx, s.store.DB(), args.SignalCodeID)
		if errors.Is(err, storage.ErrNotFound) {
			return runtime.Permanent(fmt.Errorf("signal code %s does not exist", args.SignalCodeID))
		}
		if err != nil {
			return err
		}
		enrollment, err := s.store.GetEnrollment(ctx, s.store.DB(), code.EnrollmentID)
		if errors.Is(err, storage.ErrNotFound) {
			return runtime.Permanent(fmt.Errorf("enrollment %s does not exist", code.EnrollmentID))
		}
		if err != nil {
			return err
		}
		// Redelivered after a completed run: everything below already
		// happened and was committed.
		if enrollment.KeyID != "" {
			return nil
		}

		generated, err := authClient.GenerateKey(ctx, &authv1.GenerateKeyRequest{AccountID: enrollment.AccountID})
		if err != nil {
			return classifyRemote(err)
		}

		tx, err := uow.Begin(ctx, s.store.DB())
		if err != nil {
			return fmt.Errorf("begin activation tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		enrollment, err = s.store.GetEnrollment(ctx, tx.SQL(), code.EnrollmentID)
		if err != nil {
			return err
		}
		if err := enrollment.Activate(generated.KeyID, s.now()); err != nil {
			return runtime.Permanent(err)
		}
		if err := s.store.UpdateEnrollment(ctx, tx.SQL(), enrollment); err != nil {
			return err
		}
		err = s.dispatcher.Dispatch(ctx, tx, catalog.TaskEnrollmentPublish, catalog.EnrollmentPublishArgs{
			EnrollmentID: enrollment.ID,
			ObjectID:     code.ID,
			AccountID:    enrollment.AccountID,
			Status:       enrollment.Status,
			Version:      enrollment.Version,
			OccurredAt:   enrollment.UpdatedAt,
		})
		if err != nil {
			return err
		}
		err = s.dispatcher.Dispatch(ctx, tx, catalog.TaskExternalOTPCreate, catalog.ExternalOTPCreateArgs{
			ObjectID:    code.ID,
			AccountID:   code.AccountID,
			Channel:     code.Channel,
			Address:     code.Address,
			RequestedAt: s.now().UTC(),
		})
		if err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit activation tx: %w", err)
		}
		return nil
	}
}

// classifyRemote maps gateway failures onto the retry policy: invalid or
// unsatisfiable requests never heal on redelivery, everything else might.
func classifyRemote(err error) error {
	var remote *rpc.RemoteError
	if errors.As(err, &remote) {
		switch remote.Code {
		case codes.InvalidArgument, codes.NotFound, codes.FailedPrecondition:
			return runtime.Permanent(err)
		}
	}
	return err
}
