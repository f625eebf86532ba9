// Package app implements the enrollment service. Starting an enrollment
// stores a pending record plus its signal code in one transaction; the
// signal bridge converts that state change into a post-commit task dispatch
// that drives key generation and passcode delivery.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	enrollmentv1 "github.com/keylinehq/keyline/api/enrollment/v1"
	"github.com/keylinehq/keyline/internal/fabric/catalog"
	"github.com/keylinehq/keyline/internal/fabric/dispatch"
	"github.com/keylinehq/keyline/internal/fabric/signal"
	"github.com/keylinehq/keyline/internal/fabric/uow"
	"github.com/keylinehq/keyline/internal/platform/id"
	"github.com/keylinehq/keyline/internal/platform/rpc"
	"github.com/keylinehq/keyline/internal/services/enrollment/domain"
	"github.com/keylinehq/keyline/internal/services/enrollment/storage"
)

// KindSignalCode is the event kind the bridge reacts to.
const KindSignalCode = "signal_code"

// Service serves the enrollment RPC surface and owns the signal bridge.
type Service struct {
	store      storage.EnrollmentStore
	dispatcher *dispatch.Dispatcher
	bridge     *signal.Bridge
	now        func() time.Time
}

// NewService builds the enrollment service and registers its signal
// reactions.
func NewService(store storage.EnrollmentStore, dispatcher *dispatch.Dispatcher) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("enrollment store is required")
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
	err := s.bridge.React(KindSignalCode, signal.Created, func(ctx context.Context, tx signal.Transaction, event signal.Event) error {
		code, ok := event.Entity.(domain.SignalCode)
		if !ok {
			return fmt.Errorf("signal code event carries %T", event.Entity)
		}
		return s.dispatcher.Dispatch(ctx, tx, catalog.TaskSignalCodePostCreate, catalog.SignalCodePostCreateArgs{
			SignalCodeID: code.ID,
			AccountID:    code.AccountID,
			CreatedAt:    code.CreatedAt,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("register signal reactions: %w", err)
	}
	return s, nil
}

// StartEnrollment stores a pending enrollment and its signal code in one
// transaction. The follow-up task publishes only after the transaction
// commits; on rollback nothing leaves the service.
func (s *Service) StartEnrollment(ctx context.Context, accountID, channel, address string) (domain.Enrollment, domain.SignalCode, error) {
	accountID = strings.TrimSpace(accountID)
	address = strings.TrimSpace(address)
	if accountID == "" {
		return domain.Enrollment{}, domain.SignalCode{}, fmt.Errorf("account id is required")
	}
	if err := domain.ValidateChannel(channel); err != nil {
		return domain.Enrollment{}, domain.SignalCode{}, err
	}
	if address == "" {
		return domain.Enrollment{}, domain.SignalCode{}, fmt.Errorf("address is required")
	}

	enrollmentID, err := id.NewID()
	if err != nil {
		return domain.Enrollment{}, domain.SignalCode{}, fmt.Errorf("generate enrollment id: %w", err)
	}
	codeID, err := id.NewID()
	if err != nil {
		return domain.Enrollment{}, domain.SignalCode{}, fmt.Errorf("generate signal code id: %w", err)
	}
	now := s.now().UTC()
	enrollment := domain.Enrollment{
		ID:        enrollmentID,
		AccountID: accountID,
		Status:    domain.StatusPending,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	code := domain.SignalCode{
		ID:           codeID,
		EnrollmentID: enrollmentID,
		AccountID:    accountID,
		Channel:      channel,
		Address:      address,
		CreatedAt:    now,
	}

	tx, err := uow.Begin(ctx, s.store.DB())
	if err != nil {
		return domain.Enrollment{}, domain.SignalCode{}, fmt.Errorf("begin enrollment tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.store.CreateEnrollment(ctx, tx.SQL(), enrollment); err != nil {
		return domain.Enrollment{}, domain.SignalCode{}, err
	}
	if err := s.store.CreateSignalCode(ctx, tx.SQL(), code); err != nil {
		return domain.Enrollment{}, domain.SignalCode{}, err
	}
	err = s.bridge.Observe(ctx, tx, signal.Event{
		Kind:   KindSignalCode,
		Action: signal.Created,
		ID:     code.ID,
		Entity: code,
	})
	if err != nil {
		return domain.Enrollment{}, domain.SignalCode{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Enrollment{}, domain.SignalCode{}, fmt.Errorf("commit enrollment tx: %w", err)
	}
	return enrollment, code, nil
}

// GetEnrollment loads one enrollment.
func (s *Service) GetEnrollment(ctx context.Context, enrollmentID string) (domain.Enrollment, error) {
	return s.store.GetEnrollment(ctx, s.store.DB(), enrollmentID)
}

// Register installs the enrollment method handlers on server.
func (s *Service) Register(server *rpc.Server) error {
	if s == nil {
		return fmt.Errorf("service is not configured")
	}
	if err := server.Handle(enrollmentv1.MethodStartEnrollment, s.startEnrollment); err != nil {
		return err
	}
	return server.Handle(enrollmentv1.MethodGetEnrollment, s.getEnrollment)
}

func (s *Service) startEnrollment(ctx context.Context, decode func(any) error) (any, error) {
	var req enrollmentv1.StartEnrollmentRequest
	if err := decode(&req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	enrollment, code, err := s.StartEnrollment(ctx, req.AccountID, req.Channel, req.Address)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return &enrollmentv1.StartEnrollmentResponse{
		EnrollmentID: enrollment.ID,
		SignalCodeID: code.ID,
		Status:       enrollment.Status,
		CreatedAt:    enrollment.CreatedAt,
	}, nil
}

func (s *Service) getEnrollment(ctx context.Context, decode func(any) error) (any, error) {
	var req enrollmentv1.GetEnrollmentRequest
	if err := decode(&req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	enrollment, err := s.GetEnrollment(ctx, req.EnrollmentID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, status.Errorf(codes.NotFound, "enrollment %s not found", req.EnrollmentID)
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "load enrollment: %v", err)
	}
	return &enrollmentv1.GetEnrollmentResponse{
		EnrollmentID: enrollment.ID,
		AccountID:    enrollment.AccountID,
		Status:       enrollment.Status,
		KeyID:        enrollment.KeyID,
		Version:      enrollment.Version,
		CreatedAt:    enrollment.CreatedAt,
	}, nil
}
