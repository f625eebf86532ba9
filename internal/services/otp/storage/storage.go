// Package storage defines OTP persistence contracts.
package storage

import (
	"context"
	"errors"

	"github.com/keylinehq/keyline/internal/services/otp/domain"
)

// ErrNotFound reports a missing passcode record.
var ErrNotFound = errors.New("passcode not found")

// OTPStore persists passcode records. GetOrCreate is the idempotency
// anchor: concurrent or redelivered creation requests for one object id
// resolve to a single stored record.
type OTPStore interface {
	GetOrCreate(ctx context.Context, otp domain.OTP) (domain.OTP, bool, error)
	GetByObjectID(ctx context.Context, objectID string) (domain.OTP, error)
	Update(ctx context.Context, otp domain.OTP) error
}
