// Package domain holds one-time passcode entities and state rules.
package domain

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Passcode statuses.
const (
	StatusPending  = "pending"
	StatusVerified = "verified"
	StatusExpired  = "expired"
)

const codeDigits = 6

// OTP is one passcode record. ObjectID is the stable identifier the
// requesting service keys on; repeated creation requests for the same
// ObjectID must resolve to this record. Version increments on every state
// change; stale updates are self-rejected.
type OTP struct {
	ID        string
	ObjectID  string
	AccountID string
	Channel   string
	Address   string
	Code      string
	Status    string
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// GenerateCode returns a random numeric passcode.
func GenerateCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < codeDigits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generate passcode: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n), nil
}

// Verify checks a submitted code against the stored one and transitions the
// record to verified. Verifying an already-verified record with the right
// code is a no-op.
func (o *OTP) Verify(code string, at time.Time) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return fmt.Errorf("code is required")
	}
	if o.Code != code {
		return fmt.Errorf("code does not match")
	}
	if o.Status == StatusVerified {
		return nil
	}
	if o.Status != StatusPending {
		return fmt.Errorf("passcode is %s", o.Status)
	}
	o.Status = StatusVerified
	o.Version++
	o.UpdatedAt = at.UTC()
	return nil
}

// ApplyStatus applies an externally observed state change. The incoming
// version must be exactly the next one; anything else is out of order and
// the record stays untouched.
func (o *OTP) ApplyStatus(status string, version int64, at time.Time) error {
	if version != o.Version+1 {
		return fmt.Errorf("version %d is out of order, current is %d", version, o.Version)
	}
	switch status {
	case StatusPending, StatusVerified, StatusExpired:
	default:
		return fmt.Errorf("unsupported status %q", status)
	}
	o.Status = status
	o.Version = version
	o.UpdatedAt = at.UTC()
	return nil
}
