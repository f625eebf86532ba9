// Package domain holds enrollment entities and state rules.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Enrollment statuses.
const (
	StatusPending = "pending"
	StatusActive  = "active"
)

// Delivery channels for enrollment verification.
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
)

// Enrollment is one account's registration in the platform. Version
// increments on every state change so downstream consumers can reject
// out-of-order events.
type Enrollment struct {
	ID        string
	AccountID string
	Status    string
	KeyID     string
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SignalCode is the short-lived verification record created alongside a
// pending enrollment. Its creation is the state change the task fabric
// reacts to.
type SignalCode struct {
	ID           string
	EnrollmentID string
	AccountID    string
	Channel      string
	Address      string
	CreatedAt    time.Time
}

// ValidateChannel checks a delivery channel name.
func ValidateChannel(channel string) error {
	switch strings.TrimSpace(channel) {
	case ChannelEmail, ChannelSMS:
		return nil
	default:
		return fmt.Errorf("unsupported channel %q", channel)
	}
}

// Activate transitions a pending enrollment to active with its signing key.
// Activating an already-active enrollment with the same key is a no-op so
// redelivered activation tasks stay idempotent.
func (e *Enrollment) Activate(keyID string, at time.Time) error {
	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		return fmt.Errorf("key id is required")
	}
	if e.Status == StatusActive {
		if e.KeyID == keyID {
			return nil
		}
		return fmt.Errorf("enrollment %s already active with a different key", e.ID)
	}
	e.Status = StatusActive
	e.KeyID = keyID
	e.Version++
	e.UpdatedAt = at.UTC()
	return nil
}
