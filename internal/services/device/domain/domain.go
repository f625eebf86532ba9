// Package domain holds device entities and state rules.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Device is one enrolled device. Version increments on every state change
// so consumers applying published state can reject out-of-order events.
type Device struct {
	ID           string
	AccountID    string
	Name         string
	Revoked      bool
	RevokeReason string
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ValidateName checks a device display name.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("device name is required")
	}
	return nil
}

// Revoke marks the device revoked. Revoking an already-revoked device is a
// no-op so retried revocations stay idempotent; the original reason wins.
func (d *Device) Revoke(reason string, at time.Time) bool {
	if d.Revoked {
		return false
	}
	d.Revoked = true
	d.RevokeReason = strings.TrimSpace(reason)
	d.Version++
	d.UpdatedAt = at.UTC()
	return true
}

// ApplyRevocation applies a published revocation at a specific version.
// Only the immediate next version is accepted; anything else reports an
// error so the consumer can drop stale or out-of-order events.
func (d *Device) ApplyRevocation(reason string, version int64, at time.Time) error {
	if version != d.Version+1 {
		return fmt.Errorf("device %s at version %d cannot apply version %d", d.ID, d.Version, version)
	}
	d.Revoked = true
	d.RevokeReason = strings.TrimSpace(reason)
	d.Version = version
	d.UpdatedAt = at.UTC()
	return nil
}
