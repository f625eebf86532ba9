// Package storage defines auth persistence contracts.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports a missing signing key.
var ErrNotFound = errors.New("signing key not found")

// SigningKey is one held key pair. PrivateKey never leaves the auth service.
type SigningKey struct {
	ID         string
	AccountID  string
	Algorithm  string
	PublicKey  []byte
	PrivateKey []byte
	CreatedAt  time.Time
}

// KeyStore persists signing keys.
type KeyStore interface {
	CreateKey(ctx context.Context, key SigningKey) error
	GetKey(ctx context.Context, id string) (SigningKey, error)
}
