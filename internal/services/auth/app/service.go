// Package app implements the auth service: a crypto black box that holds
// signing keys and performs key generation and signing for the rest of the
// platform. Private key material never crosses the service boundary.
package app

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	authv1 "github.com/keylinehq/keyline/api/auth/v1"
	"github.com/keylinehq/keyline/internal/platform/id"
	"github.com/keylinehq/keyline/internal/platform/rpc"
	"github.com/keylinehq/keyline/internal/services/auth/storage"
)

const algorithmEd25519 = "ed25519"

// Service serves the auth RPC surface.
type Service struct {
	keys storage.KeyStore
	now  func() time.Time
}

// NewService builds the auth service over a key store.
func NewService(keys storage.KeyStore) (*Service, error) {
	if keys == nil {
		return nil, fmt.Errorf("key store is required")
	}
	return &Service{keys: keys, now: time.Now}, nil
}

// Register installs the auth method handlers on server.
func (s *Service) Register(server *rpc.Server) error {
	if s == nil {
		return fmt.Errorf("service is not configured")
	}
	if err := server.Handle(authv1.MethodGenerateKey, s.generateKey); err != nil {
		return err
	}
	if err := server.Handle(authv1.MethodSign, s.sign); err != nil {
		return err
	}
	return server.Handle(authv1.MethodGetKey, s.getKey)
}

func (s *Service) generateKey(ctx context.Context, decode func(any) error) (any, error) {
	var req authv1.GenerateKeyRequest
	if err := decode(&req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return nil, status.Error(codes.InvalidArgument, "account id is required")
	}
	algorithm := strings.TrimSpace(req.Algorithm)
	if algorithm == "" {
		algorithm = algorithmEd25519
	}
	if algorithm != algorithmEd25519 {
		return nil, status.Errorf(codes.InvalidArgument, "unsupported algorithm %s", algorithm)
	}

	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "generate key pair: %v", err)
	}
	keyID, err := id.NewID()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "generate key id: %v", err)
	}
	key := storage.SigningKey{
		ID:         keyID,
		AccountID:  accountID,
		Algorithm:  algorithm,
		PublicKey:  public,
		PrivateKey: private,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.keys.CreateKey(ctx, key); err != nil {
		return nil, status.Errorf(codes.Internal, "store key: %v", err)
	}
	return &authv1.GenerateKeyResponse{
		KeyID:     key.ID,
		PublicKey: key.PublicKey,
		CreatedAt: key.CreatedAt,
	}, nil
}

func (s *Service) sign(ctx context.Context, decode func(any) error) (any, error) {
	var req authv1.SignRequest
	if err := decode(&req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	if strings.TrimSpace(req.KeyID) == "" {
		return nil, status.Error(codes.InvalidArgument, "key id is required")
	}
	if len(req.Digest) == 0 {
		return nil, status.Error(codes.InvalidArgument, "digest is required")
	}

	key, err := s.keys.GetKey(ctx, req.KeyID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, status.Errorf(codes.NotFound, "key %s not found", req.KeyID)
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "load key: %v", err)
	}
	if len(key.PrivateKey) != ed25519.PrivateKeySize {
		return nil, status.Errorf(codes.Internal, "key %s has invalid material", req.KeyID)
	}
	signature := ed25519.Sign(ed25519.PrivateKey(key.PrivateKey), req.Digest)
	return &authv1.SignResponse{
		Signature: signature,
		SignedAt:  s.now().UTC(),
	}, nil
}

func (s *Service) getKey(ctx context.Context, decode func(any) error) (any, error) {
	var req authv1.GetKeyRequest
	if err := decode(&req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	if strings.TrimSpace(req.KeyID) == "" {
		return nil, status.Error(codes.InvalidArgument, "key id is required")
	}

	key, err := s.keys.GetKey(ctx, req.KeyID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, status.Errorf(codes.NotFound, "key %s not found", req.KeyID)
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "load key: %v", err)
	}
	return &authv1.GetKeyResponse{
		KeyID:     key.ID,
		AccountID: key.AccountID,
		Algorithm: key.Algorithm,
		PublicKey: key.PublicKey,
		CreatedAt: key.CreatedAt,
	}, nil
}
