// Package authv1 defines the wire types and client for the auth service RPC
// surface. Messages are CBOR with named string keys so either side can add
// fields without breaking the other.
package authv1

import (
	"context"
	"fmt"
	"time"

	"github.com/keylinehq/keyline/internal/platform/rpc"
)

// Service is the auth service name used for method routing and gateway
// address lookup.
const Service = "auth"

// Method names served by the auth service.
const (
	MethodGenerateKey = "GenerateKey"
	MethodSign        = "Sign"
	MethodGetKey      = "GetKey"
)

// GenerateKeyRequest asks for a new signing key bound to an account.
type GenerateKeyRequest struct {
	AccountID string `cbor:"account_id"`
	Algorithm string `cbor:"algorithm"`
}

// GenerateKeyResponse returns the stored key's identity and public half.
type GenerateKeyResponse struct {
	KeyID     string    `cbor:"key_id"`
	PublicKey []byte    `cbor:"public_key"`
	CreatedAt time.Time `cbor:"created_at"`
}

// SignRequest asks the auth service to sign a digest with a held key.
type SignRequest struct {
	KeyID  string `cbor:"key_id"`
	Digest []byte `cbor:"digest"`
}

// SignResponse carries the produced signature.
type SignResponse struct {
	Signature []byte    `cbor:"signature"`
	SignedAt  time.Time `cbor:"signed_at"`
}

// GetKeyRequest looks up a key by id.
type GetKeyRequest struct {
	KeyID string `cbor:"key_id"`
}

// GetKeyResponse describes a stored key.
type GetKeyResponse struct {
	KeyID     string    `cbor:"key_id"`
	AccountID string    `cbor:"account_id"`
	Algorithm string    `cbor:"algorithm"`
	PublicKey []byte    `cbor:"public_key"`
	CreatedAt time.Time `cbor:"created_at"`
}

// Client is a typed view over the RPC gateway for the auth service.
type Client struct {
	gateway *rpc.Gateway
}

// NewClient wraps a gateway that has an address configured for the auth
// service.
func NewClient(gateway *rpc.Gateway) (*Client, error) {
	if gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	return &Client{gateway: gateway}, nil
}

// GenerateKey creates a signing key for an account.
func (c *Client) GenerateKey(ctx context.Context, req *GenerateKeyRequest, opts ...rpc.CallOption) (*GenerateKeyResponse, error) {
	resp := &GenerateKeyResponse{}
	if err := c.gateway.Call(ctx, Service, MethodGenerateKey, req, resp, opts...); err != nil {
		return nil, err
	}
	return resp, nil
}

// Sign signs a digest with a held key.
func (c *Client) Sign(ctx context.Context, req *SignRequest, opts ...rpc.CallOption) (*SignResponse, error) {
	resp := &SignResponse{}
	if err := c.gateway.Call(ctx, Service, MethodSign, req, resp, opts...); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetKey looks up a key by id.
func (c *Client) GetKey(ctx context.Context, req *GetKeyRequest, opts ...rpc.CallOption) (*GetKeyResponse, error) {
	resp := &GetKeyResponse{}
	if err := c.gateway.Call(ctx, Service, MethodGetKey, req, resp, opts...); err != nil {
		return nil, err
	}
	return resp, nil
}
