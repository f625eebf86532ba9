// Package enrollmentv1 defines the wire types and client for the enrollment
// service RPC surface.
package enrollmentv1

import (
	"context"
	"fmt"
	"time"

	"github.com/keylinehq/keyline/internal/platform/rpc"
)

// Service is the enrollment service name used for method routing and
// gateway address lookup.
const Service = "enrollment"

// Method names served by the enrollment service.
const (
	MethodStartEnrollment = "StartEnrollment"
	MethodGetEnrollment   = "GetEnrollment"
)

// StartEnrollmentRequest begins an enrollment for an account. Channel and
// Address say where the one-time passcode should be delivered.
type StartEnrollmentRequest struct {
	AccountID string `cbor:"account_id"`
	Channel   string `cbor:"channel"`
	Address   string `cbor:"address"`
}

// StartEnrollmentResponse returns the created enrollment and its signal
// code.
type StartEnrollmentResponse struct {
	EnrollmentID string    `cbor:"enrollment_id"`
	SignalCodeID string    `cbor:"signal_code_id"`
	Status       string    `cbor:"status"`
	CreatedAt    time.Time `cbor:"created_at"`
}

// GetEnrollmentRequest looks up an enrollment by id.
type GetEnrollmentRequest struct {
	EnrollmentID string `cbor:"enrollment_id"`
}

// GetEnrollmentResponse describes one enrollment.
type GetEnrollmentResponse struct {
	EnrollmentID string    `cbor:"enrollment_id"`
	AccountID    string    `cbor:"account_id"`
	Status       string    `cbor:"status"`
	KeyID        string    `cbor:"key_id"`
	Version      int64     `cbor:"version"`
	CreatedAt    time.Time `cbor:"created_at"`
}

// Client is a typed view over the RPC gateway for the enrollment service.
type Client struct {
	gateway *rpc.Gateway
}

// NewClient wraps a gateway that has an address configured for the
// enrollment service.
func NewClient(gateway *rpc.Gateway) (*Client, error) {
	if gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	return &Client{gateway: gateway}, nil
}

// StartEnrollment begins an enrollment.
func (c *Client) StartEnrollment(ctx context.Context, req *StartEnrollmentRequest, opts ...rpc.CallOption) (*StartEnrollmentResponse, error) {
	resp := &StartEnrollmentResponse{}
	if err := c.gateway.Call(ctx, Service, MethodStartEnrollment, req, resp, opts...); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetEnrollment looks up an enrollment by id.
func (c *Client) GetEnrollment(ctx context.Context, req *GetEnrollmentRequest, opts ...rpc.CallOption) (*GetEnrollmentResponse, error) {
	resp := &GetEnrollmentResponse{}
	if err := c.gateway.Call(ctx, Service, MethodGetEnrollment, req, resp, opts...); err != nil {
		return nil, err
	}
	return resp, nil
}
