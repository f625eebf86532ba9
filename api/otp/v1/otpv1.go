// Package otpv1 defines the wire types and client for the OTP service RPC
// surface.
package otpv1

import (
	"context"
	"fmt"
	"time"

	"github.com/keylinehq/keyline/internal/platform/rpc"
)

// Service is the OTP service name used for method routing and gateway
// address lookup.
const Service = "otp"

// Method names served by the OTP service.
const (
	MethodGetOTP    = "GetOtp"
	MethodVerifyOTP = "VerifyOtp"
)

// GetOTPRequest looks up a passcode record by the stable object id it was
// requested under.
type GetOTPRequest struct {
	ObjectID string `cbor:"object_id"`
}

// GetOTPResponse describes one passcode record. The code itself is never
// returned; it travels only over the delivery channel.
type GetOTPResponse struct {
	ObjectID  string    `cbor:"object_id"`
	AccountID string    `cbor:"account_id"`
	Channel   string    `cbor:"channel"`
	Status    string    `cbor:"status"`
	Version   int64     `cbor:"version"`
	CreatedAt time.Time `cbor:"created_at"`
}

// VerifyOTPRequest checks a submitted code against the stored one.
type VerifyOTPRequest struct {
	ObjectID string `cbor:"object_id"`
	Code     string `cbor:"code"`
}

// VerifyOTPResponse reports the record state after verification.
type VerifyOTPResponse struct {
	ObjectID string `cbor:"object_id"`
	Status   string `cbor:"status"`
	Version  int64  `cbor:"version"`
}

// Client is a typed view over the RPC gateway for the OTP service.
type Client struct {
	gateway *rpc.Gateway
}

// NewClient wraps a gateway that has an address configured for the OTP
// service.
func NewClient(gateway *rpc.Gateway) (*Client, error) {
	if gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	return &Client{gateway: gateway}, nil
}

// GetOTP looks up a passcode record.
func (c *Client) GetOTP(ctx context.Context, req *GetOTPRequest, opts ...rpc.CallOption) (*GetOTPResponse, error) {
	resp := &GetOTPResponse{}
	if err := c.gateway.Call(ctx, Service, MethodGetOTP, req, resp, opts...); err != nil {
		return nil, err
	}
	return resp, nil
}

// VerifyOTP checks a submitted code.
func (c *Client) VerifyOTP(ctx context.Context, req *VerifyOTPRequest, opts ...rpc.CallOption) (*VerifyOTPResponse, error) {
	resp := &VerifyOTPResponse{}
	if err := c.gateway.Call(ctx, Service, MethodVerifyOTP, req, resp, opts...); err != nil {
		return nil, err
	}
	return resp, nil
}
