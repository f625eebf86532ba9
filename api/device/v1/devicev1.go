// Package devicev1 defines the wire types and client for the device service
// RPC surface.
package devicev1

import (
	"context"
	"fmt"
	"time"

	"github.com/keylinehq/keyline/internal/platform/rpc"
)

// Service is the device service name used for method routing and gateway
// address lookup.
const Service = "device"

// Method names served by the device service.
const (
	MethodRegisterDevice = "RegisterDevice"
	MethodGetDevice      = "GetDevice"
	MethodRevokeDevice   = "RevokeDevice"
)

// RegisterDeviceRequest enrolls a device under an account.
type RegisterDeviceRequest struct {
	AccountID string `cbor:"account_id"`
	Name      string `cbor:"name"`
}

// RegisterDeviceResponse returns the created device.
type RegisterDeviceResponse struct {
	DeviceID  string    `cbor:"device_id"`
	CreatedAt time.Time `cbor:"created_at"`
}

// GetDeviceRequest looks up a device by id.
type GetDeviceRequest struct {
	DeviceID string `cbor:"device_id"`
}

// GetDeviceResponse describes one device.
type GetDeviceResponse struct {
	DeviceID     string    `cbor:"device_id"`
	AccountID    string    `cbor:"account_id"`
	Name         string    `cbor:"name"`
	Revoked      bool      `cbor:"revoked"`
	RevokeReason string    `cbor:"revoke_reason"`
	Version      int64     `cbor:"version"`
	CreatedAt    time.Time `cbor:"created_at"`
}

// RevokeDeviceRequest revokes one device. Revoking an already-revoked
// device succeeds without change.
type RevokeDeviceRequest struct {
	DeviceID string `cbor:"device_id"`
	Reason   string `cbor:"reason"`
}

// RevokeDeviceResponse reports the device state after revocation.
type RevokeDeviceResponse struct {
	DeviceID string `cbor:"device_id"`
	Revoked  bool   `cbor:"revoked"`
	Version  int64  `cbor:"version"`
}

// Client is a typed view over the RPC gateway for the device service.
type Client struct {
	gateway *rpc.Gateway
}

// NewClient wraps a gateway that has an address configured for the device
// service.
func NewClient(gateway *rpc.Gateway) (*Client, error) {
	if gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	return &Client{gateway: gateway}, nil
}

// RegisterDevice enrolls a device.
func (c *Client) RegisterDevice(ctx context.Context, req *RegisterDeviceRequest, opts ...rpc.CallOption) (*RegisterDeviceResponse, error) {
	resp := &RegisterDeviceResponse{}
	if err := c.gateway.Call(ctx, Service, MethodRegisterDevice, req, resp, opts...); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetDevice looks up a device by id.
func (c *Client) GetDevice(ctx context.Context, req *GetDeviceRequest, opts ...rpc.CallOption) (*GetDeviceResponse, error) {
	resp := &GetDeviceResponse{}
	if err := c.gateway.Call(ctx, Service, MethodGetDevice, req, resp, opts...); err != nil {
		return nil, err
	}
	return resp, nil
}

// RevokeDevice revokes a device.
func (c *Client) RevokeDevice(ctx context.Context, req *RevokeDeviceRequest, opts ...rpc.CallOption) (*RevokeDeviceResponse, error) {
	resp := &RevokeDeviceResponse{}
	if err := c.gateway.Call(ctx, Service, MethodRevokeDevice, req, resp, opts...); err != nil {
		return nil, err
	}
	return resp, nil
}
