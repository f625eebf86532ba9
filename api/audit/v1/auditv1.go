// Package auditv1 defines the wire types and client for the audit service
// RPC surface.
package auditv1

import (
	"context"
	"fmt"
	"time"

	"github.com/keylinehq/keyline/internal/platform/rpc"
)

// Service is the audit service name used for method routing and gateway
// address lookup.
const Service = "audit"

// Method names served by the audit service.
const (
	MethodGetRecord   = "GetRecord"
	MethodListRecords = "ListRecords"
)

// Record is one observed fabric publication.
type Record struct {
	RecordID    string    `cbor:"record_id"`
	Task        string    `cbor:"task"`
	Exchange    string    `cbor:"exchange"`
	RoutingKey  string    `cbor:"routing_key"`
	Summary     string    `cbor:"summary"`
	PublishedAt time.Time `cbor:"published_at"`
	RecordedAt  time.Time `cbor:"recorded_at"`
}

// GetRecordRequest looks up one record by publication id.
type GetRecordRequest struct {
	RecordID string `cbor:"record_id"`
}

// GetRecordResponse returns one record.
type GetRecordResponse struct {
	Record Record `cbor:"record"`
}

// ListRecordsRequest loads the most recent records for one task name.
type ListRecordsRequest struct {
	Task  string `cbor:"task"`
	Limit int    `cbor:"limit"`
}

// ListRecordsResponse returns records newest first.
type ListRecordsResponse struct {
	Records []Record `cbor:"records"`
}

// Client is a typed view over the RPC gateway for the audit service.
type Client struct {
	gateway *rpc.Gateway
}

// NewClient wraps a gateway that has an address configured for the audit
// service.
func NewClient(gateway *rpc.Gateway) (*Client, error) {
	if gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	return &Client{gateway: gateway}, nil
}

// GetRecord looks up one record.
func (c *Client) GetRecord(ctx context.Context, req *GetRecordRequest, opts ...rpc.CallOption) (*GetRecordResponse, error) {
	resp := &GetRecordResponse{}
	if err := c.gateway.Call(ctx, Service, MethodGetRecord, req, resp, opts...); err != nil {
		return nil, err
	}
	return resp, nil
}

// ListRecords loads recent records for a task.
func (c *Client) ListRecords(ctx context.Context, req *ListRecordsRequest, opts ...rpc.CallOption) (*ListRecordsResponse, error) {
	resp := &ListRecordsResponse{}
	if err := c.gateway.Call(ctx, Service, MethodListRecords, req, resp, opts...); err != nil {
		return nil, err
	}
	return resp, nil
}
