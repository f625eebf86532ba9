// Package app implements the audit service. Its worker consumes every
// event the fabric routes to the audit queue and records one row per
// publication id, so redeliveries never duplicate the trail.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	auditv1 "github.com/keylinehq/keyline/api/audit/v1"
	"github.com/keylinehq/keyline/internal/fabric/runtime"
	"github.com/keylinehq/keyline/internal/platform/rpc"
	"github.com/keylinehq/keyline/internal/services/audit/storage"
)

// Service serves the audit RPC surface and records consumed events.
type Service struct {
	store storage.AuditStore
	now   func() time.Time
	logf  func(format string, args ...any)
}

// NewService builds the audit service.
func NewService(store storage.AuditStore) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("audit store is required")
	}
	return &Service{
		store: store,
		now:   time.Now,
		logf:  func(string, ...any) {},
	}, nil
}

// RecordHandler returns the handler registered for every task the audit
// queue receives. It never decodes the payload; the envelope metadata is
// the record.
func (s *Service) RecordHandler() runtime.Handler {
	return func(ctx context.Context, msg runtime.Message) error {
		env := msg.Envelope
		if env.ID == "" {
			return runtime.Permanent(fmt.Errorf("publication id is required"))
		}
		created, err := s.store.Record(ctx, storage.Record{
			ID:          env.ID,
			Task:        env.Task,
			Exchange:    env.Exchange,
			RoutingKey:  env.RoutingKey,
			Summary:     env.Summary,
			PublishedAt: env.PublishedAt,
			RecordedAt:  s.now().UTC(),
		})
		if err != nil {
			return err
		}
		if created {
			s.logf("[AUDIT] recorded %s for task %s", env.ID, env.Task)
		}
		return nil
	}
}

// GetRecord loads one record.
func (s *Service) GetRecord(ctx context.Context, recordID string) (storage.Record, error) {
	return s.store.GetRecord(ctx, recordID)
}

// ListRecords loads recent records for a task.
func (s *Service) ListRecords(ctx context.Context, task string, limit int) ([]storage.Record, error) {
	return s.store.ListByTask(ctx, task, limit)
}

// Register installs the audit method handlers on server.
func (s *Service) Register(server *rpc.Server) error {
	if s == nil {
		return fmt.Errorf("service is not configured")
	}
	if err := server.Handle(auditv1.MethodGetRecord, s.getRecord); err != nil {
		return err
	}
	return server.Handle(auditv1.MethodListRecords, s.listRecords)
}

func (s *Service) getRecord(ctx context.Context, decode func(any) error) (any, error) {
	var req auditv1.GetRecordRequest
	if err := decode(&req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	record, err := s.GetRecord(ctx, req.RecordID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, status.Errorf(codes.NotFound, "audit record %s not found", req.RecordID)
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "load audit record: %v", err)
	}
	return &auditv1.GetRecordResponse{Record: toWire(record)}, nil
}

func (s *Service) listRecords(ctx context.Context, decode func(any) error) (any, error) {
	var req auditv1.ListRecordsRequest
	if err := decode(&req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	records, err := s.ListRecords(ctx, req.Task, req.Limit)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	resp := &auditv1.ListRecordsResponse{Records: make([]auditv1.Record, 0, len(records))}
	for _, record := range records {
		resp.Records = append(resp.Records, toWire(record))
	}
	return resp, nil
}

func toWire(record storage.Record) auditv1.Record {
	return auditv1.Record{
		RecordID:    record.ID,
		Task:        record.Task,
		Exchange:    record.Exchange,
		RoutingKey:  record.RoutingKey,
		Summary:     record.Summary,
		PublishedAt: record.PublishedAt,
		RecordedAt:  record.RecordedAt,
	}
}
