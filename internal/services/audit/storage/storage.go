// Package storage defines audit trail persistence contracts.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports a missing audit record.
var ErrNotFound = errors.New("record not found")

// Record is one observed fabric publication. ID is the publication id from
// the envelope, so a redelivered event lands on the same row.
type Record struct {
	ID          string
	Task        string
	Exchange    string
	RoutingKey  string
	Summary     string
	PublishedAt time.Time
	RecordedAt  time.Time
}

// AuditStore persists the audit trail.
type AuditStore interface {
	// Record inserts one record. Inserting an id that is already recorded
	// reports created=false and changes nothing.
	Record(ctx context.Context, record Record) (created bool, err error)
	GetRecord(ctx context.Context, id string) (Record, error)
	ListByTask(ctx context.Context, task string, limit int) ([]Record, error)
}
