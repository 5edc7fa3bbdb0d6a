package idempotency

import (
	"context"
	"encoding/json"
	"time"
)

// Record is a fiscal document created on the remote API, keyed by the
// caller's correlation key.
type Record struct {
	CorrelationKey  string    `json:"correlation_key"`
	RemoteID        string    `json:"remote_id"`
	Status          string    `json:"status"`
	Total           int64     `json:"total"` // minor currency units
	Currency        string    `json:"currency,omitempty"`
	Type            string    `json:"type,omitempty"`
	Series          string    `json:"series,omitempty"`
	Number          string    `json:"number,omitempty"`
	AttachmentReady bool      `json:"attachment_ready"`
	ReversalID      string    `json:"reversal_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Request is what the business rules hand to the guard.
type Request struct {
	CorrelationKey string          `json:"correlation_key"`
	Body           json.RawMessage `json:"body"`
}

// Remote is the authoritative fiscal API.
type Remote interface {
	Create(ctx context.Context, req Request) (*Record, error)
	// FindByCorrelationKey returns nil, nil when no record exists.
	FindByCorrelationKey(ctx context.Context, key string) (*Record, error)
}

// Store is the local record cache.
type Store interface {
	// Get returns nil, nil when the key is unknown.
	Get(ctx context.Context, key string) (*Record, error)
	Put(ctx context.Context, rec Record) error
	// ListRecords returns records newest first; limit <= 0 returns all.
	ListRecords(ctx context.Context, limit int) ([]Record, error)
}
