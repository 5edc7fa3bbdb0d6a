package reconcile

import (
	"context"
	"errors"
	"time"
)

// Type is the kind of disagreement between local and remote records.
type Type string

const (
	TypeMissingRemote   Type = "missing_remote"
	TypeMissingLocal    Type = "missing_local"
	TypeDataMismatch    Type = "data_mismatch"
	TypePendingFollowup Type = "pending_followup"
)

// Severity ranks discrepancies for triage.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Status is the triage state of a discrepancy.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
	StatusIgnored  Status = "ignored"
)

// ErrNotFound is returned for unknown discrepancy ids.
var ErrNotFound = errors.New("discrepancy not found")

// FieldDiff is one differing field of a data mismatch.
type FieldDiff struct {
	Field  string `json:"field"`
	Local  string `json:"local"`
	Remote string `json:"remote"`
}

// Discrepancy is a finding awaiting triage.
type Discrepancy struct {
	ID             string      `json:"id"`
	Type           Type        `json:"type"`
	Severity       Severity    `json:"severity"`
	CorrelationKey string      `json:"correlation_key"`
	RemoteID       string      `json:"remote_id,omitempty"`
	Diffs          []FieldDiff `json:"diffs,omitempty"`
	Detail         string      `json:"detail,omitempty"`
	DetectedAt     time.Time   `json:"detected_at"`
	Status         Status      `json:"status"`
	Notes          string      `json:"notes,omitempty"`
	ResolvedAt     *time.Time  `json:"resolved_at,omitempty"`
}

// ListOpts filters ListDiscrepancies. Empty fields match everything.
type ListOpts struct {
	Status   Status
	Severity Severity
	Type     Type
	Limit    int
}

// Store persists discrepancies.
type Store interface {
	// FindOpenDiscrepancy returns nil, nil when no open discrepancy of typ
	// exists for key.
	FindOpenDiscrepancy(ctx context.Context, typ Type, key string) (*Discrepancy, error)
	// SaveDiscrepancy inserts d or replaces the discrepancy with d.ID.
	SaveDiscrepancy(ctx context.Context, d Discrepancy) error
	GetDiscrepancy(ctx context.Context, id string) (*Discrepancy, error)
	ListDiscrepancies(ctx context.Context, opts ListOpts) ([]Discrepancy, error)
}

func severityOf(t Type) Severity {
	switch t {
	case TypeMissingRemote:
		return SeverityCritical
	case TypeMissingLocal, TypeDataMismatch:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}
