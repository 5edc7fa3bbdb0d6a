// Package relay turns order events into fiscal records on a remote API.
//
// Events are durably queued on arrival and acknowledged immediately. A
// bounded pool of workers drains the queue through a deduplication window
// and an idempotency guard, so each logical event creates at most one
// remote record. Items that cannot be processed are parked as dead letters
// and announced on NATS.
package relay

import (
	"encoding/json"
	"time"
)

// Reasons an item can be dead-lettered.
const (
	ReasonRejected  = "rejected"          // the remote API refused the request
	ReasonExhausted = "retries_exhausted" // transient failures used up the retry budget
	ReasonInvalid   = "invalid_event"     // the business rules could not build a request
)

// Sources that publish dead-letter events.
const (
	SourceWorker = "worker"
	SourceOps    = "ops"
)

// NATS subjects for dead-letter events.
const (
	SubjectRejected  = "fiscal.dlq.rejected"
	SubjectExhausted = "fiscal.dlq.retries_exhausted"
	SubjectInvalid   = "fiscal.dlq.invalid_event"
	SubjectUnknown   = "fiscal.dlq.unknown"
)

// DeadLetter announces a parked queue item.
type DeadLetter struct {
	DLQID        string          `json:"dlq_id"`
	ItemID       string          `json:"item_id"`
	Topic        string          `json:"topic"`
	Resource     string          `json:"resource"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Reason       string          `json:"reason"`
	ReasonDetail string          `json:"reason_detail,omitempty"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	FailedAt     time.Time       `json:"failed_at"`
	Retries      int             `json:"retries"`
	MaxRetries   int             `json:"max_retries"`
	Source       string          `json:"source"`
}

// SubjectForReason returns the NATS subject for a dead-letter reason.
func SubjectForReason(reason string) string {
	switch reason {
	case ReasonRejected:
		return SubjectRejected
	case ReasonExhausted:
		return SubjectExhausted
	case ReasonInvalid:
		return SubjectInvalid
	default:
		return SubjectUnknown
	}
}
