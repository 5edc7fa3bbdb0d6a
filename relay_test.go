package relay

import (
	"encoding/json"
	"testing"
	"time"
)

func TestSubjectForReason(t *testing.T) {
	tests := []struct {
		reason   string
		expected string
	}{
		{ReasonRejected, SubjectRejected},
		{ReasonExhausted, SubjectExhausted},
		{ReasonInvalid, SubjectInvalid},
		{"something_else", SubjectUnknown},
		{"", SubjectUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			if got := SubjectForReason(tt.reason); got != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestDeadLetter_OmitsEmptyOptionalFields(t *testing.T) {
	dl := DeadLetter{
		DLQID:      "dl-1",
		ItemID:     "item-1",
		Topic:      "orders/paid",
		Resource:   "ORD-1",
		Reason:     ReasonExhausted,
		FailedAt:   time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		Retries:    5,
		MaxRetries: 5,
		Source:     SourceWorker,
	}

	data, err := json.Marshal(dl)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"payload", "reason_detail", "error_kind", "error_code"} {
		if _, ok := raw[key]; ok {
			t.Errorf("expected %s to be omitted", key)
		}
	}
	if raw["failed_at"] != "2026-05-01T12:00:00Z" {
		t.Errorf("unexpected failed_at %v", raw["failed_at"])
	}
}
