package relay

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DarlingtonDeveloper/fiscal-relay/fault"
	"github.com/DarlingtonDeveloper/fiscal-relay/queue"
)

func TestPublisher_Publish(t *testing.T) {
	nc := newMockNATS()
	p := NewPublisher(nc, SourceWorker)
	p.now = func() time.Time { return time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC) }

	it := queue.Item{
		ID:       "item-1",
		Topic:    "orders/paid",
		Resource: "ORD-1",
		Payload:  json.RawMessage(`{"total":100}`),
		Retries:  5,
	}
	cause := fault.FromStatus("remote.create", 503, errors.New("unavailable"))

	if err := p.Publish(PublishOpts{Item: it, Reason: ReasonExhausted, Err: cause, MaxRetries: 5}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msgs := nc.published()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Subject != SubjectExhausted {
		t.Errorf("expected subject %s, got %s", SubjectExhausted, msgs[0].Subject)
	}

	var dl DeadLetter
	if err := json.Unmarshal(msgs[0].Data, &dl); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if dl.DLQID == "" {
		t.Error("expected a generated dlq_id")
	}
	if dl.ItemID != "item-1" || dl.Topic != "orders/paid" || dl.Resource != "ORD-1" {
		t.Errorf("unexpected item fields %+v", dl)
	}
	if dl.ErrorKind != "transient" || dl.ErrorCode != fault.CodeServer {
		t.Errorf("expected transient/server_error, got %s/%s", dl.ErrorKind, dl.ErrorCode)
	}
	if dl.Retries != 5 || dl.MaxRetries != 5 {
		t.Errorf("expected 5/5 retries, got %d/%d", dl.Retries, dl.MaxRetries)
	}
	if dl.Source != SourceWorker {
		t.Errorf("expected source %s, got %s", SourceWorker, dl.Source)
	}
	if !dl.FailedAt.Equal(time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)) {
		t.Errorf("unexpected failed_at %v", dl.FailedAt)
	}
}

func TestPublisher_FallsBackToItemError(t *testing.T) {
	nc := newMockNATS()
	p := NewPublisher(nc, SourceOps)

	err := p.Publish(PublishOpts{
		Item:   queue.Item{ID: "item-2", Error: "last failure text"},
		Reason: "manual",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	msgs := nc.published()
	if msgs[0].Subject != SubjectUnknown {
		t.Errorf("expected %s, got %s", SubjectUnknown, msgs[0].Subject)
	}
	var dl DeadLetter
	_ = json.Unmarshal(msgs[0].Data, &dl)
	if dl.ReasonDetail != "last failure text" {
		t.Errorf("expected item error as detail, got %q", dl.ReasonDetail)
	}
	if dl.ErrorKind != "" {
		t.Errorf("expected no error kind, got %q", dl.ErrorKind)
	}
}

func TestPublisher_NATSError(t *testing.T) {
	nc := newMockNATS()
	nc.err = errors.New("nats connection lost")
	p := NewPublisher(nc, SourceWorker)

	err := p.Publish(PublishOpts{Item: queue.Item{ID: "item-3"}, Reason: ReasonRejected})
	if err == nil {
		t.Fatal("expected error when NATS publish fails")
	}
}
