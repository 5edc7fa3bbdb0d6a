package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/DarlingtonDeveloper/fiscal-relay/fault"
	"github.com/DarlingtonDeveloper/fiscal-relay/queue"
)

// IngressEvent is the wire shape accepted over HTTP and NATS.
type IngressEvent struct {
	ID       string          `json:"id,omitempty"`
	Topic    string          `json:"topic"`
	Resource string          `json:"resource"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Ack is returned to the sender once the event is durably queued.
type Ack struct {
	ItemID  string `json:"item_id"`
	EventID string `json:"event_id,omitempty"`
}

// Processor accepts order events into the durable queue. It never waits
// for the side effect.
type Processor struct {
	queue  EventQueue
	logger *slog.Logger
}

// NewProcessor creates an ingress processor.
func NewProcessor(q EventQueue) *Processor {
	return &Processor{queue: q, logger: slog.Default()}
}

// Accept validates ev and enqueues it.
func (p *Processor) Accept(ev IngressEvent) (Ack, error) {
	id, err := p.queue.Add(queue.Event{
		Topic:    strings.TrimSpace(ev.Topic),
		Resource: strings.TrimSpace(ev.Resource),
		Payload:  ev.Payload,
	})
	if err != nil {
		return Ack{}, fmt.Errorf("accept event: %w", err)
	}
	p.logger.Debug("ingress: event queued",
		"item_id", id,
		"event_id", ev.ID,
		"topic", ev.Topic,
		"resource", ev.Resource,
	)
	return Ack{ItemID: id, EventID: ev.ID}, nil
}

// Process parses a raw NATS message and enqueues it. When the event has no
// topic the NATS subject is used.
func (p *Processor) Process(_ context.Context, subject string, data []byte) (Ack, error) {
	var ev IngressEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		p.logger.Warn("ingress: malformed event",
			"subject", subject,
			"error", err,
		)
		return Ack{}, fault.PermanentErr("ingress.process", fault.CodeValidation, err)
	}
	if ev.Topic == "" {
		ev.Topic = subject
	}

	ack, err := p.Accept(ev)
	if err != nil {
		p.logger.Error("ingress: failed to queue event",
			"subject", subject,
			"event_id", ev.ID,
			"error", err,
		)
		return Ack{}, err
	}
	return ack, nil
}

// Subscribe consumes subject as part of a queue group. Messages sent with
// a reply subject get the Ack, or an error body, once the event is queued.
func (p *Processor) Subscribe(nc *nats.Conn, subject, group string) (*nats.Subscription, error) {
	sub, err := nc.QueueSubscribe(subject, group, func(m *nats.Msg) {
		ack, err := p.Process(context.Background(), m.Subject, m.Data)
		if m.Reply == "" {
			return
		}
		var body any = ack
		if err != nil {
			body = map[string]string{"error": err.Error()}
		}
		data, _ := json.Marshal(body)
		if rerr := m.Respond(data); rerr != nil {
			p.logger.Warn("ingress: failed to reply", "subject", m.Subject, "error", rerr)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	return sub, nil
}
