package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/DarlingtonDeveloper/fiscal-relay/fault"
	"github.com/DarlingtonDeveloper/fiscal-relay/queue"
)

// Publisher sends dead-letter events to NATS.
type Publisher struct {
	nc     NATSPublisher
	source string
	now    func() time.Time
}

// NewPublisher creates a dead-letter publisher. *nats.Conn satisfies
// NATSPublisher.
func NewPublisher(nc NATSPublisher, source string) *Publisher {
	return &Publisher{nc: nc, source: source, now: time.Now}
}

// PublishOpts configures a dead-letter event.
type PublishOpts struct {
	Item       queue.Item
	Reason     string
	Err        error
	MaxRetries int
}

// Publish sends a dead-letter event to the subject for its reason.
func (p *Publisher) Publish(opts PublishOpts) error {
	dl := DeadLetter{
		DLQID:      uuid.New().String(),
		ItemID:     opts.Item.ID,
		Topic:      opts.Item.Topic,
		Resource:   opts.Item.Resource,
		Payload:    opts.Item.Payload,
		Reason:     opts.Reason,
		FailedAt:   p.now().UTC(),
		Retries:    opts.Item.Retries,
		MaxRetries: opts.MaxRetries,
		Source:     p.source,
	}
	if opts.Err != nil {
		dl.ReasonDetail = opts.Err.Error()
		var fe *fault.Error
		if errors.As(opts.Err, &fe) {
			dl.ErrorKind = fe.Kind.String()
			dl.ErrorCode = fe.Code
		}
	} else if opts.Item.Error != "" {
		dl.ReasonDetail = opts.Item.Error
	}

	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	subject := SubjectForReason(opts.Reason)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}
