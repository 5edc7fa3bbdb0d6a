package relay

import (
	"context"

	"github.com/DarlingtonDeveloper/fiscal-relay/idempotency"
	"github.com/DarlingtonDeveloper/fiscal-relay/queue"
	"github.com/DarlingtonDeveloper/fiscal-relay/reconcile"
)

// EventQueue is the durable queue the pipeline drains.
// The concrete implementation is *queue.Queue.
type EventQueue interface {
	Add(ev queue.Event) (string, error)
	Next() (queue.Item, bool)
	Complete(id string) error
	Fail(id string, cause error) (queue.Item, error)
	DeadLetter(id string, cause error) (queue.Item, error)
	Release(id string) error
	Requeue(id string) (queue.Item, error)
	Get(id string) (queue.Item, error)
	List(status queue.Status, limit int) []queue.Item
	Stats() queue.Stats
	MaxRetries() int
	Notify() <-chan struct{}
}

// Rules turns a queued event into the request the guard executes.
type Rules interface {
	Build(ctx context.Context, it queue.Item) (idempotency.Request, error)
}

// Executor runs a request at most once per correlation key.
// The concrete implementation is *idempotency.Guard.
type Executor interface {
	Execute(ctx context.Context, req idempotency.Request) (idempotency.Result, error)
}

// NATSPublisher is the interface for publishing messages to NATS.
type NATSPublisher interface {
	Publish(subject string, data []byte) error
}

// DeadLetterNotifier announces parked items. The concrete implementation
// is *Publisher.
type DeadLetterNotifier interface {
	Publish(opts PublishOpts) error
}

// Reconciler is the reconciliation service driven by the scanner and the
// ops API. The concrete implementation is *reconcile.Service.
type Reconciler interface {
	Run(ctx context.Context, mode reconcile.Mode, limit int) (*reconcile.Report, error)
	Status() reconcile.State
	Resolve(ctx context.Context, id string, resolution reconcile.Status, notes string) (*reconcile.Discrepancy, error)
	List(ctx context.Context, opts reconcile.ListOpts) ([]reconcile.Discrepancy, error)
	Stats(ctx context.Context) (*reconcile.Stats, error)
}

var (
	_ EventQueue         = (*queue.Queue)(nil)
	_ Executor           = (*idempotency.Guard)(nil)
	_ Reconciler         = (*reconcile.Service)(nil)
	_ DeadLetterNotifier = (*Publisher)(nil)
	_ Rules              = OrderRules{}
	_ idempotency.Store  = (*Store)(nil)
	_ reconcile.Store    = (*Store)(nil)
	_ idempotency.Remote = (*RemoteClient)(nil)
	_ reconcile.Lister   = (*RemoteClient)(nil)
)
