package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/DarlingtonDeveloper/fiscal-relay/dedupe"
	"github.com/DarlingtonDeveloper/fiscal-relay/fault"
	"github.com/DarlingtonDeveloper/fiscal-relay/queue"
)

// Outcome is what happened to one claimed item.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRetry     Outcome = "retry"
	OutcomeDeferred  Outcome = "deferred"
	OutcomeDead      Outcome = "dead"
	OutcomeAborted   Outcome = "aborted"
)

// WorkerOptions tunes a Worker.
type WorkerOptions struct {
	Concurrency  int
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Worker drains the queue with bounded concurrency.
type Worker struct {
	queue    EventQueue
	window   *dedupe.Window
	rules    Rules
	exec     Executor
	notifier DeadLetterNotifier
	sem      *semaphore.Weighted
	poll     time.Duration
	logger   *slog.Logger

	wg   sync.WaitGroup
	done chan struct{}
}

// NewWorker creates a pipeline worker. notifier may be nil.
func NewWorker(q EventQueue, window *dedupe.Window, rules Rules, exec Executor, notifier DeadLetterNotifier, opts WorkerOptions) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Worker{
		queue:    q,
		window:   window,
		rules:    rules,
		exec:     exec,
		notifier: notifier,
		sem:      semaphore.NewWeighted(int64(opts.Concurrency)),
		poll:     opts.PollInterval,
		logger:   opts.Logger,
		done:     make(chan struct{}),
	}
}

// Start begins draining the queue. Cancel ctx to stop; Wait returns once
// in-flight items have finished.
func (w *Worker) Start(ctx context.Context) {
	go func() {
		defer close(w.done)
		defer w.wg.Wait()

		ticker := time.NewTicker(w.poll)
		defer ticker.Stop()

		for {
			if err := w.sem.Acquire(ctx, 1); err != nil {
				return
			}
			it, ok := w.queue.Next()
			if !ok {
				w.sem.Release(1)
				select {
				case <-ctx.Done():
					return
				case <-w.queue.Notify():
				case <-ticker.C:
				}
				continue
			}

			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				defer w.sem.Release(1)
				if w.handle(ctx, it) == OutcomeDeferred {
					// Hold the slot so an open circuit is not hammered.
					select {
					case <-ctx.Done():
					case <-time.After(w.poll):
					}
				}
			}()
		}
	}()
}

// Wait blocks until the worker has stopped.
func (w *Worker) Wait() {
	<-w.done
}

// ProcessNext claims and handles one item synchronously. It reports false
// when nothing was pending.
func (w *Worker) ProcessNext(ctx context.Context) (Outcome, bool) {
	it, ok := w.queue.Next()
	if !ok {
		return "", false
	}
	return w.handle(ctx, it), true
}

func (w *Worker) handle(ctx context.Context, it queue.Item) Outcome {
	key := dedupe.Key{Topic: it.Topic, Resource: it.Resource}
	if !w.window.TryAcquire(key) {
		w.logger.Info("worker: duplicate event dropped",
			"item_id", it.ID,
			"topic", it.Topic,
			"resource", it.Resource,
		)
		w.complete(it)
		return OutcomeDuplicate
	}

	req, err := w.rules.Build(ctx, it)
	if err != nil {
		w.window.Release(key)
		w.deadLetter(it, ReasonInvalid, err)
		return OutcomeDead
	}

	res, err := w.exec.Execute(ctx, req)
	if err == nil {
		w.window.Complete(key)
		w.complete(it)
		w.logger.Info("worker: event processed",
			"item_id", it.ID,
			"key", req.CorrelationKey,
			"remote_id", res.Record.RemoteID,
			"source", res.Source,
		)
		return OutcomeCompleted
	}

	w.window.Release(key)

	switch {
	case ctx.Err() != nil:
		// Left in processing; the next Open puts it back to pending.
		w.logger.Warn("worker: processing interrupted", "item_id", it.ID, "error", err)
		return OutcomeAborted
	case fault.IsCircuitOpen(err):
		if rerr := w.queue.Release(it.ID); rerr != nil {
			w.logger.Error("worker: failed to release item", "item_id", it.ID, "error", rerr)
		}
		w.logger.Warn("worker: remote unavailable, deferring", "item_id", it.ID, "key", req.CorrelationKey)
		return OutcomeDeferred
	case fault.IsPermanent(err):
		w.deadLetter(it, ReasonRejected, err)
		return OutcomeDead
	}

	failed, ferr := w.queue.Fail(it.ID, err)
	if ferr != nil {
		w.logger.Error("worker: failed to record failure", "item_id", it.ID, "error", ferr)
		return OutcomeRetry
	}
	if failed.Status == queue.StatusDead {
		w.logger.Error("worker: retry budget exhausted",
			"item_id", it.ID,
			"key", req.CorrelationKey,
			"retries", failed.Retries,
			"error", err,
		)
		w.notify(failed, ReasonExhausted, err)
		return OutcomeDead
	}
	w.logger.Warn("worker: event failed, will retry",
		"item_id", it.ID,
		"key", req.CorrelationKey,
		"retries", failed.Retries,
		"error", err,
	)
	return OutcomeRetry
}

func (w *Worker) complete(it queue.Item) {
	if err := w.queue.Complete(it.ID); err != nil {
		w.logger.Error("worker: failed to complete item", "item_id", it.ID, "error", err)
	}
}

func (w *Worker) deadLetter(it queue.Item, reason string, cause error) {
	dead, err := w.queue.DeadLetter(it.ID, cause)
	if err != nil {
		w.logger.Error("worker: failed to dead-letter item", "item_id", it.ID, "error", err)
		return
	}
	w.logger.Error("worker: event dead-lettered",
		"item_id", it.ID,
		"reason", reason,
		"error", cause,
	)
	w.notify(dead, reason, cause)
}

func (w *Worker) notify(it queue.Item, reason string, cause error) {
	if w.notifier == nil {
		return
	}
	err := w.notifier.Publish(PublishOpts{
		Item:       it,
		Reason:     reason,
		Err:        cause,
		MaxRetries: w.queue.MaxRetries(),
	})
	if err != nil {
		w.logger.Error("worker: failed to publish dead letter", "item_id", it.ID, "reason", reason, "error", err)
	}
}
