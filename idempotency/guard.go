// Package idempotency executes a remote side effect at most once per
// correlation key.
//
// For key K the guard:
//
//  1. returns the locally cached record for K if there is one;
//  2. otherwise asks the remote API for K and, if found, caches and
//     returns it (this heals a crash between remote success and the local
//     write);
//  3. otherwise creates the record remotely and caches it.
//
// A failed create leaves nothing cached, so the next call re-enters at
// step 1 and is safe to retry. Remote calls run through a circuit breaker
// and the retry engine. Concurrent calls for the same K in one process
// share a single execution.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/DarlingtonDeveloper/fiscal-relay/breaker"
	"github.com/DarlingtonDeveloper/fiscal-relay/fault"
	"github.com/DarlingtonDeveloper/fiscal-relay/retry"
)

// Source tells where an Execute result came from.
type Source string

const (
	SourceCache   Source = "cache"
	SourceRemote  Source = "remote_lookup"
	SourceCreated Source = "created"
)

// Result is the outcome of Execute.
type Result struct {
	Record Record `json:"record"`
	Source Source `json:"source"`
}

// Guard is safe for concurrent use.
type Guard struct {
	store     Store
	remote    Remote
	breaker   *breaker.Breaker
	policy    retry.Policy
	retryOpts []retry.Option
	group     singleflight.Group
	logger    *slog.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// WithRetryOptions passes options to every retry loop the guard runs.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(g *Guard) { g.retryOpts = append(g.retryOpts, opts...) }
}

// NewGuard wires the guard to its local cache, the remote API and the
// breaker protecting that API.
func NewGuard(store Store, remote Remote, b *breaker.Breaker, policy retry.Policy, opts ...Option) *Guard {
	g := &Guard{
		store:   store,
		remote:  remote,
		breaker: b,
		policy:  policy,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Execute creates the record for req.CorrelationKey unless it already
// exists locally or remotely.
func (g *Guard) Execute(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.CorrelationKey) == "" {
		return Result{}, fault.PermanentErr("idempotency.execute", fault.CodeValidation,
			errors.New("correlation key is required"))
	}

	// The shared execution is detached from the caller that started it, so
	// one cancelled caller does not fail the others joined on the key. Each
	// caller still stops waiting when its own ctx is done; the remote calls
	// stay bounded by the breaker call timeout and the retry policy.
	ch := g.group.DoChan(req.CorrelationKey, func() (any, error) {
		return g.execute(context.WithoutCancel(ctx), req)
	})
	select {
	case res := <-ch:
		if res.Shared {
			g.logger.Debug("idempotency: joined in-flight execution", "correlation_key", req.CorrelationKey)
		}
		if res.Err != nil {
			return Result{}, res.Err
		}
		return res.Val.(Result), nil
	case <-ctx.Done():
		return Result{}, fault.TransientErr("idempotency.execute", fault.CodeCanceled, ctx.Err())
	}
}

func (g *Guard) execute(ctx context.Context, req Request) (Result, error) {
	key := req.CorrelationKey

	cached, err := g.store.Get(ctx, key)
	if err != nil {
		// The remote lookup below is authoritative, so a broken cache only
		// costs an extra read.
		g.logger.Warn("idempotency: local lookup failed, falling back to remote",
			"correlation_key", key,
			"error", err,
		)
	}
	if cached != nil {
		return Result{Record: *cached, Source: SourceCache}, nil
	}

	found, err := g.Lookup(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("lookup %s: %w", key, err)
	}
	if found != nil {
		g.logger.Info("idempotency: adopted existing remote record",
			"correlation_key", key,
			"remote_id", found.RemoteID,
		)
		g.persist(ctx, *found)
		return Result{Record: *found, Source: SourceRemote}, nil
	}

	var created *Record
	err = g.protected(ctx, func(ctx context.Context) error {
		rec, err := g.remote.Create(ctx, req)
		if err != nil {
			return err
		}
		created = rec
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("create %s: %w", key, err)
	}
	if created == nil {
		return Result{}, fault.TransientErr("remote.create", fault.CodeUnclassified,
			errors.New("remote returned no record"))
	}
	if created.CorrelationKey == "" {
		created.CorrelationKey = key
	}

	g.persist(ctx, *created)
	return Result{Record: *created, Source: SourceCreated}, nil
}

// Lookup queries the remote API for key through the breaker and retry
// engine. It returns nil, nil when the remote has no record.
func (g *Guard) Lookup(ctx context.Context, key string) (*Record, error) {
	var found *Record
	err := g.protected(ctx, func(ctx context.Context) error {
		rec, err := g.remote.FindByCorrelationKey(ctx, key)
		if err != nil {
			return err
		}
		found = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func (g *Guard) protected(ctx context.Context, op func(context.Context) error) error {
	return retry.Do(ctx, g.policy, func(ctx context.Context) error {
		return g.breaker.Fire(ctx, op)
	}, g.retryOpts...)
}

// persist writes rec to the local cache. A failure here is systemic: the
// remote record exists, so the next Execute heals through Lookup.
func (g *Guard) persist(ctx context.Context, rec Record) {
	if err := g.store.Put(ctx, rec); err != nil {
		g.logger.Error("idempotency: local persist failed, remote record will be re-adopted",
			"correlation_key", rec.CorrelationKey,
			"remote_id", rec.RemoteID,
			"error", err,
		)
	}
}
