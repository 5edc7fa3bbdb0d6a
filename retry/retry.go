// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/DarlingtonDeveloper/fiscal-relay/fault"
)

// DefaultJitter spreads each delay by ±25%.
const DefaultJitter = 0.25

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	// Jitter is the fraction by which a delay may deviate either way.
	// Zero means DefaultJitter; a negative value disables jitter.
	Jitter float64 `yaml:"jitter"`
}

// DefaultPolicy returns the policy used for remote fiscal API calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
		Jitter:        DefaultJitter,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay < 0 {
		p.InitialDelay = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = p.InitialDelay
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = 1
	}
	if p.Jitter == 0 {
		p.Jitter = DefaultJitter
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Backoff is the unjittered delay after the given zero-based attempt:
// min(InitialDelay × BackoffFactor^attempt, MaxDelay).
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	d := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempt))
	if d > float64(p.MaxDelay) || math.IsInf(d, 1) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Delay is Backoff with jitter applied. r must be in [0, 1).
// The result never exceeds MaxDelay.
func (p Policy) Delay(attempt int, r float64) time.Duration {
	p = p.normalized()
	base := p.Backoff(attempt)
	if p.Jitter < 0 {
		return base
	}
	d := time.Duration(float64(base) * (1 + p.Jitter*(2*r-1)))
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

type runner struct {
	sleep     func(context.Context, time.Duration) error
	rand      func() float64
	onRetry   func(attempt int, delay time.Duration, err error)
	retryable func(error) bool
}

// Option customizes a single Do call.
type Option func(*runner)

// WithSleep replaces the context-aware wait between attempts.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(r *runner) { r.sleep = fn }
}

// WithRand replaces the jitter source.
func WithRand(fn func() float64) Option {
	return func(r *runner) { r.rand = fn }
}

// WithOnRetry observes every scheduled retry. attempt is the one-based
// number of the attempt that just failed.
func WithOnRetry(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(r *runner) { r.onRetry = fn }
}

// WithClassifier replaces fault.IsRetryable.
func WithClassifier(fn func(error) bool) Option {
	return func(r *runner) { r.retryable = fn }
}

// Do runs op until it succeeds, returns a non-retryable error, or the
// policy's attempts are exhausted; the last error is returned unchanged.
// A circuit breaker rejection ends the loop at once without being counted
// as an attempt.
func Do(ctx context.Context, p Policy, op func(context.Context) error, opts ...Option) error {
	p = p.normalized()
	r := &runner{
		sleep:     sleepContext,
		rand:      rand.Float64,
		retryable: fault.IsRetryable,
	}
	for _, o := range opts {
		o(r)
	}

	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if fault.IsCircuitOpen(err) || !r.retryable(err) {
			return err
		}
		if attempt+1 >= p.MaxAttempts {
			return err
		}

		delay := p.Delay(attempt, r.rand())
		if r.onRetry != nil {
			r.onRetry(attempt+1, delay, err)
		}
		if serr := r.sleep(ctx, delay); serr != nil {
			return fault.TransientErr("retry", fault.CodeCanceled,
				fmt.Errorf("aborted after %d attempts: %w: %w", attempt+1, serr, err))
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
