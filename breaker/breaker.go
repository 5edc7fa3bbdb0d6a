// Package breaker guards calls to an unreliable dependency.
//
// A breaker starts closed. FailureThreshold consecutive failures open it;
// while open every call is rejected without running. Once Timeout has
// elapsed the next call is let through as a single half-open trial. A
// failed trial reopens the breaker; SuccessThreshold successful trials
// close it.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/DarlingtonDeveloper/fiscal-relay/fault"
)

// State is the breaker position.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ErrOpen is wrapped by every rejection.
var ErrOpen = errors.New("circuit breaker is open")

// Defaults applied by New for zero settings.
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultTimeout          = 30 * time.Second
	DefaultHistorySize      = 20
)

// Settings configures a Breaker.
type Settings struct {
	Name             string
	FailureThreshold int
	SuccessThreshold int
	// Timeout is how long the breaker stays open before a trial call.
	Timeout time.Duration
	// CallTimeout bounds each wrapped call. Zero leaves the caller's
	// deadline in charge.
	CallTimeout time.Duration
	HistorySize int

	// Fallback, when set, answers rejected calls.
	Fallback func(ctx context.Context, err error) error
	// IsFailure decides which errors count against the breaker. The
	// default counts everything except permanent errors, which prove the
	// dependency is reachable.
	IsFailure     func(error) bool
	OnStateChange func(name string, from, to State)
	Logger        *slog.Logger
	Now           func() time.Time
}

// Transition is one recorded state change.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// Counters are cumulative since creation.
type Counters struct {
	Total      uint64 `json:"total"`
	Successes  uint64 `json:"successes"`
	Failures   uint64 `json:"failures"`
	Rejections uint64 `json:"rejections"`
	Timeouts   uint64 `json:"timeouts"`
	Fallbacks  uint64 `json:"fallbacks"`
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Name         string       `json:"name"`
	State        State        `json:"state"`
	FailureCount int          `json:"failure_count"`
	SuccessCount int          `json:"success_count"`
	NextAttempt  *time.Time   `json:"next_attempt,omitempty"`
	Counters     Counters     `json:"counters"`
	History      []Transition `json:"history"`
}

// Breaker is safe for concurrent use.
type Breaker struct {
	mu            sync.Mutex
	s             Settings
	state         State
	failures      int
	successes     int
	nextAttempt   time.Time
	trialInFlight bool
	counters      Counters
	history       []Transition
}

// New creates a closed breaker.
func New(s Settings) *Breaker {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = DefaultFailureThreshold
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = DefaultSuccessThreshold
	}
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	if s.HistorySize <= 0 {
		s.HistorySize = DefaultHistorySize
	}
	if s.IsFailure == nil {
		s.IsFailure = func(err error) bool { return !fault.IsPermanent(err) }
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	return &Breaker{s: s}
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.s.Name }

// State returns the current state. An open breaker whose timeout has
// elapsed still reports Open until a call moves it to HalfOpen.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Fire runs op unless the breaker rejects the call. Rejections return a
// Transient fault with code circuit_open wrapping ErrOpen, or whatever
// Fallback returns.
func (b *Breaker) Fire(ctx context.Context, op func(context.Context) error) error {
	trial, tr, rejected := b.admit()
	b.notify(tr)
	if rejected {
		return b.reject(ctx)
	}

	callCtx := ctx
	if b.s.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.s.CallTimeout)
		defer cancel()
	}

	defer func() {
		// A panicking call still ends its trial and counts as a failure.
		if r := recover(); r != nil {
			b.notify(b.record(trial, false, fault.TransientErr("breaker."+b.s.Name, fault.CodeUnclassified,
				fmt.Errorf("panic: %v", r))))
			panic(r)
		}
	}()

	err := op(callCtx)
	timedOut := false
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		timedOut = true
		err = fault.TransientErr("breaker."+b.s.Name, fault.CodeTimeout, err)
	}

	b.notify(b.record(trial, timedOut, err))
	return err
}

func (b *Breaker) admit() (trial bool, tr *Transition, rejected bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counters.Total++
	switch b.state {
	case Open:
		if b.s.Now().Before(b.nextAttempt) {
			b.counters.Rejections++
			return false, nil, true
		}
		tr = b.transitionLocked(HalfOpen, "timeout elapsed")
		b.successes = 0
		b.trialInFlight = true
		return true, tr, false
	case HalfOpen:
		if b.trialInFlight {
			b.counters.Rejections++
			return false, nil, true
		}
		b.trialInFlight = true
		return true, nil, false
	}
	return false, nil, false
}

func (b *Breaker) record(trial, timedOut bool, err error) *Transition {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trialInFlight = false
	}
	if timedOut {
		b.counters.Timeouts++
	}

	if err == nil || !b.s.IsFailure(err) {
		b.counters.Successes++
		b.failures = 0
		if trial && b.state == HalfOpen {
			b.successes++
			if b.successes >= b.s.SuccessThreshold {
				return b.transitionLocked(Closed, "success threshold reached")
			}
		}
		return nil
	}

	b.counters.Failures++
	b.failures++
	switch {
	case trial && b.state == HalfOpen:
		return b.openLocked("trial call failed")
	case b.state == Closed && b.failures >= b.s.FailureThreshold:
		return b.openLocked("failure threshold reached")
	}
	return nil
}

func (b *Breaker) openLocked(reason string) *Transition {
	b.nextAttempt = b.s.Now().Add(b.s.Timeout)
	b.successes = 0
	return b.transitionLocked(Open, reason)
}

func (b *Breaker) transitionLocked(to State, reason string) *Transition {
	tr := Transition{From: b.state, To: to, At: b.s.Now().UTC(), Reason: reason}
	b.state = to
	if to == Closed {
		b.failures = 0
		b.successes = 0
	}
	b.history = append(b.history, tr)
	if over := len(b.history) - b.s.HistorySize; over > 0 {
		b.history = append(b.history[:0], b.history[over:]...)
	}
	return &tr
}

func (b *Breaker) notify(tr *Transition) {
	if tr == nil {
		return
	}
	b.s.Logger.Warn("breaker: state changed",
		"breaker", b.s.Name,
		"from", tr.From.String(),
		"to", tr.To.String(),
		"reason", tr.Reason,
	)
	if b.s.OnStateChange != nil {
		b.s.OnStateChange(b.s.Name, tr.From, tr.To)
	}
}

func (b *Breaker) reject(ctx context.Context) error {
	err := fault.TransientErr("breaker."+b.s.Name, fault.CodeCircuitOpen, ErrOpen)
	if b.s.Fallback == nil {
		return err
	}
	b.mu.Lock()
	b.counters.Fallbacks++
	b.mu.Unlock()
	return b.s.Fallback(ctx, err)
}

// Snapshot returns the breaker's current diagnostics.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{
		Name:         b.s.Name,
		State:        b.state,
		FailureCount: b.failures,
		SuccessCount: b.successes,
		Counters:     b.counters,
		History:      append([]Transition(nil), b.history...),
	}
	if b.state == Open {
		next := b.nextAttempt
		snap.NextAttempt = &next
	}
	return snap
}

// Registry keeps named breakers for diagnostics.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// Register adds b, replacing any breaker with the same name.
func (r *Registry) Register(b *Breaker) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers[b.Name()] = b
	return b
}

// Get returns the breaker with the given name.
func (r *Registry) Get(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Snapshots returns every breaker's snapshot ordered by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
