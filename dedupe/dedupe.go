// Package dedupe collapses duplicate or near-simultaneous deliveries of the
// same logical event.
//
// A key is held in-progress from TryAcquire until Complete or Release.
// Completed keys keep rejecting duplicates for the TTL window. In-progress
// keys never expire on their own; the holder must resolve them.
package dedupe

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultTTL is how long a completed key keeps rejecting duplicates.
const DefaultTTL = 5 * time.Minute

// Key identifies a logical event.
type Key struct {
	Topic    string
	Resource string
}

func (k Key) String() string { return k.Topic + ":" + k.Resource }

type phase int

const (
	inProgress phase = iota
	completed
)

type entry struct {
	phase phase
	at    time.Time
}

// Window is safe for concurrent use.
type Window struct {
	mu      sync.Mutex
	entries map[Key]entry
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
	done    chan struct{}
}

// Option configures a Window.
type Option func(*Window)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *Window) { w.now = now }
}

// WithLogger sets the logger used by the sweep loop.
func WithLogger(l *slog.Logger) Option {
	return func(w *Window) { w.logger = l }
}

// New creates a Window. A non-positive ttl uses DefaultTTL.
func New(ttl time.Duration, opts ...Option) *Window {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	w := &Window{
		entries: make(map[Key]entry),
		ttl:     ttl,
		now:     time.Now,
		logger:  slog.Default(),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// TryAcquire marks k in-progress. It returns false when k is already
// in-progress or was completed less than TTL ago.
func (w *Window) TryAcquire(k Key) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if e, ok := w.entries[k]; ok {
		if e.phase == inProgress {
			return false
		}
		if now.Sub(e.at) < w.ttl {
			return false
		}
	}
	w.entries[k] = entry{phase: inProgress, at: now}
	return true
}

// Complete records k as processed; duplicates are rejected for TTL.
func (w *Window) Complete(k Key) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries[k] = entry{phase: completed, at: w.now()}
}

// Release drops an in-progress marker without recording completion so a
// later retry can reacquire k. Completed entries are left alone.
func (w *Window) Release(k Key) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.entries[k]; ok && e.phase == inProgress {
		delete(w.entries, k)
	}
}

// Sweep purges completed entries older than TTL and reports how many.
func (w *Window) Sweep() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	purged := 0
	for k, e := range w.entries {
		if e.phase == completed && now.Sub(e.at) >= w.ttl {
			delete(w.entries, k)
			purged++
		}
	}
	return purged
}

// Len reports the number of tracked keys.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// Start runs Sweep every interval until ctx is cancelled.
func (w *Window) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		defer close(w.done)
		for {
			select {
			case <-ticker.C:
				if n := w.Sweep(); n > 0 {
					w.logger.Debug("dedupe: purged expired keys", "count", n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Wait blocks until the sweep loop has stopped.
func (w *Window) Wait() {
	<-w.done
}
