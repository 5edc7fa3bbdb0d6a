package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/DarlingtonDeveloper/fiscal-relay/reconcile"
)

// Scanner triggers reconciliation sweeps on a schedule: a full sweep every
// fullInterval and a quick sweep of recent records every quickInterval. A
// zero interval disables that sweep.
type Scanner struct {
	rec           Reconciler
	fullInterval  time.Duration
	quickInterval time.Duration
	quickLimit    int
	done          chan struct{}
}

// NewScanner creates a reconciliation scheduler.
func NewScanner(rec Reconciler, fullInterval, quickInterval time.Duration, quickLimit int) *Scanner {
	return &Scanner{
		rec:           rec,
		fullInterval:  fullInterval,
		quickInterval: quickInterval,
		quickLimit:    quickLimit,
		done:          make(chan struct{}),
	}
}

// Start begins the periodic loop. Call with a cancellable context for shutdown.
func (s *Scanner) Start(ctx context.Context) {
	var fullC, quickC <-chan time.Time
	var tickers []*time.Ticker
	if s.fullInterval > 0 {
		t := time.NewTicker(s.fullInterval)
		tickers = append(tickers, t)
		fullC = t.C
	}
	if s.quickInterval > 0 {
		t := time.NewTicker(s.quickInterval)
		tickers = append(tickers, t)
		quickC = t.C
	}

	go func() {
		defer close(s.done)
		defer func() {
			for _, t := range tickers {
				t.Stop()
			}
		}()
		for {
			select {
			case <-fullC:
				s.scan(ctx, reconcile.ModeFull)
			case <-quickC:
				s.scan(ctx, reconcile.ModeQuick)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Wait blocks until the scanner has stopped.
func (s *Scanner) Wait() {
	<-s.done
}

func (s *Scanner) scan(ctx context.Context, mode reconcile.Mode) {
	report, err := s.rec.Run(ctx, mode, s.quickLimit)
	switch {
	case errors.Is(err, reconcile.ErrBusy):
		slog.Info("reconcile scanner: previous run still active, skipping", "mode", mode)
		return
	case err != nil:
		slog.Error("reconcile scanner: run failed", "mode", mode, "error", err)
		return
	}

	if report.New > 0 {
		slog.Warn("reconcile scanner: new discrepancies",
			"mode", mode,
			"new", report.New,
			"checked", report.Checked,
		)
	}
}
