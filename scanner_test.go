package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DarlingtonDeveloper/fiscal-relay/reconcile"
)

func TestScanner_Scan_PassesModeAndLimit(t *testing.T) {
	rec := newMockReconciler()
	scanner := NewScanner(rec, time.Hour, time.Minute, 25)

	scanner.scan(context.Background(), reconcile.ModeQuick)
	scanner.scan(context.Background(), reconcile.ModeFull)

	if len(rec.runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(rec.runs))
	}
	if rec.runs[0] != reconcile.ModeQuick || rec.runs[1] != reconcile.ModeFull {
		t.Errorf("unexpected modes %v", rec.runs)
	}
	if rec.limits[0] != 25 {
		t.Errorf("expected quick limit 25, got %d", rec.limits[0])
	}
}

func TestScanner_Scan_BusyIsSkipped(t *testing.T) {
	rec := newMockReconciler()
	rec.runErr = &reconcile.BusyError{State: reconcile.State{Phase: reconcile.PhaseRunning}}
	scanner := NewScanner(rec, time.Hour, 0, 0)

	// Must not panic on a nil report.
	scanner.scan(context.Background(), reconcile.ModeFull)
	if rec.runCount() != 1 {
		t.Errorf("expected 1 run attempt, got %d", rec.runCount())
	}
}

func TestScanner_Scan_RunError(t *testing.T) {
	rec := newMockReconciler()
	rec.runErr = errors.New("store unavailable")
	scanner := NewScanner(rec, time.Hour, 0, 0)

	scanner.scan(context.Background(), reconcile.ModeFull)
	if rec.runCount() != 1 {
		t.Errorf("expected 1 run attempt, got %d", rec.runCount())
	}
}

func TestScanner_StartAndStop(t *testing.T) {
	rec := newMockReconciler()
	scanner := NewScanner(rec, 0, 10*time.Millisecond, 5)

	ctx, cancel := context.WithCancel(context.Background())
	scanner.Start(ctx)

	select {
	case mode := <-rec.ran:
		if mode != reconcile.ModeQuick {
			t.Errorf("expected quick sweep, got %s", mode)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scanner never ran")
	}

	cancel()
	done := make(chan struct{})
	go func() {
		scanner.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scanner did not stop after cancel")
	}
}
