// Package reconcile compares local fiscal records with the remote API and
// records discrepancies for manual triage. It never repairs anything.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/DarlingtonDeveloper/fiscal-relay/fault"
	"github.com/DarlingtonDeveloper/fiscal-relay/idempotency"
)

// Mode selects how much of the local store a run covers.
type Mode string

const (
	// ModeFull checks every local record.
	ModeFull Mode = "full"
	// ModeQuick checks only the most recent records.
	ModeQuick Mode = "quick"
)

// Phase is the service state.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseRunning Phase = "running"
)

const (
	DefaultCallDelay  = 200 * time.Millisecond
	DefaultQuickLimit = 50
	DefaultLookback   = 7 * 24 * time.Hour
)

// ErrBusy matches a *BusyError with errors.Is.
var ErrBusy = errors.New("reconciliation already running")

// Local lists the locally cached records.
type Local interface {
	ListRecords(ctx context.Context, limit int) ([]idempotency.Record, error)
}

// Remote looks a record up on the fiscal API. *idempotency.Guard satisfies
// it, so lookups go through the same breaker as creates.
type Remote interface {
	Lookup(ctx context.Context, key string) (*idempotency.Record, error)
}

// Lister is implemented by remotes that can enumerate their records.
type Lister interface {
	ListSince(ctx context.Context, since time.Time) ([]idempotency.Record, error)
}

// Report summarises one run.
type Report struct {
	Mode       Mode         `json:"mode"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Checked    int          `json:"checked"`
	Matched    int          `json:"matched"`
	Found      int          `json:"found"`
	New        int          `json:"new"`
	Errors     int          `json:"errors"`
	ByType     map[Type]int `json:"by_type"`
	Aborted    bool         `json:"aborted,omitempty"`
}

// State is a point-in-time view of the service.
type State struct {
	Phase      Phase      `json:"phase"`
	Mode       Mode       `json:"mode,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	Checked    int        `json:"checked"`
	Total      int        `json:"total"`
	LastReport *Report    `json:"last_report,omitempty"`
}

// BusyError is returned by Run while another run is in progress.
type BusyError struct {
	State State
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("reconciliation already running (%s, %d/%d checked)", e.State.Mode, e.State.Checked, e.State.Total)
}

func (e *BusyError) Is(target error) bool { return target == ErrBusy }

// Stats aggregates stored discrepancies.
type Stats struct {
	Total      int              `json:"total"`
	Open       int              `json:"open"`
	BySeverity map[Severity]int `json:"by_severity"`
	ByType     map[Type]int     `json:"by_type"`
	ByStatus   map[Status]int   `json:"by_status"`
	LastReport *Report          `json:"last_report,omitempty"`
}

// Options tunes a Service. Zero values take the defaults.
type Options struct {
	CallDelay  time.Duration
	QuickLimit int
	// Lookback bounds the remote listing used to find missing_local records.
	Lookback time.Duration
	Lister   Lister
	Logger   *slog.Logger
	Now      func() time.Time
}

// Service runs reconciliation sweeps. One run at a time.
type Service struct {
	local   Local
	remote  Remote
	store   Store
	lister  Lister
	limiter *rate.Limiter
	opts    Options
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	state State
}

// New creates a Service.
func New(local Local, remote Remote, store Store, opts Options) *Service {
	if opts.CallDelay <= 0 {
		opts.CallDelay = DefaultCallDelay
	}
	if opts.QuickLimit <= 0 {
		opts.QuickLimit = DefaultQuickLimit
	}
	if opts.Lookback <= 0 {
		opts.Lookback = DefaultLookback
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		local:   local,
		remote:  remote,
		store:   store,
		lister:  opts.Lister,
		limiter: rate.NewLimiter(rate.Every(opts.CallDelay), 1),
		opts:    opts,
		logger:  opts.Logger,
		now:     opts.Now,
		state:   State{Phase: PhaseIdle},
	}
}

// Status returns the current state.
func (s *Service) Status() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Service) snapshotLocked() State {
	st := s.state
	if st.StartedAt != nil {
		t := *st.StartedAt
		st.StartedAt = &t
	}
	if st.LastReport != nil {
		r := *st.LastReport
		st.LastReport = &r
	}
	return st
}

// Run performs one sweep. For ModeQuick, limit overrides the configured
// number of recent records; it is ignored for ModeFull. A run interrupted
// by ctx returns the partial report together with the context error.
func (s *Service) Run(ctx context.Context, mode Mode, limit int) (*Report, error) {
	if mode != ModeFull && mode != ModeQuick {
		return nil, fault.PermanentErr("reconcile.run", fault.CodeValidation, fmt.Errorf("unknown mode %q", mode))
	}

	s.mu.Lock()
	if s.state.Phase == PhaseRunning {
		st := s.snapshotLocked()
		s.mu.Unlock()
		return nil, &BusyError{State: st}
	}
	started := s.now()
	s.state.Phase = PhaseRunning
	s.state.Mode = mode
	s.state.StartedAt = &started
	s.state.Checked = 0
	s.state.Total = 0
	s.mu.Unlock()

	report := &Report{Mode: mode, StartedAt: started, ByType: make(map[Type]int)}
	defer func() {
		report.FinishedAt = s.now()
		s.mu.Lock()
		s.state = State{Phase: PhaseIdle, LastReport: report}
		s.mu.Unlock()
	}()

	if mode == ModeQuick {
		if limit <= 0 {
			limit = s.opts.QuickLimit
		}
	} else {
		limit = 0
	}

	records, err := s.local.ListRecords(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list local records: %w", err)
	}
	s.mu.Lock()
	s.state.Total = len(records)
	s.mu.Unlock()

	s.logger.Info("reconcile: run started", "mode", mode, "records", len(records))

	for _, rec := range records {
		if err := s.limiter.Wait(ctx); err != nil {
			report.Aborted = true
			return report, fmt.Errorf("reconcile aborted after %d records: %w", report.Checked, err)
		}

		remote, err := s.remote.Lookup(ctx, rec.CorrelationKey)
		report.Checked++
		s.mu.Lock()
		s.state.Checked = report.Checked
		s.mu.Unlock()
		if err != nil {
			if ctx.Err() != nil {
				report.Aborted = true
				return report, fmt.Errorf("reconcile aborted after %d records: %w", report.Checked, ctx.Err())
			}
			report.Errors++
			s.logger.Warn("reconcile: remote lookup failed", "key", rec.CorrelationKey, "error", err)
			continue
		}

		found := compare(rec, remote)
		if len(found) == 0 {
			report.Matched++
			continue
		}
		for _, d := range found {
			if err := s.record(ctx, d, report); err != nil {
				report.Errors++
				s.logger.Error("reconcile: failed to save discrepancy", "key", d.CorrelationKey, "type", d.Type, "error", err)
			}
		}
	}

	if mode == ModeFull && s.lister != nil {
		s.checkMissingLocal(ctx, records, report)
	}

	s.logger.Info("reconcile: run finished",
		"mode", mode,
		"checked", report.Checked,
		"matched", report.Matched,
		"found", report.Found,
		"new", report.New,
		"errors", report.Errors,
	)
	return report, nil
}

func (s *Service) checkMissingLocal(ctx context.Context, local []idempotency.Record, report *Report) {
	known := make(map[string]struct{}, len(local))
	for _, r := range local {
		known[r.CorrelationKey] = struct{}{}
	}

	remote, err := s.lister.ListSince(ctx, s.now().Add(-s.opts.Lookback))
	if err != nil {
		report.Errors++
		s.logger.Warn("reconcile: remote listing failed", "error", err)
		return
	}
	for _, r := range remote {
		if _, ok := known[r.CorrelationKey]; ok || r.CorrelationKey == "" {
			continue
		}
		d := Discrepancy{
			Type:           TypeMissingLocal,
			CorrelationKey: r.CorrelationKey,
			RemoteID:       r.RemoteID,
			Detail:         "remote record has no local counterpart",
		}
		if err := s.record(ctx, d, report); err != nil {
			report.Errors++
			s.logger.Error("reconcile: failed to save discrepancy", "key", d.CorrelationKey, "type", d.Type, "error", err)
		}
	}
}

// record stores d unless an open discrepancy of the same type already
// exists for the key, in which case that one is refreshed.
func (s *Service) record(ctx context.Context, d Discrepancy, report *Report) error {
	report.Found++
	report.ByType[d.Type]++

	existing, err := s.store.FindOpenDiscrepancy(ctx, d.Type, d.CorrelationKey)
	if err != nil {
		return fmt.Errorf("find open discrepancy: %w", err)
	}
	if existing != nil {
		existing.RemoteID = d.RemoteID
		existing.Diffs = d.Diffs
		existing.Detail = d.Detail
		return s.store.SaveDiscrepancy(ctx, *existing)
	}

	d.ID = uuid.New().String()
	d.Severity = severityOf(d.Type)
	d.Status = StatusOpen
	d.DetectedAt = s.now()
	if err := s.store.SaveDiscrepancy(ctx, d); err != nil {
		return err
	}
	report.New++
	s.logger.Warn("reconcile: discrepancy detected",
		"id", d.ID,
		"type", d.Type,
		"severity", d.Severity,
		"key", d.CorrelationKey,
	)
	return nil
}

// compare classifies one local record against its remote counterpart.
func compare(local idempotency.Record, remote *idempotency.Record) []Discrepancy {
	if remote == nil {
		return []Discrepancy{{
			Type:           TypeMissingRemote,
			CorrelationKey: local.CorrelationKey,
			RemoteID:       local.RemoteID,
			Detail:         "local record not found on remote",
		}}
	}

	var out []Discrepancy
	var diffs []FieldDiff
	for _, f := range []struct{ name, l, r string }{
		{"type", local.Type, remote.Type},
		{"series", local.Series, remote.Series},
		{"number", local.Number, remote.Number},
	} {
		if f.l != f.r {
			diffs = append(diffs, FieldDiff{Field: f.name, Local: f.l, Remote: f.r})
		}
	}
	if len(diffs) > 0 {
		names := make([]string, len(diffs))
		for i, d := range diffs {
			names[i] = d.Field
		}
		out = append(out, Discrepancy{
			Type:           TypeDataMismatch,
			CorrelationKey: local.CorrelationKey,
			RemoteID:       remote.RemoteID,
			Diffs:          diffs,
			Detail:         "fields differ: " + strings.Join(names, ", "),
		})
	}
	if !remote.AttachmentReady {
		out = append(out, Discrepancy{
			Type:           TypePendingFollowup,
			CorrelationKey: local.CorrelationKey,
			RemoteID:       remote.RemoteID,
			Detail:         "attachment not generated yet",
		})
	}
	return out
}

// Resolve closes a discrepancy as resolved or ignored. Closing an already
// closed discrepancy returns it unchanged.
func (s *Service) Resolve(ctx context.Context, id string, resolution Status, notes string) (*Discrepancy, error) {
	if resolution != StatusResolved && resolution != StatusIgnored {
		return nil, fault.PermanentErr("reconcile.resolve", fault.CodeValidation, fmt.Errorf("invalid resolution %q", resolution))
	}
	d, err := s.store.GetDiscrepancy(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return d, nil
	}

	now := s.now()
	d.Status = resolution
	d.Notes = notes
	d.ResolvedAt = &now
	if err := s.store.SaveDiscrepancy(ctx, *d); err != nil {
		return nil, fmt.Errorf("resolve discrepancy %s: %w", id, err)
	}
	s.logger.Info("reconcile: discrepancy closed", "id", id, "status", resolution)
	return d, nil
}

// List returns stored discrepancies, newest first.
func (s *Service) List(ctx context.Context, opts ListOpts) ([]Discrepancy, error) {
	return s.store.ListDiscrepancies(ctx, opts)
}

// Stats counts stored discrepancies.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	all, err := s.store.ListDiscrepancies(ctx, ListOpts{})
	if err != nil {
		return nil, fmt.Errorf("list discrepancies: %w", err)
	}
	st := &Stats{
		Total:      len(all),
		BySeverity: make(map[Severity]int),
		ByType:     make(map[Type]int),
		ByStatus:   make(map[Status]int),
	}
	for _, d := range all {
		st.ByStatus[d.Status]++
		if d.Status != StatusOpen {
			continue
		}
		st.Open++
		st.BySeverity[d.Severity]++
		st.ByType[d.Type]++
	}
	st.LastReport = s.Status().LastReport
	return st, nil
}
