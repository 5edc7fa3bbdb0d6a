package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/DarlingtonDeveloper/fiscal-relay/idempotency"
	"github.com/DarlingtonDeveloper/fiscal-relay/reconcile"
)

// mockRemote is a thread-safe in-memory fiscal API.
type mockRemote struct {
	mu      sync.Mutex
	records map[string]idempotency.Record
	seq     int

	createErrs []error // consumed one per Create call
	findErr    error

	createCalls int
	findCalls   int
}

func newMockRemote() *mockRemote {
	return &mockRemote{records: make(map[string]idempotency.Record)}
}

func (m *mockRemote) Create(_ context.Context, req idempotency.Request) (*idempotency.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	if len(m.createErrs) > 0 {
		err := m.createErrs[0]
		m.createErrs = m.createErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	m.seq++
	rec := idempotency.Record{
		CorrelationKey:  req.CorrelationKey,
		RemoteID:        fmt.Sprintf("inv_%d", m.seq),
		Status:          "issued",
		Type:            "invoice",
		Series:          "F",
		Number:          fmt.Sprint(m.seq),
		AttachmentReady: true,
		CreatedAt:       time.Now().UTC(),
	}
	m.records[req.CorrelationKey] = rec
	return &rec, nil
}

func (m *mockRemote) FindByCorrelationKey(_ context.Context, key string) (*idempotency.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findCalls++
	if m.findErr != nil {
		return nil, m.findErr
	}
	rec, ok := m.records[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *mockRemote) ListSince(_ context.Context, since time.Time) ([]idempotency.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []idempotency.Record
	for _, r := range m.records {
		if !r.CreatedAt.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockRemote) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *mockRemote) creates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createCalls
}

func (m *mockRemote) remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
}

// mockRecordStore is a thread-safe in-memory idempotency.Store.
type mockRecordStore struct {
	mu      sync.Mutex
	records map[string]idempotency.Record
	putErr  error
}

func newMockRecordStore() *mockRecordStore {
	return &mockRecordStore{records: make(map[string]idempotency.Record)}
}

func (m *mockRecordStore) Get(_ context.Context, key string) (*idempotency.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *mockRecordStore) Put(_ context.Context, rec idempotency.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.records[rec.CorrelationKey] = rec
	return nil
}

func (m *mockRecordStore) ListRecords(_ context.Context, limit int) ([]idempotency.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]idempotency.Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// mockNATS captures published messages for test assertions.
type mockNATS struct {
	mu       sync.Mutex
	messages []publishedMsg
	err      error
}

type publishedMsg struct {
	Subject string
	Data    []byte
}

func newMockNATS() *mockNATS {
	return &mockNATS{}
}

func (m *mockNATS) Publish(subject string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, publishedMsg{Subject: subject, Data: data})
	return nil
}

func (m *mockNATS) published() []publishedMsg {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]publishedMsg, len(m.messages))
	copy(cp, m.messages)
	return cp
}

// mockReconciler records runs for scanner and handler tests.
type mockReconciler struct {
	mu     sync.Mutex
	runs   []reconcile.Mode
	limits []int
	runErr error
	report reconcile.Report
	state  reconcile.State
	ran    chan reconcile.Mode
}

func newMockReconciler() *mockReconciler {
	return &mockReconciler{
		state: reconcile.State{Phase: reconcile.PhaseIdle},
		ran:   make(chan reconcile.Mode, 16),
	}
}

func (m *mockReconciler) Run(_ context.Context, mode reconcile.Mode, limit int) (*reconcile.Report, error) {
	m.mu.Lock()
	m.runs = append(m.runs, mode)
	m.limits = append(m.limits, limit)
	err := m.runErr
	rep := m.report
	m.mu.Unlock()

	select {
	case m.ran <- mode:
	default:
	}
	if err != nil {
		return nil, err
	}
	rep.Mode = mode
	return &rep, nil
}

func (m *mockReconciler) Status() reconcile.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *mockReconciler) Resolve(context.Context, string, reconcile.Status, string) (*reconcile.Discrepancy, error) {
	return nil, reconcile.ErrNotFound
}

func (m *mockReconciler) List(context.Context, reconcile.ListOpts) ([]reconcile.Discrepancy, error) {
	return nil, nil
}

func (m *mockReconciler) Stats(context.Context) (*reconcile.Stats, error) {
	return &reconcile.Stats{}, nil
}

func (m *mockReconciler) runCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

// Verify interfaces at compile time.
var (
	_ idempotency.Remote = (*mockRemote)(nil)
	_ reconcile.Lister   = (*mockRemote)(nil)
	_ idempotency.Store  = (*mockRecordStore)(nil)
	_ NATSPublisher      = (*mockNATS)(nil)
	_ Reconciler         = (*mockReconciler)(nil)
)
