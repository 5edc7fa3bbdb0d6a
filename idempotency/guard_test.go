package idempotency

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DarlingtonDeveloper/fiscal-relay/breaker"
	"github.com/DarlingtonDeveloper/fiscal-relay/fault"
	"github.com/DarlingtonDeveloper/fiscal-relay/retry"
)

// fakeRemote is an in-memory fiscal API with scriptable create failures.
type fakeRemote struct {
	mu          sync.Mutex
	records     map[string]Record
	createCalls int
	findCalls   int
	createErrs  []error // consumed one per Create call
	findErr     error
	createDelay time.Duration
	seq         int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{records: make(map[string]Record)}
}

func (f *fakeRemote) Create(ctx context.Context, req Request) (*Record, error) {
	if f.createDelay > 0 {
		select {
		case <-time.After(f.createDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.seq++
	rec := Record{
		CorrelationKey: req.CorrelationKey,
		RemoteID:       fmt.Sprintf("inv_%d", f.seq),
		Status:         "valid",
		Total:          1000,
		CreatedAt:      time.Now().UTC(),
	}
	f.records[req.CorrelationKey] = rec
	return &rec, nil
}

func (f *fakeRemote) FindByCorrelationKey(_ context.Context, key string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findCalls++
	if f.findErr != nil {
		return nil, f.findErr
	}
	r, ok := f.records[key]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (f *fakeRemote) calls() (create, find int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls, f.findCalls
}

// memStore is a Store with an injectable Put failure.
type memStore struct {
	mu      sync.Mutex
	records map[string]Record
	putErr  error
}

func newMemStore() *memStore { return &memStore{records: make(map[string]Record)} }

func (m *memStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[key]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *memStore) Put(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.records[rec.CorrelationKey] = rec
	return nil
}

func (m *memStore) ListRecords(_ context.Context, _ int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	return out, nil
}

type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (d *delayRecorder) sleep(_ context.Context, dur time.Duration) error {
	d.mu.Lock()
	d.delays = append(d.delays, dur)
	d.mu.Unlock()
	return nil
}

func newGuard(store Store, remote Remote, b *breaker.Breaker, attempts int, rec *delayRecorder) *Guard {
	if rec == nil {
		rec = &delayRecorder{}
	}
	policy := retry.Policy{
		MaxAttempts:   attempts,
		InitialDelay:  10 * time.Millisecond,
		MaxDelay:      100 * time.Millisecond,
		BackoffFactor: 2,
	}
	return NewGuard(store, remote, b, policy, WithRetryOptions(retry.WithSleep(rec.sleep)))
}

var unavailable = fault.FromStatus("remote.create", http.StatusServiceUnavailable, nil)

func req(key string) Request {
	return Request{CorrelationKey: key, Body: []byte(`{"total":1000}`)}
}

func TestExecute_CreatesOnceAndCaches(t *testing.T) {
	store, remote := newMemStore(), newFakeRemote()
	g := newGuard(store, remote, breaker.New(breaker.Settings{Name: "fiscal-api"}), 3, nil)

	res, err := g.Execute(context.Background(), req("order:ORD-1"))
	require.NoError(t, err)
	assert.Equal(t, SourceCreated, res.Source)
	assert.Equal(t, "inv_1", res.Record.RemoteID)

	cached, _ := store.Get(context.Background(), "order:ORD-1")
	require.NotNil(t, cached)
	assert.Equal(t, "inv_1", cached.RemoteID)

	res, err = g.Execute(context.Background(), req("order:ORD-1"))
	require.NoError(t, err)
	assert.Equal(t, SourceCache, res.Source)

	create, find := remote.calls()
	assert.Equal(t, 1, create)
	assert.Equal(t, 1, find, "a cache hit makes no remote call")
	assert.Len(t, remote.records, 1)
}

func TestExecute_AdoptsRemoteRecordAfterCrash(t *testing.T) {
	store, remote := newMemStore(), newFakeRemote()
	remote.records["order:ORD-2"] = Record{CorrelationKey: "order:ORD-2", RemoteID: "inv_existing"}
	g := newGuard(store, remote, breaker.New(breaker.Settings{Name: "fiscal-api"}), 3, nil)

	res, err := g.Execute(context.Background(), req("order:ORD-2"))
	require.NoError(t, err)
	assert.Equal(t, SourceRemote, res.Source)
	assert.Equal(t, "inv_existing", res.Record.RemoteID)

	create, _ := remote.calls()
	assert.Equal(t, 0, create)
	cached, _ := store.Get(context.Background(), "order:ORD-2")
	require.NotNil(t, cached)
	assert.Equal(t, "inv_existing", cached.RemoteID)
}

func TestExecute_CreateFailureLeavesNoLocalRecord(t *testing.T) {
	store, remote := newMemStore(), newFakeRemote()
	remote.createErrs = []error{fault.FromStatus("remote.create", http.StatusUnprocessableEntity, errors.New("invalid tax id"))}
	g := newGuard(store, remote, breaker.New(breaker.Settings{Name: "fiscal-api"}), 3, nil)

	_, err := g.Execute(context.Background(), req("order:ORD-3"))
	require.Error(t, err)
	assert.True(t, fault.IsPermanent(err))

	cached, _ := store.Get(context.Background(), "order:ORD-3")
	assert.Nil(t, cached)
	create, _ := remote.calls()
	assert.Equal(t, 1, create, "permanent errors are not retried")

	// The next invocation starts over and succeeds.
	res, err := g.Execute(context.Background(), req("order:ORD-3"))
	require.NoError(t, err)
	assert.Equal(t, SourceCreated, res.Source)
	assert.Len(t, remote.records, 1)
}

func TestExecute_RetriesTransientCreate(t *testing.T) {
	store, remote := newMemStore(), newFakeRemote()
	remote.createErrs = []error{unavailable, unavailable}
	b := breaker.New(breaker.Settings{Name: "fiscal-api", FailureThreshold: 5})
	rec := &delayRecorder{}
	g := newGuard(store, remote, b, 3, rec)

	res, err := g.Execute(context.Background(), req("order:ORD-4"))
	require.NoError(t, err)
	assert.Equal(t, SourceCreated, res.Source)

	create, _ := remote.calls()
	assert.Equal(t, 3, create)
	assert.Len(t, rec.delays, 2)
	assert.LessOrEqual(t, rec.delays[0], rec.delays[1]+rec.delays[1]/2)

	snap := b.Snapshot()
	assert.Equal(t, breaker.Closed, snap.State)
	assert.Less(t, snap.FailureCount, 5)
	assert.Equal(t, uint64(2), snap.Counters.Failures)
}

func TestExecute_OpenCircuitStopsRemoteCalls(t *testing.T) {
	store, remote := newMemStore(), newFakeRemote()
	remote.createErrs = []error{unavailable, unavailable, unavailable, unavailable, unavailable}
	b := breaker.New(breaker.Settings{Name: "fiscal-api", FailureThreshold: 5, Timeout: time.Hour})
	g := newGuard(store, remote, b, 5, nil)

	_, err := g.Execute(context.Background(), req("order:ORD-5"))
	require.Error(t, err)
	assert.Equal(t, breaker.Open, b.State())

	create, find := remote.calls()
	require.Equal(t, 5, create)

	_, err = g.Execute(context.Background(), req("order:ORD-5"))
	require.Error(t, err)
	assert.True(t, fault.IsCircuitOpen(err))
	assert.Equal(t, fault.Transient, fault.KindOf(err))

	create2, find2 := remote.calls()
	assert.Equal(t, create, create2, "no create while open")
	assert.Equal(t, find, find2, "no lookup while open")
}

func TestExecute_ConcurrentSameKeyCreatesOnce(t *testing.T) {
	store, remote := newMemStore(), newFakeRemote()
	remote.createDelay = 20 * time.Millisecond
	g := newGuard(store, remote, breaker.New(breaker.Settings{Name: "fiscal-api"}), 3, nil)

	var (
		wg  sync.WaitGroup
		ids sync.Map
		ok  atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := g.Execute(context.Background(), req("order:ORD-6"))
			if err == nil {
				ok.Add(1)
				ids.Store(res.Record.RemoteID, true)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(20), ok.Load())
	create, _ := remote.calls()
	assert.Equal(t, 1, create)

	distinct := 0
	ids.Range(func(_, _ any) bool { distinct++; return true })
	assert.Equal(t, 1, distinct)
}

func TestExecute_CancelledCallerDoesNotFailJoinedCallers(t *testing.T) {
	store, remote := newMemStore(), newFakeRemote()
	remote.createDelay = 200 * time.Millisecond
	g := newGuard(store, remote, breaker.New(breaker.Settings{Name: "fiscal-api"}), 3, nil)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := g.Execute(ctxA, req("order:ORD-11"))
		errA <- err
	}()
	time.Sleep(20 * time.Millisecond)

	type outcome struct {
		res Result
		err error
	}
	resB := make(chan outcome, 1)
	go func() {
		res, err := g.Execute(context.Background(), req("order:ORD-11"))
		resB <- outcome{res, err}
	}()
	time.Sleep(20 * time.Millisecond)
	cancelA()

	select {
	case err := <-errA:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("cancelled caller must stop waiting at once")
	}

	b := <-resB
	require.NoError(t, b.err)
	assert.Equal(t, "order:ORD-11", b.res.Record.CorrelationKey)

	create, _ := remote.calls()
	assert.Equal(t, 1, create)
	cached, err := store.Get(context.Background(), "order:ORD-11")
	require.NoError(t, err)
	assert.NotNil(t, cached)
}

func TestExecute_LocalPersistFailureHealsOnNextCall(t *testing.T) {
	store, remote := newMemStore(), newFakeRemote()
	store.putErr = errors.New("disk full")
	g := newGuard(store, remote, breaker.New(breaker.Settings{Name: "fiscal-api"}), 3, nil)

	res, err := g.Execute(context.Background(), req("order:ORD-7"))
	require.NoError(t, err, "the remote side effect happened; the caller sees success")
	assert.Equal(t, SourceCreated, res.Source)

	store.mu.Lock()
	store.putErr = nil
	store.mu.Unlock()

	res, err = g.Execute(context.Background(), req("order:ORD-7"))
	require.NoError(t, err)
	assert.Equal(t, SourceRemote, res.Source)
	assert.Equal(t, "inv_1", res.Record.RemoteID)

	create, _ := remote.calls()
	assert.Equal(t, 1, create)
	cached, _ := store.Get(context.Background(), "order:ORD-7")
	require.NotNil(t, cached)
}

func TestExecute_LookupFailurePropagates(t *testing.T) {
	store, remote := newMemStore(), newFakeRemote()
	remote.findErr = fault.FromStatus("remote.find", http.StatusUnauthorized, nil)
	g := newGuard(store, remote, breaker.New(breaker.Settings{Name: "fiscal-api"}), 3, nil)

	_, err := g.Execute(context.Background(), req("order:ORD-8"))
	require.Error(t, err)
	assert.True(t, fault.IsPermanent(err))
	create, _ := remote.calls()
	assert.Equal(t, 0, create, "never create without a successful lookup")
}

func TestExecute_RequiresKey(t *testing.T) {
	g := newGuard(newMemStore(), newFakeRemote(), breaker.New(breaker.Settings{Name: "fiscal-api"}), 3, nil)
	_, err := g.Execute(context.Background(), Request{})
	assert.True(t, fault.IsPermanent(err))
}

func TestLookup(t *testing.T) {
	remote := newFakeRemote()
	remote.records["k"] = Record{CorrelationKey: "k", RemoteID: "inv_k"}
	g := newGuard(newMemStore(), remote, breaker.New(breaker.Settings{Name: "fiscal-api"}), 3, nil)

	rec, err := g.Lookup(context.Background(), "k")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "inv_k", rec.RemoteID)

	rec, err = g.Lookup(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, rec)
}
