package relay

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/DarlingtonDeveloper/fiscal-relay/idempotency"
	"github.com/DarlingtonDeveloper/fiscal-relay/reconcile"
)

// skipWithoutDB connects to DATABASE_URL, or boots a throwaway Postgres
// container when it is unset. The test is skipped when neither works.
func skipWithoutDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("short mode, skipping integration test")
	}
	ctx := context.Background()

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		container, err := postgres.Run(ctx, "postgres:16-alpine",
			postgres.WithDatabase("fiscal"),
			postgres.WithUsername("fiscal"),
			postgres.WithPassword("fiscal"),
			postgres.BasicWaitStrategies(),
		)
		if err != nil {
			t.Skipf("DATABASE_URL not set and no container runtime: %v", err)
		}
		t.Cleanup(func() { container.Terminate(context.Background()) })

		url, err = container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			t.Fatalf("connection string: %v", err)
		}
	}

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	if err := NewStore(pool).Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pool
}

func TestIntegration_RecordPutAndGet(t *testing.T) {
	pool := skipWithoutDB(t)
	s := NewStore(pool)
	ctx := context.Background()

	key := "order:int-" + time.Now().Format("150405.000")
	rec := idempotency.Record{
		CorrelationKey:  key,
		RemoteID:        "inv_1",
		Status:          "issued",
		Total:           2500,
		Currency:        "EUR",
		Type:            "invoice",
		Series:          "F",
		Number:          "1001",
		AttachmentReady: true,
		CreatedAt:       time.Now().UTC().Truncate(time.Microsecond),
	}

	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("expected record")
	}
	if got.RemoteID != "inv_1" || got.Type != "invoice" || got.Total != 2500 || !got.AttachmentReady {
		t.Errorf("unexpected record %+v", got)
	}
	if got.ReversalID != "" {
		t.Errorf("expected empty reversal id, got %q", got.ReversalID)
	}

	// Put is an upsert.
	rec.ReversalID = "inv_2"
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("second put: %v", err)
	}
	got, _ = s.Get(ctx, key)
	if got.ReversalID != "inv_2" {
		t.Errorf("expected reversal id inv_2, got %q", got.ReversalID)
	}

	missing, err := s.Get(ctx, "order:never-seen")
	if err != nil || missing != nil {
		t.Errorf("expected nil, nil for unknown key, got %+v, %v", missing, err)
	}

	recent, err := s.ListRecords(ctx, 1)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(recent) != 1 {
		t.Errorf("expected limit 1 to be honoured, got %d", len(recent))
	}

	// Cleanup.
	pool.Exec(ctx, "DELETE FROM fiscal_records WHERE correlation_key = $1", key)
}

func TestIntegration_Discrepancies(t *testing.T) {
	pool := skipWithoutDB(t)
	s := NewStore(pool)
	ctx := context.Background()

	prefix := "int-disc-" + time.Now().Format("150405.000")
	now := time.Now().UTC().Truncate(time.Microsecond)
	d := reconcile.Discrepancy{
		ID:             prefix + "-a",
		Type:           reconcile.TypeDataMismatch,
		Severity:       reconcile.SeverityWarning,
		CorrelationKey: "order:" + prefix,
		RemoteID:       "inv_9",
		Diffs:          []reconcile.FieldDiff{{Field: "number", Local: "1", Remote: "2"}},
		DetectedAt:     now,
		Status:         reconcile.StatusOpen,
	}
	if err := s.SaveDiscrepancy(ctx, d); err != nil {
		t.Fatalf("save: %v", err)
	}

	open, err := s.FindOpenDiscrepancy(ctx, reconcile.TypeDataMismatch, d.CorrelationKey)
	if err != nil {
		t.Fatalf("find open: %v", err)
	}
	if open == nil || open.ID != d.ID || len(open.Diffs) != 1 || open.Diffs[0].Remote != "2" {
		t.Fatalf("unexpected open discrepancy %+v", open)
	}

	resolved := now.Add(time.Minute)
	d.Status = reconcile.StatusResolved
	d.Notes = "fixed upstream"
	d.ResolvedAt = &resolved
	if err := s.SaveDiscrepancy(ctx, d); err != nil {
		t.Fatalf("update: %v", err)
	}

	open, err = s.FindOpenDiscrepancy(ctx, reconcile.TypeDataMismatch, d.CorrelationKey)
	if err != nil || open != nil {
		t.Errorf("expected no open discrepancy after resolve, got %+v, %v", open, err)
	}

	got, err := s.GetDiscrepancy(ctx, d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != reconcile.StatusResolved || got.Notes != "fixed upstream" || got.ResolvedAt == nil {
		t.Errorf("unexpected discrepancy %+v", got)
	}

	list, err := s.ListDiscrepancies(ctx, reconcile.ListOpts{Status: reconcile.StatusResolved, Type: reconcile.TypeDataMismatch, Limit: 100})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, item := range list {
		if item.Status != reconcile.StatusResolved || item.Type != reconcile.TypeDataMismatch {
			t.Errorf("filter leaked %+v", item)
		}
	}

	if _, err := s.GetDiscrepancy(ctx, prefix+"-missing"); !errors.Is(err, reconcile.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// Cleanup.
	pool.Exec(ctx, "DELETE FROM reconciliation_discrepancies WHERE id LIKE $1", prefix+"%")
}

func TestIntegration_ReconcileOverPostgres(t *testing.T) {
	pool := skipWithoutDB(t)
	s := NewStore(pool)
	ctx := context.Background()

	key := "order:int-rec-" + time.Now().Format("150405.000")
	if err := s.Put(ctx, idempotency.Record{CorrelationKey: key, RemoteID: "inv_x", CreatedAt: time.Now().UTC().Add(time.Hour)}); err != nil {
		t.Fatalf("put: %v", err)
	}

	// The remote has never heard of the record.
	svc := reconcile.New(s, lookupFunc(newMockRemote().FindByCorrelationKey), s, reconcile.Options{CallDelay: time.Millisecond})
	for i := 0; i < 2; i++ {
		if _, err := svc.Run(ctx, reconcile.ModeQuick, 1); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}

	list, err := s.ListDiscrepancies(ctx, reconcile.ListOpts{Status: reconcile.StatusOpen, Type: reconcile.TypeMissingRemote})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	found := 0
	for _, d := range list {
		if d.CorrelationKey == key {
			found++
			if d.Severity != reconcile.SeverityCritical {
				t.Errorf("expected critical severity, got %s", d.Severity)
			}
		}
	}
	if found != 1 {
		t.Errorf("expected exactly one open missing_remote for %s, got %d", key, found)
	}

	// Cleanup.
	pool.Exec(ctx, "DELETE FROM reconciliation_discrepancies WHERE correlation_key = $1", key)
	pool.Exec(ctx, "DELETE FROM fiscal_records WHERE correlation_key = $1", key)
}
