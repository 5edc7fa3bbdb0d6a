package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/DarlingtonDeveloper/fiscal-relay/fault"
	"github.com/DarlingtonDeveloper/fiscal-relay/idempotency"
	"github.com/DarlingtonDeveloper/fiscal-relay/reconcile"
)

// Schema creates the tables Store uses.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS fiscal_records (
		correlation_key  TEXT PRIMARY KEY,
		remote_id        TEXT NOT NULL,
		status           TEXT NOT NULL DEFAULT '',
		total            BIGINT NOT NULL DEFAULT 0,
		currency         TEXT NOT NULL DEFAULT '',
		doc_type         TEXT NOT NULL DEFAULT '',
		series           TEXT NOT NULL DEFAULT '',
		number           TEXT NOT NULL DEFAULT '',
		attachment_ready BOOLEAN NOT NULL DEFAULT false,
		reversal_id      TEXT,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS fiscal_records_created_at_idx ON fiscal_records (created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS reconciliation_discrepancies (
		id              TEXT PRIMARY KEY,
		type            TEXT NOT NULL,
		severity        TEXT NOT NULL,
		correlation_key TEXT NOT NULL,
		remote_id       TEXT,
		diffs           JSONB NOT NULL DEFAULT '[]',
		detail          TEXT,
		detected_at     TIMESTAMPTZ NOT NULL,
		status          TEXT NOT NULL,
		notes           TEXT,
		resolved_at     TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS reconciliation_discrepancies_open_idx
		ON reconciliation_discrepancies (type, correlation_key) WHERE status = 'open'`,
}

// Store persists fiscal records and reconciliation discrepancies to Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a store from an existing connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range Schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

const recordColumns = `correlation_key, remote_id, status, total, currency, doc_type,
	series, number, attachment_ready, reversal_id, created_at`

// Get returns nil, nil when key has no record.
func (s *Store) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM fiscal_records WHERE correlation_key = $1`, key)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.SystemicErr("records.get", fmt.Errorf("get record %s: %w", key, err))
	}
	return rec, nil
}

// Put inserts or replaces the record for rec.CorrelationKey.
func (s *Store) Put(ctx context.Context, rec idempotency.Record) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fiscal_records
			(correlation_key, remote_id, status, total, currency, doc_type,
			 series, number, attachment_ready, reversal_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (correlation_key) DO UPDATE SET
			remote_id = EXCLUDED.remote_id,
			status = EXCLUDED.status,
			total = EXCLUDED.total,
			currency = EXCLUDED.currency,
			doc_type = EXCLUDED.doc_type,
			series = EXCLUDED.series,
			number = EXCLUDED.number,
			attachment_ready = EXCLUDED.attachment_ready,
			reversal_id = EXCLUDED.reversal_id
	`,
		rec.CorrelationKey, rec.RemoteID, rec.Status, rec.Total, rec.Currency, rec.Type,
		rec.Series, rec.Number, rec.AttachmentReady, nullString(rec.ReversalID), createdAt,
	)
	if err != nil {
		return fault.SystemicErr("records.put", fmt.Errorf("upsert record: %w", err))
	}
	return nil
}

// ListRecords returns records newest first; limit <= 0 returns all.
func (s *Store) ListRecords(ctx context.Context, limit int) ([]idempotency.Record, error) {
	q := `SELECT ` + recordColumns + ` FROM fiscal_records ORDER BY created_at DESC, correlation_key`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	records := []idempotency.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

const discrepancyColumns = `id, type, severity, correlation_key, remote_id, diffs, detail,
	detected_at, status, notes, resolved_at`

// FindOpenDiscrepancy returns nil, nil when none is open for (typ, key).
func (s *Store) FindOpenDiscrepancy(ctx context.Context, typ reconcile.Type, key string) (*reconcile.Discrepancy, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+discrepancyColumns+`
		FROM reconciliation_discrepancies
		WHERE type = $1 AND correlation_key = $2 AND status = 'open'
		ORDER BY detected_at DESC
		LIMIT 1
	`, string(typ), key)
	d, err := scanDiscrepancy(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find open discrepancy: %w", err)
	}
	return d, nil
}

// SaveDiscrepancy inserts d or replaces the row with d.ID.
func (s *Store) SaveDiscrepancy(ctx context.Context, d reconcile.Discrepancy) error {
	diffs := d.Diffs
	if diffs == nil {
		diffs = []reconcile.FieldDiff{}
	}
	diffJSON, err := json.Marshal(diffs)
	if err != nil {
		return fmt.Errorf("marshal diffs: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO reconciliation_discrepancies
			(id, type, severity, correlation_key, remote_id, diffs, detail,
			 detected_at, status, notes, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			remote_id = EXCLUDED.remote_id,
			diffs = EXCLUDED.diffs,
			detail = EXCLUDED.detail,
			status = EXCLUDED.status,
			notes = EXCLUDED.notes,
			resolved_at = EXCLUDED.resolved_at
	`,
		d.ID, string(d.Type), string(d.Severity), d.CorrelationKey, nullString(d.RemoteID), diffJSON,
		nullString(d.Detail), d.DetectedAt, string(d.Status), nullString(d.Notes), d.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("save discrepancy: %w", err)
	}
	return nil
}

// GetDiscrepancy returns reconcile.ErrNotFound for unknown ids.
func (s *Store) GetDiscrepancy(ctx context.Context, id string) (*reconcile.Discrepancy, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+discrepancyColumns+` FROM reconciliation_discrepancies WHERE id = $1`, id)
	d, err := scanDiscrepancy(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get discrepancy %s: %w", id, reconcile.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get discrepancy %s: %w", id, err)
	}
	return d, nil
}

// ListDiscrepancies returns discrepancies matching opts, newest first.
// A non-positive limit returns every match.
func (s *Store) ListDiscrepancies(ctx context.Context, opts reconcile.ListOpts) ([]reconcile.Discrepancy, error) {
	q := `SELECT ` + discrepancyColumns + ` FROM reconciliation_discrepancies WHERE 1=1`
	args := []any{}
	n := 1

	if opts.Status != "" {
		q += fmt.Sprintf(` AND status = $%d`, n)
		args = append(args, string(opts.Status))
		n++
	}
	if opts.Severity != "" {
		q += fmt.Sprintf(` AND severity = $%d`, n)
		args = append(args, string(opts.Severity))
		n++
	}
	if opts.Type != "" {
		q += fmt.Sprintf(` AND type = $%d`, n)
		args = append(args, string(opts.Type))
		n++
	}

	q += ` ORDER BY detected_at DESC, id`

	if opts.Limit > 0 {
		q += fmt.Sprintf(` LIMIT $%d`, n)
		args = append(args, opts.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list discrepancies: %w", err)
	}
	defer rows.Close()

	out := []reconcile.Discrepancy{}
	for rows.Next() {
		d, err := scanDiscrepancy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (*idempotency.Record, error) {
	var (
		rec        idempotency.Record
		reversalID *string
	)
	err := row.Scan(
		&rec.CorrelationKey, &rec.RemoteID, &rec.Status, &rec.Total, &rec.Currency, &rec.Type,
		&rec.Series, &rec.Number, &rec.AttachmentReady, &reversalID, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if reversalID != nil {
		rec.ReversalID = *reversalID
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}

func scanDiscrepancy(row pgx.Row) (*reconcile.Discrepancy, error) {
	var (
		d        reconcile.Discrepancy
		typ      string
		severity string
		status   string
		remoteID *string
		diffJSON json.RawMessage
		detail   *string
		notes    *string
	)
	err := row.Scan(
		&d.ID, &typ, &severity, &d.CorrelationKey, &remoteID, &diffJSON, &detail,
		&d.DetectedAt, &status, &notes, &d.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Type = reconcile.Type(typ)
	d.Severity = reconcile.Severity(severity)
	d.Status = reconcile.Status(status)
	if remoteID != nil {
		d.RemoteID = *remoteID
	}
	if detail != nil {
		d.Detail = *detail
	}
	if notes != nil {
		d.Notes = *notes
	}
	_ = json.Unmarshal(diffJSON, &d.Diffs)
	if len(d.Diffs) == 0 {
		d.Diffs = nil
	}
	return &d, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
