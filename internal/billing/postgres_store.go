package billing

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS counter_state (
		id             SMALLINT PRIMARY KEY,
		count          BIGINT NOT NULL DEFAULT 0,
		record_counter BIGINT NOT NULL DEFAULT 0,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS usage_records (
		record_id               TEXT PRIMARY KEY,
		sequence                BIGINT NOT NULL,
		receipt_id              TEXT NOT NULL,
		recorded_at             TIMESTAMPTZ NOT NULL,
		tenant_id               TEXT NOT NULL,
		operation_type          TEXT NOT NULL,
		resource_type           TEXT NOT NULL,
		tokens_processed        BIGINT NOT NULL DEFAULT 0,
		signature_verifications INTEGER NOT NULL DEFAULT 0,
		storage_bytes           BIGINT NOT NULL DEFAULT 0,
		compute_ms              DOUBLE PRECISION NOT NULL DEFAULT 0,
		unit_cost_cents         DOUBLE PRECISION NOT NULL DEFAULT 0,
		total_cost_cents        DOUBLE PRECISION NOT NULL DEFAULT 0,
		billing_tier            TEXT NOT NULL,
		settled                 BOOLEAN NOT NULL DEFAULT false,
		invoice_id              TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS usage_records_tenant_idx ON usage_records (tenant_id)`,
	`CREATE TABLE IF NOT EXISTS tenant_counters (
		tenant_id  TEXT PRIMARY KEY,
		receipts   BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) LoadState(ctx context.Context) (*Snapshot, error) {
	_, err := s.db.Exec(ctx, `
		INSERT INTO counter_state (id, count, record_counter)
		VALUES (1, 0, 0)
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter state: %w", err)
	}

	var snap Snapshot
	err = s.db.QueryRow(ctx, `
		SELECT count,
		       GREATEST(record_counter, COALESCE((SELECT MAX(sequence) FROM usage_records), 0))
		FROM counter_state
		WHERE id = 1
	`).Scan(&snap.Count, &snap.RecordCounter)
	if err != nil {
		return nil, fmt.Errorf("failed to read counter state: %w", err)
	}

	query := `
		SELECT tenant_id,
		       SUM(receipts)::bigint,
		       SUM(tokens)::bigint,
		       SUM(cost)::double precision,
		       MIN(first_seen),
		       MAX(last_seen)
		FROM (
			SELECT tenant_id,
			       COUNT(*) AS receipts,
			       COALESCE(SUM(tokens_processed), 0) AS tokens,
			       COALESCE(SUM(total_cost_cents), 0) AS cost,
			       MIN(recorded_at) AS first_seen,
			       MAX(recorded_at) AS last_seen
			FROM usage_records
			GROUP BY tenant_id
			UNION ALL
			SELECT tenant_id, receipts, 0, 0, created_at, updated_at
			FROM tenant_counters
		) t
		GROUP BY tenant_id
		ORDER BY tenant_id
	`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenant totals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t TenantUsage
		if err := rows.Scan(
			&t.TenantID, &t.TotalReceipts, &t.TotalTokens, &t.TotalCostCents,
			&t.PeriodStart, &t.PeriodEnd,
		); err != nil {
			return nil, fmt.Errorf("failed to scan tenant totals: %w", err)
		}
		t.TotalOperations = t.TotalReceipts
		snap.Tenants = append(snap.Tenants, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tenant totals: %w", err)
	}

	return &snap, nil
}

func (s *PostgresStore) InsertRecord(ctx context.Context, rec *UsageRecord) error {
	query := `
		INSERT INTO usage_records (
			record_id, sequence, receipt_id, recorded_at, tenant_id, operation_type, resource_type,
			tokens_processed, signature_verifications, storage_bytes, compute_ms,
			unit_cost_cents, total_cost_cents, billing_tier, settled, invoice_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (record_id) DO NOTHING
	`
	_, err := s.db.Exec(ctx, query,
		rec.RecordID, rec.Sequence, rec.ReceiptID, rec.Timestamp, rec.TenantID, rec.OperationType, rec.ResourceType,
		rec.TokensProcessed, rec.SignatureVerifications, rec.StorageBytes, rec.ComputeMs,
		rec.UnitCostCents, rec.TotalCostCents, string(rec.BillingTier), rec.Settled, rec.InvoiceID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}

func (s *PostgresStore) IncrementCount(ctx context.Context, n int64, recordSeq int64) error {
	query := `
		INSERT INTO counter_state (id, count, record_counter)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET
			count = counter_state.count + EXCLUDED.count,
			record_counter = GREATEST(counter_state.record_counter, EXCLUDED.record_counter),
			updated_at = now()
	`
	if _, err := s.db.Exec(ctx, query, n, recordSeq); err != nil {
		return fmt.Errorf("failed to increment counter: %w", err)
	}
	return nil
}

func (s *PostgresStore) IncrementTenant(ctx context.Context, tenantID string, n int64) error {
	query := `
		INSERT INTO tenant_counters (tenant_id, receipts)
		VALUES ($1, $2)
		ON CONFLICT (tenant_id) DO UPDATE SET
			receipts = tenant_counters.receipts + EXCLUDED.receipts,
			updated_at = now()
	`
	if _, err := s.db.Exec(ctx, query, tenantID, n); err != nil {
		return fmt.Errorf("failed to increment tenant counter: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close(ctx context.Context) error {
	if c, ok := s.db.(interface{ Close() }); ok {
		c.Close()
	}
	return nil
}
