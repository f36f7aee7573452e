package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vnmchuo/penny-counter/internal/pricing"
)

var ErrUnsupportedStore = errors.New("unsupported store url")

const RecordIDPrefix = "USG-"

// Operation is one single-operation submission as it enters the counter.
type Operation struct {
	ReceiptID              string
	TenantID               string
	OperationType          string
	ResourceType           string
	TokensProcessed        int64
	SignatureVerifications int
	StorageBytes           int64
	ComputeMs              float64
	UsePQC                 bool
}

// UsageRecord is an append-only fact; nothing mutates it after NewUsageRecord.
type UsageRecord struct {
	RecordID               string       `json:"record_id" bson:"_id"`
	Sequence               int64        `json:"-" bson:"sequence"`
	ReceiptID              string       `json:"receipt_id" bson:"receipt_id"`
	Timestamp              time.Time    `json:"timestamp" bson:"timestamp"`
	TenantID               string       `json:"tenant_id" bson:"tenant_id"`
	OperationType          string       `json:"operation_type" bson:"operation_type"`
	ResourceType           string       `json:"resource_type" bson:"resource_type"`
	TokensProcessed        int64        `json:"tokens_processed" bson:"tokens_processed"`
	SignatureVerifications int          `json:"signature_verifications" bson:"signature_verifications"`
	StorageBytes           int64        `json:"storage_bytes" bson:"storage_bytes"`
	ComputeMs              float64      `json:"compute_ms" bson:"compute_ms"`
	UnitCostCents          float64      `json:"unit_cost_cents" bson:"unit_cost_cents"`
	TotalCostCents         float64      `json:"total_cost_cents" bson:"total_cost_cents"`
	BillingTier            pricing.Tier `json:"billing_tier" bson:"billing_tier"`
	Settled                bool         `json:"settled" bson:"settled"`
	InvoiceID              *string      `json:"invoice_id" bson:"invoice_id"`
}

// Cost is the priced part of an operation, computed before a record exists.
type Cost struct {
	Unit  float64
	Total float64
}

func Price(model *pricing.Model, tier pricing.Tier, op Operation) Cost {
	unit, total := model.Cost(pricing.Params{
		SignatureVerifications: op.SignatureVerifications,
		StorageBytes:           op.StorageBytes,
		UsePQC:                 op.UsePQC,
	}, tier)
	return Cost{Unit: unit, Total: total}
}

func RecordID(seq int64) string {
	return fmt.Sprintf("%s%012d", RecordIDPrefix, seq)
}

func NewUsageRecord(seq int64, at time.Time, tier pricing.Tier, op Operation, cost Cost) *UsageRecord {
	return &UsageRecord{
		RecordID:               RecordID(seq),
		Sequence:               seq,
		ReceiptID:              op.ReceiptID,
		Timestamp:              at.UTC(),
		TenantID:               op.TenantID,
		OperationType:          op.OperationType,
		ResourceType:           op.ResourceType,
		TokensProcessed:        op.TokensProcessed,
		SignatureVerifications: op.SignatureVerifications,
		StorageBytes:           op.StorageBytes,
		ComputeMs:              op.ComputeMs,
		UnitCostCents:          cost.Unit,
		TotalCostCents:         cost.Total,
		BillingTier:            tier,
	}
}

type TenantUsage struct {
	TenantID         string    `json:"tenant_id"`
	PeriodStart      time.Time `json:"period_start"`
	PeriodEnd        time.Time `json:"period_end"`
	TotalOperations  int64     `json:"total_operations"`
	TotalReceipts    int64     `json:"total_receipts"`
	TotalRevocations int64     `json:"total_revocations"`
	TotalTokens      int64     `json:"total_tokens"`
	TotalCostCents   float64   `json:"total_cost_cents"`
}

// Snapshot is the durable state read back at startup.
type Snapshot struct {
	Count         int64
	RecordCounter int64
	Tenants       []*TenantUsage
}

// Store is the durable mirror. Every method is its own atomic unit at the
// store level; nothing spans calls.
type Store interface {
	// LoadState returns the persisted counters, creating the singleton
	// counter document when it does not exist yet. RecordCounter is never
	// below the highest stored record sequence.
	LoadState(ctx context.Context) (*Snapshot, error)
	InsertRecord(ctx context.Context, rec *UsageRecord) error
	// IncrementCount adds n to the global count and raises the record
	// counter to at least recordSeq.
	IncrementCount(ctx context.Context, n int64, recordSeq int64) error
	IncrementTenant(ctx context.Context, tenantID string, n int64) error
	Close(ctx context.Context) error
}
