// Package counter is the in-memory Penny Counter: the authoritative global
// receipt count, per-tenant totals and a bounded buffer of recent records.
package counter

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/vnmchuo/penny-counter/internal/billing"
	"github.com/vnmchuo/penny-counter/internal/pricing"
)

const (
	Goal                   = 1_000_000
	DefaultHistoryCapacity = 1000
)

// Notifier hears about committed changes. It is always called after the
// counter lock has been released and must not block.
type Notifier interface {
	RecordCommitted(rec *billing.UsageRecord)
	BatchCommitted(count int64, tenantID string)
	Enabled() bool
}

type Stats struct {
	TotalReceipts      int64   `json:"total_receipts"`
	TotalTenants       int     `json:"total_tenants"`
	TotalRecords       int     `json:"total_records"`
	Goal               int64   `json:"goal"`
	ProgressPercent    float64 `json:"progress_percent"`
	PersistenceEnabled bool    `json:"persistence_enabled"`
}

type Option func(*Counter)

func WithPricing(m *pricing.Model) Option {
	return func(c *Counter) { c.pricing = m }
}

func WithTier(t pricing.Tier) Option {
	return func(c *Counter) { c.tier = t }
}

func WithHistoryCapacity(n int) Option {
	return func(c *Counter) { c.history = newHistory(n) }
}

func WithClock(now func() time.Time) Option {
	return func(c *Counter) { c.now = now }
}

type Counter struct {
	pricing *pricing.Model
	tier    pricing.Tier
	now     func() time.Time

	// mu guards everything below.
	mu       sync.Mutex
	seq      int64
	total    int64
	tenants  *tenants
	history  *history
	notifier Notifier
}

func New(opts ...Option) *Counter {
	c := &Counter{
		pricing: pricing.Default(),
		tier:    pricing.TierFree,
		now:     time.Now,
		tenants: newTenants(),
		history: newHistory(DefaultHistoryCapacity),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetNotifier installs n. Pass nil to stop notifications.
func (c *Counter) SetNotifier(n Notifier) {
	c.mu.Lock()
	c.notifier = n
	c.mu.Unlock()
}

func (c *Counter) Tier() pricing.Tier { return c.tier }

// RecordOperation counts one operation and returns its usage record. Record
// ids are assigned under the same lock as the global and tenant increments,
// so concurrent callers always get distinct, gap-free sequence numbers.
func (c *Counter) RecordOperation(op billing.Operation) *billing.UsageRecord {
	cost := billing.Price(c.pricing, c.tier, op)

	c.mu.Lock()
	c.seq++
	c.total++
	rec := billing.NewUsageRecord(c.seq, c.now(), c.tier, op, cost)
	c.history.append(rec)
	c.tenants.addRecord(rec)
	n := c.notifier
	c.mu.Unlock()

	if n != nil {
		n.RecordCommitted(rec)
	}
	return rec
}

// RecordBatch adds count receipts to the global and tenant totals without
// producing usage records. count must be non-negative; the HTTP layer
// validates it before it gets here.
func (c *Counter) RecordBatch(count int64, tenantID string) {
	if count < 0 {
		panic(fmt.Sprintf("counter: negative batch count %d", count))
	}

	c.mu.Lock()
	c.total += count
	c.tenants.addBatch(tenantID, count, c.now().UTC())
	n := c.notifier
	c.mu.Unlock()

	if n != nil {
		n.BatchCommitted(count, tenantID)
	}
}

func (c *Counter) GlobalCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *Counter) Stats() Stats {
	c.mu.Lock()
	s := Stats{
		TotalReceipts:   c.total,
		TotalTenants:    c.tenants.len(),
		TotalRecords:    c.history.len(),
		Goal:            Goal,
		ProgressPercent: Progress(c.total),
	}
	n := c.notifier
	c.mu.Unlock()

	s.PersistenceEnabled = n != nil && n.Enabled()
	return s
}

// Progress is count as a percentage of Goal, rounded to four decimals.
func Progress(count int64) float64 {
	return math.Round(float64(count)/Goal*100*1e4) / 1e4
}

// TenantUsage returns a copy of the totals for tenantID.
func (c *Counter) TenantUsage(tenantID string) (billing.TenantUsage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tenants.lookup(tenantID)
}

func (c *Counter) Tenants() []billing.TenantUsage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tenants.list()
}

// RecentRecords returns up to n of the newest buffered records, oldest first.
func (c *Counter) RecentRecords(n int) []*billing.UsageRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.recent(n)
}

// Reconcile folds durable state into memory. Counters only move up, so a
// snapshot applied twice leaves the same totals as applying it once.
func (c *Counter) Reconcile(snap *billing.Snapshot) {
	if snap == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.total = max(c.total, snap.Count)
	c.seq = max(c.seq, snap.RecordCounter)
	for _, t := range snap.Tenants {
		c.tenants.merge(t)
	}
}
