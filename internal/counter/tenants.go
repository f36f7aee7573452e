package counter

import (
	"sort"
	"time"

	"github.com/vnmchuo/penny-counter/internal/billing"
)

// tenants folds operations into per-tenant running totals. Callers hold the
// counter lock.
type tenants struct {
	byID map[string]*billing.TenantUsage
}

func newTenants() *tenants {
	return &tenants{byID: make(map[string]*billing.TenantUsage)}
}

func (t *tenants) get(id string, at time.Time) *billing.TenantUsage {
	u, ok := t.byID[id]
	if !ok {
		u = &billing.TenantUsage{TenantID: id, PeriodStart: at, PeriodEnd: at}
		t.byID[id] = u
	}
	return u
}

func touch(u *billing.TenantUsage, at time.Time) {
	if at.After(u.PeriodEnd) {
		u.PeriodEnd = at
	}
	if at.Before(u.PeriodStart) {
		u.PeriodStart = at
	}
}

func (t *tenants) addRecord(rec *billing.UsageRecord) {
	u := t.get(rec.TenantID, rec.Timestamp)
	u.TotalOperations++
	u.TotalReceipts++
	u.TotalTokens += rec.TokensProcessed
	u.TotalCostCents += rec.TotalCostCents
	touch(u, rec.Timestamp)
}

func (t *tenants) addBatch(id string, count int64, at time.Time) {
	u := t.get(id, at)
	u.TotalOperations += count
	u.TotalReceipts += count
	touch(u, at)
}

// merge raises the in-memory totals for p.TenantID to at least the persisted
// ones. Applying the same snapshot again changes nothing.
func (t *tenants) merge(p *billing.TenantUsage) {
	u, ok := t.byID[p.TenantID]
	if !ok {
		cp := *p
		t.byID[p.TenantID] = &cp
		return
	}
	u.TotalOperations = max(u.TotalOperations, p.TotalOperations)
	u.TotalReceipts = max(u.TotalReceipts, p.TotalReceipts)
	u.TotalRevocations = max(u.TotalRevocations, p.TotalRevocations)
	u.TotalTokens = max(u.TotalTokens, p.TotalTokens)
	u.TotalCostCents = max(u.TotalCostCents, p.TotalCostCents)
	if !p.PeriodStart.IsZero() && p.PeriodStart.Before(u.PeriodStart) {
		u.PeriodStart = p.PeriodStart
	}
	touch(u, p.PeriodEnd)
}

func (t *tenants) lookup(id string) (billing.TenantUsage, bool) {
	u, ok := t.byID[id]
	if !ok {
		return billing.TenantUsage{}, false
	}
	return *u, true
}

func (t *tenants) len() int { return len(t.byID) }

func (t *tenants) list() []billing.TenantUsage {
	out := make([]billing.TenantUsage, 0, len(t.byID))
	for _, u := range t.byID {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}
