package counter

import "github.com/vnmchuo/penny-counter/internal/billing"

// history keeps recent records. Once it grows past capacity it drops the
// oldest entries and keeps the newest capacity/2. Not safe for concurrent use.
type history struct {
	capacity int
	records  []*billing.UsageRecord
}

func newHistory(capacity int) *history {
	if capacity < 2 {
		capacity = 2
	}
	return &history{capacity: capacity}
}

func (h *history) append(rec *billing.UsageRecord) {
	h.records = append(h.records, rec)
	if len(h.records) > h.capacity {
		keep := h.capacity / 2
		trimmed := make([]*billing.UsageRecord, keep, h.capacity+1)
		copy(trimmed, h.records[len(h.records)-keep:])
		h.records = trimmed
	}
}

func (h *history) len() int { return len(h.records) }

// recent returns up to n records, newest last. n <= 0 returns all of them.
func (h *history) recent(n int) []*billing.UsageRecord {
	if n <= 0 || n > len(h.records) {
		n = len(h.records)
	}
	out := make([]*billing.UsageRecord, n)
	copy(out, h.records[len(h.records)-n:])
	return out
}
