package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter caps how many receipts a tenant may submit per minute. It is a thin
// wrapper around github.com/vnmchuo/ratelimiter.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, perMinute int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(perMinute)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func key(tenantID string) string {
	return fmt.Sprintf("ratelimit:receipts:%s", tenantID)
}

// Allow consumes n receipts from the tenant's window. A nil Limiter allows
// everything.
func (l *Limiter) Allow(ctx context.Context, tenantID string, n int64) (bool, error) {
	if l == nil {
		return true, nil
	}
	res, err := l.store.AllowN(ctx, key(tenantID), int(n))
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

// Status reports the tenant's current window without consuming from it.
func (l *Limiter) Status(ctx context.Context, tenantID string) (*extratelimit.Result, error) {
	if l == nil {
		return nil, errors.New("rate limiting disabled")
	}
	return l.store.Status(ctx, key(tenantID))
}
