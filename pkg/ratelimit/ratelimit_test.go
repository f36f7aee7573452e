package ratelimit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

type mockStore struct {
	allowed bool
	err     error
	lastKey string
	lastN   int
}

func (m *mockStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	m.lastKey, m.lastN = key, n
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return m.AllowN(ctx, key, 1)
}

func (m *mockStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	m.lastKey = key
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func TestAllow_UsesTenantKey(t *testing.T) {
	store := &mockStore{allowed: true}
	l := NewTestLimiter(store)

	ok, err := l.Allow(context.Background(), "acme", 500)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ratelimit:receipts:acme", store.lastKey)
	assert.Equal(t, 500, store.lastN)
}

func TestAllow_Denied(t *testing.T) {
	l := NewTestLimiter(&mockStore{allowed: false})
	ok, err := l.Allow(context.Background(), "acme", 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAllow_StoreError(t *testing.T) {
	l := NewTestLimiter(&mockStore{err: errors.New("redis down")})
	ok, err := l.Allow(context.Background(), "acme", 1)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestAllow_NilLimiter(t *testing.T) {
	var l *Limiter
	ok, err := l.Allow(context.Background(), "acme", 1_000_000)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStatus_UsesTenantKey(t *testing.T) {
	store := &mockStore{allowed: true}
	l := NewTestLimiter(store)

	res, err := l.Status(context.Background(), "acme")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, "ratelimit:receipts:acme", store.lastKey)
}

func TestStatus_NilLimiter(t *testing.T) {
	var l *Limiter
	_, err := l.Status(context.Background(), "acme")
	assert.Error(t, err)
}
