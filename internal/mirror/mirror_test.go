package mirror

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/vnmchuo/penny-counter/internal/billing"
	"github.com/vnmchuo/penny-counter/internal/counter"
	"github.com/vnmchuo/penny-counter/internal/telemetry"
	"github.com/vnmchuo/penny-counter/internal/worker"
)

type fakeStore struct {
	mu        sync.Mutex
	snap      billing.Snapshot
	records   map[string]*billing.UsageRecord
	tenants   map[string]int64
	loadCalls int
	loadErr   error
	writeErr  error
	closed    bool

	// failCounts and failInserts fail that many upcoming calls.
	failCounts  int
	failInserts int

	// loadStarted is closed when LoadState begins; LoadState then waits on
	// loadGate.
	loadStarted chan struct{}
	loadGate    chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]*billing.UsageRecord{}, tenants: map[string]int64{}}
}

func (f *fakeStore) LoadState(ctx context.Context) (*billing.Snapshot, error) {
	if f.loadGate != nil {
		close(f.loadStarted)
		<-f.loadGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadCalls++
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	snap := f.snap
	return &snap, nil
}

func (f *fakeStore) InsertRecord(ctx context.Context, rec *billing.UsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	if f.failInserts > 0 {
		f.failInserts--
		return errors.New("insert failed")
	}
	// Duplicate ids are ignored, as the real stores do.
	if _, ok := f.records[rec.RecordID]; !ok {
		f.records[rec.RecordID] = rec
	}
	return nil
}

func (f *fakeStore) IncrementCount(ctx context.Context, n int64, recordSeq int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	if f.failCounts > 0 {
		f.failCounts--
		return errors.New("counter update failed")
	}
	f.snap.Count += n
	f.snap.RecordCounter = max(f.snap.RecordCounter, recordSeq)
	return nil
}

func (f *fakeStore) IncrementTenant(ctx context.Context, tenantID string, n int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.tenants[tenantID] += n
	return nil
}

func (f *fakeStore) Close(ctx context.Context) error {
	f.closed = true
	return nil
}

func (f *fakeStore) count() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap.Count
}

func TestInitialize_MemoryOnly(t *testing.T) {
	c := counter.New()
	s := New(c, nil, 10, 1, WithLogger(zaptest.NewLogger(t)))
	c.SetNotifier(s)

	s.Initialize(context.Background())
	assert.False(t, s.Enabled())

	c.RecordOperation(billing.Operation{TenantID: "public"})
	assert.Equal(t, int64(1), c.GlobalCount())
	assert.False(t, c.Stats().PersistenceEnabled)
	assert.NoError(t, s.Close(context.Background()))
}

func TestInitialize_ReconcilesOnce(t *testing.T) {
	store := newFakeStore()
	store.snap = billing.Snapshot{
		Count:         5000,
		RecordCounter: 20,
		Tenants: []*billing.TenantUsage{
			{TenantID: "acme", TotalReceipts: 20, TotalOperations: 20},
			{TenantID: "batch", TotalReceipts: 4980, TotalOperations: 4980},
		},
	}
	c := counter.New()
	s := New(c, store, 10, 1)

	s.Initialize(context.Background())
	first := c.Tenants()
	s.Initialize(context.Background())

	assert.Equal(t, 1, store.loadCalls)
	assert.True(t, s.Enabled())
	assert.Equal(t, int64(5000), c.GlobalCount())
	assert.Equal(t, first, c.Tenants())

	u, ok := c.TenantUsage("batch")
	require.True(t, ok)
	assert.Equal(t, int64(4980), u.TotalReceipts)
}

func TestInitialize_StoreUnavailableDegrades(t *testing.T) {
	store := newFakeStore()
	store.loadErr = errors.New("connection refused")
	c := counter.New()
	s := New(c, store, 10, 1, WithLogger(zaptest.NewLogger(t)))
	c.SetNotifier(s)

	s.Initialize(context.Background())
	assert.False(t, s.Enabled())

	c.RecordBatch(10, "batch")
	assert.Equal(t, int64(10), c.GlobalCount())
	assert.NoError(t, s.PersistBatch(context.Background(), 10, "batch"))
	assert.Equal(t, int64(0), store.count())
}

func TestInitialize_SlowStoreDoesNotBlockReaders(t *testing.T) {
	store := newFakeStore()
	store.loadStarted = make(chan struct{})
	store.loadGate = make(chan struct{})
	c := counter.New()
	s := New(c, store, 10, 1)
	c.SetNotifier(s)

	done := make(chan struct{})
	go func() {
		s.Initialize(context.Background())
		close(done)
	}()
	<-store.loadStarted

	read := make(chan counter.Stats, 1)
	go func() {
		c.RecordOperation(billing.Operation{TenantID: "acme"})
		read <- c.Stats()
	}()
	select {
	case stats := <-read:
		assert.Equal(t, int64(1), stats.TotalReceipts)
		assert.False(t, stats.PersistenceEnabled)
	case <-time.After(time.Second):
		t.Fatal("reads waited on the store load")
	}

	close(store.loadGate)
	<-done
	assert.True(t, s.Enabled())
}

// restart builds a fresh counter over the same store, as a process restart
// would.
func restart(t *testing.T, store *fakeStore) (*counter.Counter, *Synchronizer) {
	t.Helper()
	c := counter.New()
	s := New(c, store, 10, 1, WithLogger(zaptest.NewLogger(t)))
	s.Initialize(context.Background())
	require.True(t, s.Enabled())
	return c, s
}

func TestPersistSingle_FailedCounterUpdateKeepsLaterRecords(t *testing.T) {
	store := newFakeStore()
	store.failCounts = 1

	c, s := restart(t, store)
	first := c.RecordOperation(billing.Operation{ReceiptID: "A", TenantID: "acme"})
	require.Error(t, s.PersistSingle(context.Background(), first))

	c, s = restart(t, store)
	second := c.RecordOperation(billing.Operation{ReceiptID: "B", TenantID: "acme"})
	require.NoError(t, s.PersistSingle(context.Background(), second))

	stored, ok := store.records[second.RecordID]
	require.True(t, ok)
	assert.Equal(t, "B", stored.ReceiptID)
	assert.Len(t, store.records, 1)
}

func TestPersistSingle_FailedInsertStillAdvancesRecordCounter(t *testing.T) {
	store := newFakeStore()
	store.failInserts = 1

	c, s := restart(t, store)
	first := c.RecordOperation(billing.Operation{ReceiptID: "A", TenantID: "acme"})
	require.Error(t, s.PersistSingle(context.Background(), first))

	c, _ = restart(t, store)
	second := c.RecordOperation(billing.Operation{ReceiptID: "B", TenantID: "acme"})
	assert.Equal(t, "USG-000000000001", first.RecordID)
	assert.Equal(t, "USG-000000000002", second.RecordID)
}

func TestPersistSingleAndBatch(t *testing.T) {
	store := newFakeStore()
	c := counter.New()
	s := New(c, store, 10, 1)
	s.Initialize(context.Background())

	rec := c.RecordOperation(billing.Operation{ReceiptID: "RCP-1", TenantID: "acme", OperationType: "sign"})
	require.NoError(t, s.PersistSingle(context.Background(), rec))
	require.NoError(t, s.PersistBatch(context.Background(), 99, "batch"))

	assert.Equal(t, int64(100), store.count())
	assert.Equal(t, int64(1), store.snap.RecordCounter)
	assert.Contains(t, store.records, rec.RecordID)
	assert.Equal(t, int64(99), store.tenants["batch"])
}

func TestPersist_FailuresAreSwallowedAndCounted(t *testing.T) {
	store := newFakeStore()
	metrics := telemetry.NewMetrics()
	c := counter.New()
	s := New(c, store, 10, 1, WithMetrics(metrics), WithLogger(zaptest.NewLogger(t)))
	c.SetNotifier(s)
	s.Initialize(context.Background())
	store.writeErr = errors.New("write conflict")

	err := s.PersistBatch(context.Background(), 5, "batch")
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PersistFailures.WithLabelValues("batch")))

	// The counter itself is unaffected.
	c.RecordBatch(5, "batch")
	assert.Equal(t, int64(5), c.GlobalCount())
}

func TestNotifications_FlowThroughQueue(t *testing.T) {
	store := newFakeStore()
	c := counter.New()
	s := New(c, store, 100, 2, WithLogger(zaptest.NewLogger(t)))
	c.SetNotifier(s)
	s.Initialize(context.Background())

	q := s.Queue().(*worker.ChannelQueue)
	done := make(chan error, 1)
	go func() { done <- q.Process(context.Background()) }()

	for i := 0; i < 10; i++ {
		c.RecordOperation(billing.Operation{TenantID: "acme"})
	}
	c.RecordBatch(90, "batch")
	q.Close()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("queue did not drain")
	}

	assert.Equal(t, int64(100), store.count())
	assert.Len(t, store.records, 10)
	assert.Equal(t, int64(10), store.snap.RecordCounter)
	assert.Equal(t, c.GlobalCount(), store.count())
}

func TestNotifications_QueueFullDropsJob(t *testing.T) {
	store := newFakeStore()
	metrics := telemetry.NewMetrics()
	c := counter.New()
	s := New(c, store, 1, 1, WithMetrics(metrics))
	c.SetNotifier(s)
	s.Initialize(context.Background())

	// Nothing drains the queue: the second job has nowhere to go.
	c.RecordBatch(1, "batch")
	c.RecordBatch(1, "batch")

	assert.Equal(t, int64(2), c.GlobalCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DroppedJobs))
}
