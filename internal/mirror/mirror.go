// Package mirror keeps a best-effort durable copy of the counter. Writes are
// queued and performed off the request path; failures are logged and dropped.
package mirror

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/vnmchuo/penny-counter/internal/billing"
	"github.com/vnmchuo/penny-counter/internal/counter"
	"github.com/vnmchuo/penny-counter/internal/telemetry"
	"github.com/vnmchuo/penny-counter/internal/worker"
)

const storeTimeout = 10 * time.Second

type Option func(*Synchronizer)

func WithLogger(l *zap.Logger) Option {
	return func(s *Synchronizer) { s.logger = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Synchronizer) { s.tracer = t }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Synchronizer) { s.metrics = m }
}

// WithQueue replaces the default in-process queue. The caller then owns
// running Process on it.
func WithQueue(q worker.Queue) Option {
	return func(s *Synchronizer) { s.queue = q }
}

type Synchronizer struct {
	counter *counter.Counter
	store   billing.Store
	queue   worker.Queue
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *telemetry.Metrics

	// mu serializes Initialize only; readers go through enabled.
	mu          sync.Mutex
	initialized bool
	enabled     atomic.Bool
}

// New returns a Synchronizer for c. A nil store means memory-only mode.
// queueSize and workers size the default queue built from store writes.
func New(c *counter.Counter, store billing.Store, queueSize, workers int, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		counter: c,
		store:   store,
		logger:  zap.NewNop(),
		tracer:  noop.NewTracerProvider().Tracer("mirror"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.queue == nil {
		s.queue = worker.NewChannelQueue(queueSize, workers, s.handle, s.logger)
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "store",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("store circuit breaker changed state",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return s
}

func (s *Synchronizer) Queue() worker.Queue { return s.queue }

// Initialize connects the counter to its durable state. Only the first call
// does any work. Store failures leave the process in memory-only mode.
func (s *Synchronizer) Initialize(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return
	}
	s.initialized = true

	if s.store == nil {
		s.logger.Info("no store configured, running in memory-only mode")
		return
	}

	ctx, span := s.tracer.Start(ctx, "mirror.initialize")
	defer span.End()

	snap, err := s.store.LoadState(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("failed to load persisted state, continuing in memory-only mode", zap.Error(err))
		return
	}

	s.counter.Reconcile(snap)
	s.enabled.Store(true)
	s.logger.Info("reconciled counter from store",
		zap.Int64("count", snap.Count),
		zap.Int64("record_counter", snap.RecordCounter),
		zap.Int("tenants", len(snap.Tenants)),
	)
}

// Enabled reports whether writes are reaching a store.
func (s *Synchronizer) Enabled() bool {
	return s.enabled.Load()
}

// RecordCommitted queues rec for persistence.
func (s *Synchronizer) RecordCommitted(rec *billing.UsageRecord) {
	s.enqueue(worker.NewSingleJob(rec))
}

// BatchCommitted queues a batch increment for persistence.
func (s *Synchronizer) BatchCommitted(count int64, tenantID string) {
	s.enqueue(worker.NewBatchJob(count, tenantID))
}

func (s *Synchronizer) enqueue(job *worker.PersistJob) {
	if !s.Enabled() {
		return
	}
	if err := s.queue.Enqueue(context.Background(), job); err != nil {
		if s.metrics != nil {
			s.metrics.DroppedJobs.Inc()
		}
		s.logger.Warn("dropping persist job",
			zap.String("kind", string(job.Kind)),
			zap.String("tenant_id", job.TenantID),
			zap.Int64("count", job.Count),
			zap.Error(err),
		)
	}
}

func (s *Synchronizer) handle(ctx context.Context, job *worker.PersistJob) error {
	switch job.Kind {
	case worker.JobKindSingle:
		return s.PersistSingle(ctx, job.Record)
	case worker.JobKindBatch:
		return s.PersistBatch(ctx, job.Count, job.TenantID)
	}
	return errors.New("unknown job kind: " + string(job.Kind))
}

// PersistSingle bumps the durable counter and writes rec. Failures are
// logged and returned for the worker's bookkeeping; they never reach callers
// of the counter.
func (s *Synchronizer) PersistSingle(ctx context.Context, rec *billing.UsageRecord) error {
	if !s.Enabled() {
		return nil
	}
	ctx, span := s.tracer.Start(ctx, "mirror.persist_single")
	defer span.End()
	span.SetAttributes(
		attribute.String("record_id", rec.RecordID),
		attribute.String("tenant_id", rec.TenantID),
	)

	// The counter moves first so a stored record is never ahead of it.
	err := s.write(ctx, string(worker.JobKindSingle), func(ctx context.Context) error {
		if err := s.store.IncrementCount(ctx, 1, rec.Sequence); err != nil {
			return err
		}
		return s.store.InsertRecord(ctx, rec)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// PersistBatch adds count to the durable global and tenant counters.
func (s *Synchronizer) PersistBatch(ctx context.Context, count int64, tenantID string) error {
	if !s.Enabled() {
		return nil
	}
	ctx, span := s.tracer.Start(ctx, "mirror.persist_batch")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.Int64("count", count),
	)

	err := s.write(ctx, string(worker.JobKindBatch), func(ctx context.Context) error {
		if err := s.store.IncrementCount(ctx, count, 0); err != nil {
			return err
		}
		return s.store.IncrementTenant(ctx, tenantID, count)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *Synchronizer) write(ctx context.Context, kind string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	if s.metrics != nil {
		s.metrics.PersistOps.WithLabelValues(kind).Inc()
	}
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if err != nil {
		if s.metrics != nil {
			s.metrics.PersistFailures.WithLabelValues(kind).Inc()
		}
		s.logger.Warn("store write failed", zap.String("kind", kind), zap.Error(err))
	}
	return err
}

// Close releases the store connection.
func (s *Synchronizer) Close(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	return s.store.Close(ctx)
}
