package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vnmchuo/penny-counter/internal/billing"
)

var (
	ErrQueueFull   = errors.New("job queue is full")
	ErrQueueClosed = errors.New("job queue is closed")
)

type JobKind string

const (
	JobKindSingle JobKind = "single"
	JobKindBatch  JobKind = "batch"
)

type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

// PersistJob is one write to the durable mirror.
type PersistJob struct {
	ID        string
	Kind      JobKind
	TenantID  string
	Count     int64
	Record    *billing.UsageRecord
	Status    JobStatus
	CreatedAt time.Time
}

func NewSingleJob(rec *billing.UsageRecord) *PersistJob {
	return &PersistJob{
		ID:        uuid.New().String(),
		Kind:      JobKindSingle,
		TenantID:  rec.TenantID,
		Count:     1,
		Record:    rec,
		Status:    JobStatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

func NewBatchJob(count int64, tenantID string) *PersistJob {
	return &PersistJob{
		ID:        uuid.New().String(),
		Kind:      JobKindBatch,
		TenantID:  tenantID,
		Count:     count,
		Status:    JobStatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

type Queue interface {
	Enqueue(ctx context.Context, job *PersistJob) error
	Process(ctx context.Context) error // starts the worker loop
}

type HandlerFunc func(ctx context.Context, job *PersistJob) error

// ChannelQueue is an in-process bounded queue drained by a fixed number of
// goroutines. Enqueue never blocks.
type ChannelQueue struct {
	jobs    chan *PersistJob
	workers int
	handle  HandlerFunc
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
}

func NewChannelQueue(size, workers int, handle HandlerFunc, logger *zap.Logger) *ChannelQueue {
	if size < 1 {
		size = 1
	}
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChannelQueue{
		jobs:    make(chan *PersistJob, size),
		workers: workers,
		handle:  handle,
		logger:  logger,
	}
}

func (q *ChannelQueue) Enqueue(ctx context.Context, job *PersistJob) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Len reports the number of buffered jobs.
func (q *ChannelQueue) Len() int { return len(q.jobs) }

// Close stops intake. Process returns once the buffered jobs are handled.
func (q *ChannelQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
}

// Process runs the workers until the queue is closed and drained, or ctx is
// cancelled. Handler errors are logged; they never stop the loop.
func (q *ChannelQueue) Process(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case job, ok := <-q.jobs:
					if !ok {
						return nil
					}
					q.run(ctx, job)
				}
			}
		})
	}
	return g.Wait()
}

func (q *ChannelQueue) run(ctx context.Context, job *PersistJob) {
	job.Status = JobStatusRunning
	if err := q.handle(ctx, job); err != nil {
		job.Status = JobStatusFailed
		q.logger.Debug("persist job failed",
			zap.String("job_id", job.ID),
			zap.String("kind", string(job.Kind)),
			zap.String("tenant_id", job.TenantID),
			zap.Int64("count", job.Count),
			zap.Error(err),
		)
		return
	}
	job.Status = JobStatusDone
}
