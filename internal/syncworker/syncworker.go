// Package syncworker periodically drains the outbox to the cloud ingestion
// API: purge, dequeue a batch, POST each item in order, ack or back off,
// stop at the first failure to preserve head-of-line ordering within the
// batch.
package syncworker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drivesentry/drivesentry/internal/observability"
	"github.com/drivesentry/drivesentry/internal/outbox"
)

// Poster is the transport capability the worker drives; internal/api.Client
// satisfies it.
type Poster interface {
	Post(ctx context.Context, endpoint outbox.Endpoint, payload []byte) error
}

// Worker owns the periodic drain loop and the derived online/offline state.
type Worker struct {
	store   *outbox.Store
	poster  Poster
	log     *zap.Logger
	metrics *observability.Metrics

	mu               sync.RWMutex
	interval         time.Duration
	batchSize        int
	maxQueue         int
	consecutiveFails int
	lastOKTime       time.Time
}

// SetMetrics attaches a Metrics instance the worker reports to. Optional;
// a Worker with no metrics attached runs identically but reports nothing.
func (w *Worker) SetMetrics(m *observability.Metrics) {
	w.metrics = m
}

// New constructs a sync Worker. maxQueue bounds PurgeOld's target size.
func New(store *outbox.Store, poster Poster, log *zap.Logger, interval time.Duration, batchSize, maxQueue int) *Worker {
	return &Worker{
		store:     store,
		poster:    poster,
		log:       log,
		interval:  interval,
		batchSize: batchSize,
		maxQueue:  maxQueue,
	}
}

// Reload swaps in hot-reloaded drain parameters. Safe to call from the
// SIGHUP goroutine; the new interval takes effect at the next tick.
func (w *Worker) Reload(interval time.Duration, batchSize, maxQueue int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.interval = interval
	w.batchSize = batchSize
	w.maxQueue = maxQueue
}

func (w *Worker) params() (time.Duration, int, int) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.interval, w.batchSize, w.maxQueue
}

// Run blocks, ticking every interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	interval, _, _ := w.params()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
			if next, _, _ := w.params(); next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	_, batchSize, maxQueue := w.params()

	if n, err := w.store.PurgeOld(maxQueue); err != nil {
		w.log.Warn("outbox purge failed", zap.Error(err))
	} else if n > 0 {
		w.log.Info("purged overflow telemetry rows", zap.Int("count", n))
		if w.metrics != nil {
			w.metrics.OutboxPurgedTotal.Add(float64(n))
		}
	}

	if w.metrics != nil {
		if size, err := w.store.QueueSize(); err == nil {
			w.metrics.OutboxQueueSize.Set(float64(size))
		}
	}

	items, err := w.store.DequeueBatch(batchSize)
	if err != nil {
		w.log.Error("dequeue failed", zap.Error(err))
		return
	}

	for _, item := range items {
		err := w.poster.Post(ctx, item.Endpoint, item.Payload)
		if err != nil {
			w.log.Warn("sync post failed",
				zap.String("endpoint", string(item.Endpoint)),
				zap.Uint64("id", item.ID),
				zap.Error(err))
			if markErr := w.store.MarkFailed(item.ID); markErr != nil {
				w.log.Error("mark-failed write failed", zap.Error(markErr))
			}
			w.recordFailure()
			if w.metrics != nil {
				w.metrics.SyncAttemptsTotal.WithLabelValues(string(item.Endpoint), "fail").Inc()
				w.metrics.SyncConsecutiveFails.Set(float64(w.ConsecutiveFails()))
			}
			return // preserve per-item ordering: stop at first failure
		}
		if markErr := w.store.MarkSent([]uint64{item.ID}); markErr != nil {
			w.log.Error("mark-sent write failed", zap.Error(markErr))
		}
		if w.metrics != nil {
			w.metrics.SyncAttemptsTotal.WithLabelValues(string(item.Endpoint), "ok").Inc()
		}
	}

	if len(items) > 0 {
		w.recordSuccess()
		if w.metrics != nil {
			w.metrics.SyncConsecutiveFails.Set(0)
			w.metrics.SyncLastOKTimestamp.Set(float64(w.LastOKTime().Unix()))
		}
	}
}

func (w *Worker) recordSuccess() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.consecutiveFails = 0
	w.lastOKTime = time.Now().UTC()
}

func (w *Worker) recordFailure() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.consecutiveFails++
}

// IsOnline reports whether the worker has seen fewer than 3 consecutive
// failed sync attempts.
func (w *Worker) IsOnline() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.consecutiveFails < 3
}

// ConsecutiveFails returns the current run length of failed attempts.
func (w *Worker) ConsecutiveFails() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.consecutiveFails
}

// LastOKTime returns the timestamp of the last fully-successful batch.
func (w *Worker) LastOKTime() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastOKTime
}
