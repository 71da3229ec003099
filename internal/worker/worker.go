// Package worker drives orchestrator cycles: once for timer-driven runs, or
// in a loop woken by a poll ticker and job-scheduled messages.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/publishing-worker/internal/metrics"
	"github.com/cuongbtq/publishing-worker/internal/orchestrator"
)

// Processor runs publishing cycles.
type Processor interface {
	ProcessPending(ctx context.Context, limit int) (orchestrator.Stats, error)
	Reap(ctx context.Context) (int, error)
}

// Consumer delivers wake-up messages with manual acks.
type Consumer interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// Config holds worker configuration
type Config struct {
	Logger    *slog.Logger
	Processor Processor
	// Consumer is optional; without it the loop relies on the poll ticker.
	Consumer       Consumer
	WorkerID       string
	BatchSize      int
	PollInterval   time.Duration
	ReconcileQuota bool
}

// Worker represents the background publishing worker
type Worker struct {
	logger         *slog.Logger
	processor      Processor
	consumer       Consumer
	workerID       string
	batchSize      int
	pollInterval   time.Duration
	reconcileQuota bool

	wake chan struct{}
	wg   sync.WaitGroup
	now  func() time.Time
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	return &Worker{
		logger:         cfg.Logger,
		processor:      cfg.Processor,
		consumer:       cfg.Consumer,
		workerID:       cfg.WorkerID,
		batchSize:      cfg.BatchSize,
		pollInterval:   cfg.PollInterval,
		reconcileQuota: cfg.ReconcileQuota,
		wake:           make(chan struct{}, 1),
		now:            time.Now,
	}
}

// RunOnce reaps stale posts when enabled, then processes one batch.
// The error is non-nil only for infrastructure failures.
func (w *Worker) RunOnce(ctx context.Context) (orchestrator.Stats, error) {
	started := w.now()
	defer func() {
		metrics.CycleSeconds.Observe(w.now().Sub(started).Seconds())
	}()

	if w.reconcileQuota {
		reaped, err := w.processor.Reap(ctx)
		if err != nil {
			return orchestrator.Stats{}, fmt.Errorf("failed to reap stale posts: %w", err)
		}
		if reaped > 0 {
			w.logger.Warn("Reaped stale running posts", slog.Int("count", reaped))
		}
	}

	stats, err := w.processor.ProcessPending(ctx, w.batchSize)
	if err != nil {
		return stats, fmt.Errorf("failed to process pending posts: %w", err)
	}

	w.logger.Info("Cycle complete",
		slog.String("worker_id", w.workerID),
		slog.Int("fetched", stats.Fetched),
		slog.Int("succeeded", stats.Succeeded),
		slog.Int("skipped", stats.Skipped),
		slog.Int("failed", stats.Failed),
		slog.Int("deferred", stats.Deferred),
		slog.Duration("elapsed", w.now().Sub(started)),
	)
	return stats, nil
}

// Start runs cycles until ctx is canceled. Cycle errors are logged and the
// loop keeps going; only a failed consumer setup is returned.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker loop",
		slog.String("worker_id", w.workerID),
		slog.Int("batch_size", w.batchSize),
		slog.Duration("poll_interval", w.pollInterval),
		slog.Bool("wake_ups", w.consumer != nil),
	)

	if w.consumer != nil {
		deliveries, err := w.setupConsumer()
		if err != nil {
			return err
		}
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.startMessageDispatcher(ctx, deliveries)
		}()
	}
	defer w.wg.Wait()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("Cycle failed", slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			w.logger.Info("Worker context canceled, stopping")
			return nil
		case <-ticker.C:
		case <-w.wake:
			w.logger.Debug("Woken by scheduled job")
		}
	}
}

// Wake requests an early cycle. Requests made while one is pending coalesce.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}
