// Package events appends run events to the store and fans them out to the
// message broker.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/publishing-worker/internal/domain"
)

// Store persists run events.
type Store interface {
	AppendEvent(ctx context.Context, ev *domain.RunEvent) error
}

// Broker publishes a message under a routing key.
type Broker interface {
	PublishTo(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// Recorder writes run events. Persisting is mandatory, publishing is best effort.
type Recorder struct {
	store    Store
	broker   Broker
	workerID string
	logger   *slog.Logger
	now      func() time.Time
}

// NewRecorder creates a recorder. broker may be nil.
func NewRecorder(store Store, broker Broker, workerID string, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:    store,
		broker:   broker,
		workerID: workerID,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RoutingKey is the broker key for an event type, e.g. "run.provider_error".
func RoutingKey(eventType string) string {
	return "run." + strings.ToLower(eventType)
}

// Record stamps the event with the worker id and time, stores it and publishes it.
func (r *Recorder) Record(ctx context.Context, ev domain.RunEvent) error {
	if ev.WorkerID == "" {
		ev.WorkerID = r.workerID
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = r.now()
	}

	if err := r.store.AppendEvent(ctx, &ev); err != nil {
		return fmt.Errorf("failed to append %s event for job %d: %w", ev.Type, ev.JobID, err)
	}

	if r.broker == nil {
		return nil
	}
	body, err := json.Marshal(ev)
	if err != nil {
		r.logger.Warn("Failed to encode run event", slog.String("type", ev.Type), slog.Any("error", err))
		return nil
	}
	if err := r.broker.PublishTo(ctx, RoutingKey(ev.Type), body, "application/json"); err != nil {
		r.logger.Warn("Failed to publish run event",
			slog.String("type", ev.Type),
			slog.Int64("job_id", ev.JobID),
			slog.Any("error", err),
		)
	}
	return nil
}

// Scheduled records RUN_SCHEDULED for a job created through the API.
func (r *Recorder) Scheduled(ctx context.Context, job *domain.Job, postID int64) error {
	payload := map[string]any{"platform": job.Platform, "account_id": job.AccountID}
	if job.ScheduledAt != nil {
		payload["scheduled_at"] = job.ScheduledAt.UTC().Format(time.RFC3339)
	}
	return r.Record(ctx, domain.RunEvent{
		JobID:     job.ID,
		PostID:    &postID,
		Type:      domain.EventRunScheduled,
		NewStatus: job.Status,
		Payload:   payload,
		TraceID:   job.TraceID,
	})
}

// Started records RUN_STARTED for a post leaving old.
func (r *Recorder) Started(ctx context.Context, post *domain.Post, old domain.Status) error {
	return r.Record(ctx, domain.RunEvent{
		JobID:     post.JobID,
		PostID:    &post.ID,
		Type:      domain.EventRunStarted,
		OldStatus: old,
		NewStatus: domain.StatusRunning,
		TraceID:   post.TraceID,
	})
}

// Completed records RUN_COMPLETED.
func (r *Recorder) Completed(ctx context.Context, post *domain.Post, externalID string, skipped bool) error {
	payload := map[string]any{"skipped": skipped}
	if externalID != "" {
		payload["external_id"] = externalID
	}
	return r.Record(ctx, domain.RunEvent{
		JobID:     post.JobID,
		PostID:    &post.ID,
		Type:      domain.EventRunCompleted,
		OldStatus: domain.StatusRunning,
		NewStatus: domain.StatusSuccess,
		Payload:   payload,
		TraceID:   post.TraceID,
	})
}

// Failed records RUN_FAILED with an error code.
func (r *Recorder) Failed(ctx context.Context, post *domain.Post, old domain.Status, code, message string) error {
	return r.Record(ctx, domain.RunEvent{
		JobID:     post.JobID,
		PostID:    &post.ID,
		Type:      domain.EventRunFailed,
		OldStatus: old,
		NewStatus: domain.StatusFailed,
		ErrorCode: code,
		Message:   message,
		TraceID:   post.TraceID,
	})
}

// ProviderError records a publish-time provider failure that triggers fallback.
func (r *Recorder) ProviderError(ctx context.Context, post *domain.Post, providerCode, code, message string, attempt int) error {
	return r.Record(ctx, domain.RunEvent{
		JobID:     post.JobID,
		PostID:    &post.ID,
		Type:      domain.EventProviderError,
		ErrorCode: code,
		Message:   message,
		Payload:   map[string]any{"provider": providerCode, "attempt": attempt},
		TraceID:   post.TraceID,
	})
}

// QuotaReconciled records a concurrency correction against the job whose
// loss triggered it; events are keyed by job.
func (r *Recorder) QuotaReconciled(ctx context.Context, jobID, groupID int64, running int) error {
	return r.Record(ctx, domain.RunEvent{
		JobID:   jobID,
		Type:    domain.EventQuotaReconciled,
		Payload: map[string]any{"quota_group_id": groupID, "running": running},
	})
}
