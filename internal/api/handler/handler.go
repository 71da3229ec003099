package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/publishing-worker/internal/domain"
	"github.com/cuongbtq/publishing-worker/internal/storage"
)

// JobStore is the subset of storage the API reads and writes.
type JobStore interface {
	CreateJob(ctx context.Context, nj domain.NewJob) (*domain.Job, int64, error)
	GetJob(ctx context.Context, jobID int64) (*domain.Job, error)
	ListJobs(ctx context.Context, f storage.JobFilter) ([]domain.Job, error)
	ListEvents(ctx context.Context, jobID, afterID int64, limit int) ([]domain.RunEvent, error)
	GetQuotaGroup(ctx context.Context, groupID int64) (*domain.QuotaGroup, error)
}

// EventRecorder writes the RUN_SCHEDULED event.
type EventRecorder interface {
	Scheduled(ctx context.Context, job *domain.Job, postID int64) error
}

// WakePublisher announces scheduled jobs to looping workers.
type WakePublisher interface {
	Publish(ctx context.Context, body []byte, contentType string) error
}

// QuotaReconciler recomputes a group's concurrency.
type QuotaReconciler interface {
	Reconcile(ctx context.Context, groupID int64) (int, error)
}

// HealthChecker reports database reachability.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger *slog.Logger
	Store  JobStore
	Events EventRecorder
	// Wake is optional; without a broker workers find jobs by polling.
	Wake   WakePublisher
	Quota  QuotaReconciler
	Health HealthChecker
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger *slog.Logger
	store  JobStore
	events EventRecorder
	wake   WakePublisher
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		store:  deps.Store,
		events: deps.Events,
		wake:   deps.Wake,
	}
}

// QuotaHandler handles quota group requests
type QuotaHandler struct {
	logger *slog.Logger
	store  JobStore
	quota  QuotaReconciler
}

// NewQuotaHandler creates a new QuotaHandler instance
func NewQuotaHandler(deps *Dependencies) *QuotaHandler {
	return &QuotaHandler{
		logger: deps.Logger,
		store:  deps.Store,
		quota:  deps.Quota,
	}
}
