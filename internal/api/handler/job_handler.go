package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/publishing-worker/internal/api/dto"
	"github.com/cuongbtq/publishing-worker/internal/domain"
	"github.com/cuongbtq/publishing-worker/internal/metrics"
	"github.com/cuongbtq/publishing-worker/internal/storage"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateJob handles POST /api/v1/jobs
// Schedules a publishing job, records RUN_SCHEDULED and wakes workers.
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	ctx := c.Request.Context()
	job, postID, err := h.store.CreateJob(ctx, domain.NewJob{
		AccountID:   req.AccountID,
		Platform:    req.Platform,
		AssetID:     req.AssetID,
		ScheduledAt: req.ScheduledAt,
		Priority:    req.Priority,
		TraceID:     uuid.NewString(),
		Content: domain.PostContent{
			Title:       req.Title,
			Description: req.Description,
			Tags:        req.Tags,
			Language:    req.Language,
			Extra:       req.Extra,
		},
	})
	if errors.Is(err, domain.ErrInvalidReference) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": "account_id or asset_id does not exist",
		})
		return
	}
	if err != nil {
		h.logger.Error("Failed to create job", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}
	metrics.JobsScheduled.Inc()

	log := h.logger.With(slog.Int64("job_id", job.ID), slog.String("trace_id", job.TraceID))
	if err := h.events.Scheduled(ctx, job, postID); err != nil {
		log.Error("Failed to record scheduled event", slog.Any("error", err))
	}
	h.publishWakeUp(c, job, log)

	log.Info("Job scheduled",
		slog.String("platform", job.Platform),
		slog.String("status", string(job.Status)),
	)
	c.JSON(http.StatusCreated, dto.CreateJobResponse{
		Job:    toJobDTO(job),
		PostID: postID,
	})
}

// publishWakeUp is best effort; workers also poll.
func (h *JobHandler) publishWakeUp(c *gin.Context, job *domain.Job, log *slog.Logger) {
	if h.wake == nil {
		return
	}
	body, err := json.Marshal(domain.WakeUp{
		JobID:       job.ID,
		TraceID:     job.TraceID,
		ScheduledAt: job.ScheduledAt,
	})
	if err != nil {
		log.Error("Failed to encode wake-up", slog.Any("error", err))
		return
	}
	if err := h.wake.Publish(c.Request.Context(), body, "application/json"); err != nil {
		log.Warn("Failed to publish wake-up", slog.Any("error", err))
	}
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := parseID(c, "job_id")
	if !ok {
		return
	}

	job, err := h.store.GetJob(c.Request.Context(), jobID)
	if errors.Is(err, domain.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Job not found",
		})
		return
	}
	if err != nil {
		h.logger.Error("Failed to get job", slog.Int64("job_id", jobID), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, toJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest first with keyset pagination.
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	req.PageSize = clampPageSize(req.PageSize)

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.store.ListJobs(c.Request.Context(), storage.JobFilter{
		AccountID: req.AccountID,
		Status:    req.Status,
		PageSize:  req.PageSize,
		Cursor:    cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(jobs))}
	for i := range jobs {
		resp.Jobs[i] = toJobDTO(&jobs[i])
	}
	if hasMore {
		last := jobs[len(jobs)-1]
		resp.NextCursor = EncodeJobCursor(&storage.JobCursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}

	c.JSON(http.StatusOK, resp)
}

// ListEvents handles GET /api/v1/jobs/:job_id/events
// Returns the job's run events in order, paged by event id.
func (h *JobHandler) ListEvents(c *gin.Context) {
	jobID, ok := parseID(c, "job_id")
	if !ok {
		return
	}

	var req dto.ListEventsRequest
	if err := c.ShouldBindQuery(&req); err != nil || req.AfterID < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}
	limit := clampPageSize(req.Limit)

	ctx := c.Request.Context()
	if _, err := h.store.GetJob(ctx, jobID); err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		h.logger.Error("Failed to get job", slog.Int64("job_id", jobID), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list events"})
		return
	}

	events, err := h.store.ListEvents(ctx, jobID, req.AfterID, limit)
	if err != nil {
		h.logger.Error("Failed to list events", slog.Int64("job_id", jobID), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list events",
		})
		return
	}

	resp := dto.ListEventsResponse{Events: events}
	if len(events) == limit {
		resp.NextAfterID = events[len(events)-1].ID
	}
	c.JSON(http.StatusOK, resp)
}

func clampPageSize(n int) int {
	if n <= 0 {
		return defaultPageSize
	}
	return min(n, maxPageSize)
}

// parseID reads a positive integer path parameter, writing 400 when it is not one.
func parseID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": name + " must be a positive integer",
		})
		return 0, false
	}
	return id, true
}
