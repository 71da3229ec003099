package handler

import (
	"time"

	"github.com/cuongbtq/publishing-worker/internal/api/dto"
	"github.com/cuongbtq/publishing-worker/internal/domain"
)

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func toJobDTO(job *domain.Job) dto.JobDTO {
	return dto.JobDTO{
		ID:           job.ID,
		AccountID:    job.AccountID,
		Platform:     job.Platform,
		Status:       string(job.Status),
		ScheduledAt:  formatTime(job.ScheduledAt),
		Priority:     job.Priority,
		RetryCount:   job.RetryCount,
		ProviderID:   job.ProviderID,
		ProfileID:    job.ProfileID,
		SessionRef:   job.SessionRef,
		TraceID:      job.TraceID,
		ErrorMessage: job.ErrorMessage,
		StartedAt:    formatTime(job.StartedAt),
		CompletedAt:  formatTime(job.CompletedAt),
		CreatedAt:    job.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    job.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func toQuotaGroupDTO(g *domain.QuotaGroup) dto.QuotaGroupDTO {
	return dto.QuotaGroupDTO{
		ID:                g.ID,
		Name:              g.Name,
		MaxConcurrent:     g.MaxConcurrent,
		MaxPerDay:         g.MaxPerDay,
		MaxPerMonth:       g.MaxPerMonth,
		CurrentConcurrent: g.CurrentConcurrent,
		CurrentDayCount:   g.CurrentDayCount,
		CurrentMonthCount: g.CurrentMonthCount,
		DayWindowStart:    formatTime(g.DayWindowStart),
		MonthWindowStart:  formatTime(g.MonthWindowStart),
	}
}
