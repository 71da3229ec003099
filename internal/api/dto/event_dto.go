package dto

import "github.com/cuongbtq/publishing-worker/internal/domain"

type ListEventsResponse struct {
	Events []domain.RunEvent `json:"events"`
	// NextAfterID is the id to pass as after_id for the next page
	NextAfterID int64 `json:"next_after_id,omitempty"`
}

type QuotaGroupDTO struct {
	ID                int64   `json:"id"`
	Name              string  `json:"name"`
	MaxConcurrent     *int    `json:"max_concurrent"`
	MaxPerDay         *int    `json:"max_per_day"`
	MaxPerMonth       *int    `json:"max_per_month"`
	CurrentConcurrent int     `json:"current_concurrent"`
	CurrentDayCount   int     `json:"current_day_count"`
	CurrentMonthCount int     `json:"current_month_count"`
	DayWindowStart    *string `json:"day_window_start,omitempty"`
	MonthWindowStart  *string `json:"month_window_start,omitempty"`
}

type ReconcileResponse struct {
	QuotaGroupID      int64 `json:"quota_group_id"`
	CurrentConcurrent int   `json:"current_concurrent"`
}
