package dto

import "time"

type CreateJobRequest struct {
	AccountID   int64          `json:"account_id" binding:"required,gt=0"`
	Platform    string         `json:"platform" binding:"required,oneof=youtube tiktok instagram"`
	AssetID     int64          `json:"asset_id" binding:"required,gt=0"`
	ScheduledAt *time.Time     `json:"scheduled_at"`
	Priority    int            `json:"priority"`
	Title       string         `json:"title" binding:"max=255"`
	Description string         `json:"description"`
	Tags        []string       `json:"tags"`
	Language    string         `json:"language"`
	Extra       map[string]any `json:"extra"`
}

type CreateJobResponse struct {
	Job    JobDTO `json:"job"`
	PostID int64  `json:"post_id"`
}

type ListJobsRequest struct {
	AccountID int64  `form:"account_id"`
	Status    string `form:"status"`
	PageSize  int    `form:"page_size"`
	Cursor    string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	ID           int64   `json:"id"`
	AccountID    int64   `json:"account_id"`
	Platform     string  `json:"platform"`
	Status       string  `json:"status"`
	ScheduledAt  *string `json:"scheduled_at,omitempty"`
	Priority     int     `json:"priority"`
	RetryCount   int     `json:"retry_count"`
	ProviderID   *int64  `json:"provider_id,omitempty"`
	ProfileID    *int64  `json:"profile_id,omitempty"`
	SessionRef   string  `json:"session_ref,omitempty"`
	TraceID      string  `json:"trace_id"`
	ErrorMessage string  `json:"error_message,omitempty"`
	StartedAt    *string `json:"started_at,omitempty"`
	CompletedAt  *string `json:"completed_at,omitempty"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
}

type ListEventsRequest struct {
	AfterID int64 `form:"after_id"`
	Limit   int   `form:"limit"`
}
