package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuongbtq/publishing-worker/internal/domain"
)

type jobRow struct {
	ID           int64         `db:"id"`
	AccountID    int64         `db:"account_id"`
	Platform     string        `db:"platform"`
	Status       string        `db:"status"`
	ScheduledAt  sql.NullTime  `db:"scheduled_at"`
	Priority     int           `db:"priority"`
	RetryCount   int           `db:"retry_count"`
	ProviderID   sql.NullInt64 `db:"provider_id"`
	ProfileID    sql.NullInt64 `db:"profile_id"`
	SessionRef   string        `db:"session_ref"`
	TraceID      string        `db:"trace_id"`
	ErrorMessage string        `db:"error_message"`
	StartedAt    sql.NullTime  `db:"started_at"`
	CompletedAt  sql.NullTime  `db:"completed_at"`
	CreatedAt    time.Time     `db:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at"`
}

func (r jobRow) toDomain() *domain.Job {
	return &domain.Job{
		ID:           r.ID,
		AccountID:    r.AccountID,
		Platform:     r.Platform,
		Status:       domain.Status(r.Status),
		ScheduledAt:  timePtr(r.ScheduledAt),
		Priority:     r.Priority,
		RetryCount:   r.RetryCount,
		ProviderID:   int64Ptr(r.ProviderID),
		ProfileID:    int64Ptr(r.ProfileID),
		SessionRef:   r.SessionRef,
		TraceID:      r.TraceID,
		ErrorMessage: r.ErrorMessage,
		StartedAt:    timePtr(r.StartedAt),
		CompletedAt:  timePtr(r.CompletedAt),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

type postRow struct {
	ID           int64         `db:"id"`
	JobID        int64         `db:"run_id"`
	AccountID    int64         `db:"account_id"`
	AccountName  string        `db:"account_name"`
	QuotaGroupID sql.NullInt64 `db:"quota_group_id"`
	Platform     string        `db:"platform"`
	Status       string        `db:"status"`
	ScheduledAt  sql.NullTime  `db:"scheduled_at"`
	AssetID      int64         `db:"asset_id"`
	AssetName    string        `db:"asset_name"`
	Title        string        `db:"title"`
	Description  string        `db:"description"`
	Tags         []byte        `db:"tags"`
	Language     string        `db:"language"`
	Extra        []byte        `db:"extra"`
	RetryCount   int           `db:"retry_count"`
	TraceID      string        `db:"trace_id"`
	ExternalID   string        `db:"external_id"`
	ErrorMessage string        `db:"error_message"`
	StartedAt    sql.NullTime  `db:"started_at"`
	CompletedAt  sql.NullTime  `db:"completed_at"`
}

func (r postRow) toDomain() (domain.Post, error) {
	p := domain.Post{
		ID:           r.ID,
		JobID:        r.JobID,
		AccountID:    r.AccountID,
		AccountName:  r.AccountName,
		QuotaGroupID: int64Ptr(r.QuotaGroupID),
		Platform:     r.Platform,
		Status:       domain.Status(r.Status),
		ScheduledAt:  timePtr(r.ScheduledAt),
		AssetID:      r.AssetID,
		AssetName:    r.AssetName,
		Content: domain.PostContent{
			Title:       r.Title,
			Description: r.Description,
			Language:    r.Language,
		},
		RetryCount:   r.RetryCount,
		TraceID:      r.TraceID,
		ExternalID:   r.ExternalID,
		ErrorMessage: r.ErrorMessage,
		StartedAt:    timePtr(r.StartedAt),
		CompletedAt:  timePtr(r.CompletedAt),
	}
	if err := decodeJSON(r.Tags, &p.Content.Tags); err != nil {
		return domain.Post{}, fmt.Errorf("post %d tags: %w", r.ID, err)
	}
	if err := decodeJSON(r.Extra, &p.Content.Extra); err != nil {
		return domain.Post{}, fmt.Errorf("post %d extra: %w", r.ID, err)
	}
	return p, nil
}

type quotaGroupRow struct {
	ID                int64         `db:"id"`
	Name              string        `db:"name"`
	MaxConcurrent     sql.NullInt64 `db:"max_concurrent"`
	MaxPerDay         sql.NullInt64 `db:"max_per_day"`
	MaxPerMonth       sql.NullInt64 `db:"max_per_month"`
	CurrentConcurrent int           `db:"current_concurrent"`
	CurrentDayCount   int           `db:"current_day_count"`
	CurrentMonthCount int           `db:"current_month_count"`
	DayWindowStart    sql.NullTime  `db:"day_window_start"`
	MonthWindowStart  sql.NullTime  `db:"month_window_start"`
	UpdatedAt         time.Time     `db:"updated_at"`
}

func (r quotaGroupRow) toDomain() *domain.QuotaGroup {
	return &domain.QuotaGroup{
		ID:                r.ID,
		Name:              r.Name,
		MaxConcurrent:     intPtr(r.MaxConcurrent),
		MaxPerDay:         intPtr(r.MaxPerDay),
		MaxPerMonth:       intPtr(r.MaxPerMonth),
		CurrentConcurrent: r.CurrentConcurrent,
		CurrentDayCount:   r.CurrentDayCount,
		CurrentMonthCount: r.CurrentMonthCount,
		DayWindowStart:    timePtr(r.DayWindowStart),
		MonthWindowStart:  timePtr(r.MonthWindowStart),
		UpdatedAt:         r.UpdatedAt,
	}
}

type profileRow struct {
	ID                    int64         `db:"id"`
	ProviderID            int64         `db:"provider_id"`
	AccountID             int64         `db:"account_id"`
	AccountName           string        `db:"account_name"`
	ProfileRef            string        `db:"profile_ref"`
	Status                string        `db:"status"`
	IsDefault             bool          `db:"is_default"`
	LastUsedAt            sql.NullTime  `db:"last_used_at"`
	Config                []byte        `db:"config"`
	ProviderCode          string        `db:"provider_code"`
	ProviderKind          string        `db:"provider_kind"`
	ProviderActive        bool          `db:"provider_active"`
	MaxConcurrentSessions sql.NullInt64 `db:"max_concurrent_sessions"`
	ProviderConfig        []byte        `db:"provider_config"`
}

func (r profileRow) toDomain() (domain.ResourceProfile, error) {
	p := domain.ResourceProfile{
		ID:          r.ID,
		ProviderID:  r.ProviderID,
		AccountID:   r.AccountID,
		AccountName: r.AccountName,
		ProfileRef:  r.ProfileRef,
		Status:      r.Status,
		IsDefault:   r.IsDefault,
		LastUsedAt:  timePtr(r.LastUsedAt),
		Provider: domain.ResourceProvider{
			ID:                    r.ProviderID,
			Code:                  r.ProviderCode,
			Kind:                  domain.ProviderKind(r.ProviderKind),
			IsActive:              r.ProviderActive,
			MaxConcurrentSessions: intPtr(r.MaxConcurrentSessions),
		},
	}
	if err := decodeJSON(r.Config, &p.Config); err != nil {
		return domain.ResourceProfile{}, fmt.Errorf("profile %d config: %w", r.ID, err)
	}
	if err := decodeJSON(r.ProviderConfig, &p.Provider.Config); err != nil {
		return domain.ResourceProfile{}, fmt.Errorf("provider %s config: %w", r.ProviderCode, err)
	}
	return p, nil
}

type assetRow struct {
	ID           int64  `db:"id"`
	OriginalName string `db:"original_name"`
	StorageType  string `db:"storage_type"`
	StorageKey   string `db:"storage_key"`
	S3Bucket     string `db:"s3_bucket"`
	S3Key        string `db:"s3_key"`
	MimeType     string `db:"mime_type"`
	SizeBytes    int64  `db:"size_bytes"`
	Checksum     string `db:"checksum"`
}

func (r assetRow) toDomain() domain.Asset {
	return domain.Asset(r)
}

type eventRow struct {
	ID        int64         `db:"id"`
	JobID     int64         `db:"run_id"`
	PostID    sql.NullInt64 `db:"post_id"`
	Type      string        `db:"event_type"`
	OldStatus string        `db:"old_status"`
	NewStatus string        `db:"new_status"`
	ErrorCode string        `db:"error_code"`
	Message   string        `db:"message"`
	Payload   []byte        `db:"payload"`
	WorkerID  string        `db:"worker_id"`
	TraceID   string        `db:"trace_id"`
	CreatedAt time.Time     `db:"created_at"`
}

func (r eventRow) toDomain() (domain.RunEvent, error) {
	ev := domain.RunEvent{
		ID:        r.ID,
		JobID:     r.JobID,
		PostID:    int64Ptr(r.PostID),
		Type:      r.Type,
		OldStatus: domain.Status(r.OldStatus),
		NewStatus: domain.Status(r.NewStatus),
		ErrorCode: r.ErrorCode,
		Message:   r.Message,
		WorkerID:  r.WorkerID,
		TraceID:   r.TraceID,
		CreatedAt: r.CreatedAt,
	}
	if err := decodeJSON(r.Payload, &ev.Payload); err != nil {
		return domain.RunEvent{}, fmt.Errorf("event %d payload: %w", r.ID, err)
	}
	return ev, nil
}

func decodeJSON(raw []byte, dest any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dest)
}

func encodeJSON(v any, empty string) ([]byte, error) {
	if v == nil {
		return []byte(empty), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return []byte(empty), nil
	}
	return b, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullTime(p *time.Time) sql.NullTime {
	if p == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *p, Valid: true}
}
