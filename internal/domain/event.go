package domain

import "time"

// Run event types
const (
	EventRunScheduled      = "RUN_SCHEDULED"
	EventRunStarted        = "RUN_STARTED"
	EventRunCompleted      = "RUN_COMPLETED"
	EventRunFailed         = "RUN_FAILED"
	EventStatusChange      = "STATUS_CHANGE"
	EventProviderAllocated = "PROVIDER_ALLOCATED"
	EventProviderError     = "PROVIDER_ERROR"
	EventProviderThrottled = "PROVIDER_THROTTLED"
	EventQuotaReconciled   = "QUOTA_RECONCILED"
)

// Error codes persisted on run events
const (
	CodeProviderAuthFailed    = "PROVIDER_AUTH_FAILED"
	CodeProviderRateLimited   = "PROVIDER_RATE_LIMITED"
	CodeProviderProfileBanned = "PROVIDER_PROFILE_BANNED"
	CodeProviderCrashed       = "PROVIDER_CRASHED"
	CodeProviderTimeout       = "PROVIDER_TIMEOUT"
	CodeProviderUnavailable   = "PROVIDER_UNAVAILABLE"
	CodeProviderUnknown       = "PROVIDER_UNKNOWN"
	CodeNoProviderAvailable   = "NO_PROVIDER_AVAILABLE"
	CodeMaterializationFailed = "MATERIALIZATION_FAILED"
	CodePublisherFailed       = "PUBLISHER_FAILED"
	CodeNoPublisher           = "NO_PUBLISHER"
	CodeWorkerLost            = "WORKER_LOST"
)

// RunEvent is an append-only audit record.
type RunEvent struct {
	ID        int64          `json:"id"`
	JobID     int64          `json:"job_id"`
	PostID    *int64         `json:"post_id,omitempty"`
	Type      string         `json:"event_type"`
	OldStatus Status         `json:"old_status,omitempty"`
	NewStatus Status         `json:"new_status,omitempty"`
	ErrorCode string         `json:"error_code,omitempty"`
	Message   string         `json:"message,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	WorkerID  string         `json:"worker_id,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
