package domain

import "time"

// Job is one scheduled attempt to publish one asset to one platform for one account.
type Job struct {
	ID           int64
	AccountID    int64
	Platform     string
	Status       Status
	ScheduledAt  *time.Time
	Priority     int
	RetryCount   int
	ProviderID   *int64
	ProfileID    *int64
	SessionRef   string
	TraceID      string
	ErrorMessage string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Post is the unit the orchestrator executes. Job-level fields needed at
// execution time are denormalized onto it when fetched.
type Post struct {
	ID           int64
	JobID        int64
	AccountID    int64
	AccountName  string
	QuotaGroupID *int64
	Platform     string
	Status       Status
	ScheduledAt  *time.Time
	AssetID      int64
	AssetName    string
	Content      PostContent
	RetryCount   int
	TraceID      string
	ExternalID   string
	ErrorMessage string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// PostContent holds the generic metadata mapped into a platform payload.
type PostContent struct {
	Title       string
	Description string
	Tags        []string
	Language    string
	Extra       map[string]any
}

// StatusUpdate is applied to a post and mirrored on its parent job.
type StatusUpdate struct {
	Status       Status
	ErrorMessage string
	ExternalID   string
}

// Asset is a media file in a backing store.
type Asset struct {
	ID           int64
	OriginalName string
	StorageType  string
	StorageKey   string
	S3Bucket     string
	S3Key        string
	MimeType     string
	SizeBytes    int64
	Checksum     string
}

// NewJob carries the fields needed to schedule a publishing job.
type NewJob struct {
	AccountID   int64
	Platform    string
	AssetID     int64
	ScheduledAt *time.Time
	Priority    int
	TraceID     string
	Content     PostContent
}

// WakeUp is the message published when a job is scheduled, so looping
// workers can start a cycle before their next poll.
type WakeUp struct {
	JobID       int64      `json:"job_id"`
	TraceID     string     `json:"trace_id"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}
