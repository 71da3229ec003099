package domain

// Status is the lifecycle state shared by jobs and posts.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusScheduled Status = "SCHEDULED"
	StatusRunning   Status = "RUNNING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether a status can no longer change.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Platform codes
const (
	PlatformInstagram = "instagram"
	PlatformTikTok    = "tiktok"
	PlatformYouTube   = "youtube"
)

// Provider codes
const (
	ProviderGoLogin        = "GOLOGIN"
	ProviderNoVNC          = "NOVNC"
	ProviderNoVNCAWS       = "NOVNC_AWS"
	ProviderRemoteHeadless = "REMOTE_HEADLESS"
)

// DefaultProviderPriority lists remote-profile providers before container providers.
var DefaultProviderPriority = []string{
	ProviderGoLogin,
	ProviderNoVNCAWS,
	ProviderNoVNC,
	ProviderRemoteHeadless,
}

// ProviderKind describes the class of automation backend.
type ProviderKind string

const (
	KindAntidetect        ProviderKind = "antidetect"
	KindContainerVNC      ProviderKind = "container-vnc"
	KindContainerHeadless ProviderKind = "container-headless"
)

// IsContainer reports whether the kind runs on the compute API.
func (k ProviderKind) IsContainer() bool {
	return k == KindContainerVNC || k == KindContainerHeadless
}

// Profile statuses
const (
	ProfileActive    = "active"
	ProfileExhausted = "exhausted"
)

// Asset storage types
const (
	StorageS3      = "S3"
	StorageRDSBlob = "RDS_BLOB"
	StorageLocal   = "LOCAL"
)
