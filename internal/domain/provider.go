package domain

import "time"

// ResourceProvider describes a browser-automation backend.
type ResourceProvider struct {
	ID                    int64
	Code                  string
	Kind                  ProviderKind
	IsActive              bool
	MaxConcurrentSessions *int
	Config                ProviderConfig
}

// ProviderConfig is the typed view of a provider's JSON config column.
// Profile rows may override the image.
type ProviderConfig struct {
	Image        string            `json:"image,omitempty"`
	ControlPort  int               `json:"control_port,omitempty"`
	ViewerPort   int               `json:"viewer_port,omitempty"`
	ControlPath  string            `json:"control_path,omitempty"`
	HealthPath   string            `json:"health_path,omitempty"`
	ShmSizeBytes int64             `json:"shm_size_bytes,omitempty"`
	Resolution   string            `json:"resolution,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	SessionReuse *bool             `json:"session_reuse,omitempty"`
}

// ReusesSessions reports whether one session may serve a whole account batch.
func (c ProviderConfig) ReusesSessions() bool {
	return c.SessionReuse == nil || *c.SessionReuse
}

// ResourceProfile binds one account to one provider-specific resource handle.
type ResourceProfile struct {
	ID          int64
	ProviderID  int64
	AccountID   int64
	AccountName string
	ProfileRef  string
	Status      string
	IsDefault   bool
	LastUsedAt  *time.Time
	Config      ProviderConfig
	Provider    ResourceProvider
}

// Session is an ephemeral handle to a running automation backend.
type Session struct {
	ProviderCode string
	ProviderID   int64
	ProfileID    int64
	ProfileRef   string
	AccountName  string
	Ref          string
	ControlURL   string
	ViewerURL    string
	StartedAt    time.Time
}
