// Package publisher defines the upload contract consumed by the orchestrator.
// Platform UI automation lives behind it in an external runner.
package publisher

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuongbtq/publishing-worker/internal/domain"
)

// ErrPublisher is matched by errors raised while uploading.
var ErrPublisher = errors.New("publisher error")

// ErrNoPublisher is returned when no publisher handles a platform.
var ErrNoPublisher = errors.New("no publisher for platform")

// Status is the outcome reported by a publisher.
type Status string

const (
	StatusSuccess Status = "success"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Metadata is the platform-specific payload built from post content.
type Metadata map[string]any

// Result is what a publisher returns for one upload.
type Result struct {
	Status     Status `json:"status"`
	ExternalID string `json:"external_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Publisher uploads one local file using an allocated session.
type Publisher interface {
	Upload(ctx context.Context, localPath string, meta Metadata, session *domain.Session) (Result, error)
}

// Registry maps platform codes to publishers.
type Registry map[string]Publisher

// Get returns the publisher for a platform.
func (r Registry) Get(platform string) (Publisher, error) {
	p, ok := r[platform]
	if !ok || p == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPublisher, platform)
	}
	return p, nil
}

// Error wraps a transport or protocol failure.
type Error struct {
	Platform string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s publisher: %v", e.Platform, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == ErrPublisher
}
