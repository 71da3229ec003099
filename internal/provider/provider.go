// Package provider starts and stops browser-automation sessions on the
// backends an account can use: remote antidetect profiles and ephemeral
// containers on a Docker-compatible compute API.
package provider

import (
	"context"
	"fmt"

	"github.com/cuongbtq/publishing-worker/internal/domain"
)

// Provider starts and stops sessions for one provider code.
type Provider interface {
	Code() string
	StartSession(ctx context.Context, profile domain.ResourceProfile, traceID string) (*domain.Session, error)
	StopSession(ctx context.Context, session *domain.Session, traceID string) error
}

// SessionCounter is implemented by providers that can report live sessions.
type SessionCounter interface {
	ActiveSessions(ctx context.Context) (int, error)
}

// Registry maps provider codes to implementations. It is built once at startup.
type Registry map[string]Provider

// NewRegistry builds a registry keyed by each provider's code.
func NewRegistry(providers ...Provider) (Registry, error) {
	r := make(Registry, len(providers))
	for _, p := range providers {
		if _, dup := r[p.Code()]; dup {
			return nil, fmt.Errorf("duplicate provider code %q", p.Code())
		}
		r[p.Code()] = p
	}
	return r, nil
}

// Get returns the provider for code.
func (r Registry) Get(code string) (Provider, bool) {
	p, ok := r[code]
	return p, ok
}
