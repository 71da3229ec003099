package provider

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cuongbtq/publishing-worker/internal/domain"
)

// Kind classifies a provider failure.
type Kind string

const (
	KindAuthFailed    Kind = "auth_failed"
	KindRateLimited   Kind = "rate_limited"
	KindProfileBanned Kind = "profile_banned"
	KindCrashed       Kind = "crashed"
	KindTimeout       Kind = "timeout"
	KindUnavailable   Kind = "unavailable"
	KindUnknown       Kind = "unknown"
)

var (
	ErrAuthFailed    = errors.New("provider auth failed")
	ErrRateLimited   = errors.New("provider rate limited")
	ErrProfileBanned = errors.New("provider profile banned")
	ErrCrashed       = errors.New("provider crashed")
	ErrTimeout       = errors.New("provider timeout")
	ErrUnavailable   = errors.New("provider unavailable")
)

var kindSentinels = map[Kind]error{
	KindAuthFailed:    ErrAuthFailed,
	KindRateLimited:   ErrRateLimited,
	KindProfileBanned: ErrProfileBanned,
	KindCrashed:       ErrCrashed,
	KindTimeout:       ErrTimeout,
	KindUnavailable:   ErrUnavailable,
}

var kindCodes = map[Kind]string{
	KindAuthFailed:    domain.CodeProviderAuthFailed,
	KindRateLimited:   domain.CodeProviderRateLimited,
	KindProfileBanned: domain.CodeProviderProfileBanned,
	KindCrashed:       domain.CodeProviderCrashed,
	KindTimeout:       domain.CodeProviderTimeout,
	KindUnavailable:   domain.CodeProviderUnavailable,
	KindUnknown:       domain.CodeProviderUnknown,
}

// Error is a typed failure raised by a provider.
type Error struct {
	Kind     Kind
	Provider string
	Msg      string
	Err      error
}

// NewError creates a typed provider error.
func NewError(kind Kind, providerCode, msg string, err error) *Error {
	return &Error{Kind: kind, Provider: providerCode, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s: %s", e.Provider, e.Msg)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && target == sentinel
}

// Code returns the error code persisted on run events.
func (e *Error) Code() string {
	return CodeFor(e.Kind)
}

// CodeFor maps a kind to its run event error code.
func CodeFor(k Kind) string {
	if code, ok := kindCodes[k]; ok {
		return code
	}
	return domain.CodeProviderUnknown
}

// IsExhaustion reports whether the kind means the provider cannot serve
// this account right now and another provider should be tried.
func IsExhaustion(k Kind) bool {
	return k == KindRateLimited || k == KindProfileBanned
}

// KindOf extracts the kind from err, or KindUnknown.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// Exhaustion kinds are matched before auth so that text such as
// "OAuth rate limit" still triggers a fallback.
var messagePatterns = []struct {
	kind     Kind
	keywords []string
}{
	{KindRateLimited, []string{"429", "rate limit", "too many", "limit"}},
	{KindProfileBanned, []string{"banned", "ban ", "blocked", "suspended"}},
	{KindAuthFailed, []string{"401", "403", "unauthorized", "forbidden", "invalid token", "auth"}},
}

// ClassifyMessage pattern-matches provider error text into a kind.
func ClassifyMessage(text string) Kind {
	lower := strings.ToLower(text)
	for _, p := range messagePatterns {
		for _, kw := range p.keywords {
			if strings.Contains(lower, kw) {
				return p.kind
			}
		}
	}
	return KindUnknown
}
