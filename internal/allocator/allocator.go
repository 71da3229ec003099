// Package allocator picks a browser session for an account by walking an
// ordered fallback chain of providers, one at a time.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/cuongbtq/publishing-worker/internal/domain"
	"github.com/cuongbtq/publishing-worker/internal/metrics"
	"github.com/cuongbtq/publishing-worker/internal/provider"
)

// ErrAllProvidersExhausted is matched by every ExhaustedError.
var ErrAllProvidersExhausted = errors.New("all providers exhausted")

// ErrNoProfiles is returned by TopProvider when the account has no usable profile.
var ErrNoProfiles = errors.New("no active profiles for account")

// ProfileStore loads and annotates resource profiles.
type ProfileStore interface {
	// ActiveProfiles returns active profiles of active providers for the account,
	// ordered by is_default desc, last_used_at desc nulls last.
	ActiveProfiles(ctx context.Context, accountID int64) ([]domain.ResourceProfile, error)
	TouchProfile(ctx context.Context, profileID int64, at time.Time) error
	MarkProfileExhausted(ctx context.Context, profileID int64) error
}

// EventRecorder appends run events.
type EventRecorder interface {
	Record(ctx context.Context, ev domain.RunEvent) error
}

// Request identifies who a session is for.
type Request struct {
	AccountID int64
	JobID     int64
	PostID    *int64
	TraceID   string
	// Exclude lists provider codes that must not be tried.
	Exclude []string
}

// Attempt records one provider tried during allocation.
type Attempt struct {
	Provider string
	Skipped  bool
	Err      error
}

// ExhaustedError is returned when no candidate produced a session.
type ExhaustedError struct {
	AccountID int64
	Attempts  []Attempt
	Last      error
}

func (e *ExhaustedError) Error() string {
	tried := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		tried = append(tried, a.Provider)
	}
	msg := fmt.Sprintf("all providers exhausted for account %d (tried: %s)", e.AccountID, strings.Join(tried, ", "))
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrAllProvidersExhausted
}

// Allocator implements the ordered provider fallback chain.
type Allocator struct {
	providers provider.Registry
	priority  []string
	store     ProfileStore
	events    EventRecorder
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an allocator. An empty priority uses domain.DefaultProviderPriority.
func New(providers provider.Registry, priority []string, store ProfileStore, events EventRecorder, logger *slog.Logger) *Allocator {
	if len(priority) == 0 {
		priority = domain.DefaultProviderPriority
	}
	return &Allocator{
		providers: providers,
		priority:  priority,
		store:     store,
		events:    events,
		logger:    logger,
		now:       time.Now,
	}
}

// Allocate returns a session from the first candidate provider that starts one.
// Provider failures move on to the next candidate; any other error is returned as is.
func (a *Allocator) Allocate(ctx context.Context, req Request) (*domain.Session, error) {
	candidates, err := a.candidates(ctx, req.AccountID, req.Exclude)
	if err != nil {
		return nil, err
	}

	exhausted := &ExhaustedError{AccountID: req.AccountID}
	if len(candidates) == 0 {
		exhausted.Last = ErrNoProfiles
		return nil, exhausted
	}

	log := a.logger.With(slog.Int64("account_id", req.AccountID), slog.String("trace_id", req.TraceID))

	for _, profile := range candidates {
		code := profile.Provider.Code
		impl, ok := a.providers.Get(code)
		if !ok {
			log.Warn("No implementation registered for provider", slog.String("provider", code))
			exhausted.Attempts = append(exhausted.Attempts, Attempt{Provider: code, Skipped: true})
			continue
		}

		if throttled, reason := a.throttled(ctx, impl, profile.Provider); throttled {
			metrics.ProviderThrottled.WithLabelValues(code).Inc()
			log.Info("Provider at session ceiling, skipping", slog.String("provider", code), slog.String("reason", reason))
			a.record(ctx, req, domain.RunEvent{
				Type:    domain.EventProviderThrottled,
				Message: fmt.Sprintf("provider %s skipped: %s", code, reason),
				Payload: map[string]any{"provider_code": code, "profile_ref": profile.ProfileRef},
			})
			exhausted.Attempts = append(exhausted.Attempts, Attempt{Provider: code, Skipped: true})
			continue
		}

		started := a.now()
		session, err := impl.StartSession(ctx, profile, req.TraceID)
		if err == nil {
			metrics.ProviderAttempts.WithLabelValues(code, "success").Inc()
			metrics.SessionStartSeconds.WithLabelValues(code).Observe(a.now().Sub(started).Seconds())
			a.onAllocated(ctx, req, profile, session, log)
			return session, nil
		}

		var perr *provider.Error
		if !errors.As(err, &perr) {
			return nil, fmt.Errorf("failed to start %s session: %w", code, err)
		}

		metrics.ProviderAttempts.WithLabelValues(code, string(perr.Kind)).Inc()
		log.Warn("Provider failed to start session",
			slog.String("provider", code),
			slog.String("kind", string(perr.Kind)),
			slog.Any("error", err),
		)
		a.record(ctx, req, domain.RunEvent{
			Type:      domain.EventProviderError,
			ErrorCode: perr.Code(),
			Message:   domain.Truncate(err.Error(), 500),
			Payload: map[string]any{
				"provider_code": code,
				"profile_ref":   profile.ProfileRef,
				"exception":     domain.Truncate(err.Error(), 1000),
			},
		})
		if perr.Kind == provider.KindProfileBanned {
			if err := a.store.MarkProfileExhausted(ctx, profile.ID); err != nil {
				log.Error("Failed to mark profile exhausted", slog.Int64("profile_id", profile.ID), slog.Any("error", err))
			}
		}
		exhausted.Attempts = append(exhausted.Attempts, Attempt{Provider: code, Err: err})
		exhausted.Last = err
	}

	if exhausted.Last == nil {
		exhausted.Last = errors.New("every candidate provider was throttled")
	}
	log.Error("All providers exhausted", slog.Any("error", exhausted.Last))
	return nil, exhausted
}

// TopProvider returns the provider that Allocate would try first.
func (a *Allocator) TopProvider(ctx context.Context, accountID int64) (domain.ResourceProvider, error) {
	candidates, err := a.candidates(ctx, accountID, nil)
	if err != nil {
		return domain.ResourceProvider{}, err
	}
	if len(candidates) == 0 {
		return domain.ResourceProvider{}, ErrNoProfiles
	}
	return candidates[0].Provider, nil
}

// Release stops a session through the provider that created it.
func (a *Allocator) Release(ctx context.Context, session *domain.Session, traceID string) {
	if session == nil {
		return
	}
	impl, ok := a.providers.Get(session.ProviderCode)
	if !ok {
		a.logger.Warn("Cannot release session for unknown provider", slog.String("provider", session.ProviderCode))
		return
	}
	if err := impl.StopSession(ctx, session, traceID); err != nil {
		a.logger.Error("Failed to release session",
			slog.String("provider", session.ProviderCode),
			slog.String("session_ref", session.Ref),
			slog.String("trace_id", traceID),
			slog.Any("error", err),
		)
	}
}

// candidates keeps the first profile of each provider, then orders by priority.
func (a *Allocator) candidates(ctx context.Context, accountID int64, exclude []string) ([]domain.ResourceProfile, error) {
	profiles, err := a.store.ActiveProfiles(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load profiles for account %d: %w", accountID, err)
	}

	skip := make(map[string]bool, len(exclude))
	for _, code := range exclude {
		skip[code] = true
	}

	seen := make(map[string]bool)
	out := make([]domain.ResourceProfile, 0, len(profiles))
	for _, p := range profiles {
		code := p.Provider.Code
		if skip[code] || seen[code] || !p.Provider.IsActive || p.Status != domain.ProfileActive {
			continue
		}
		seen[code] = true
		out = append(out, p)
	}

	rank := make(map[string]int, len(a.priority))
	for i, code := range a.priority {
		rank[code] = i
	}
	rankOf := func(code string) int {
		if r, ok := rank[code]; ok {
			return r
		}
		return len(a.priority)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rankOf(out[i].Provider.Code), rankOf(out[j].Provider.Code)
		if ri != rj {
			return ri < rj
		}
		return out[i].Provider.ID < out[j].Provider.ID
	})
	return out, nil
}

// throttled compares live sessions against the provider ceiling. A failed
// count is treated as throttled so capacity is never assumed.
func (a *Allocator) throttled(ctx context.Context, impl provider.Provider, desc domain.ResourceProvider) (bool, string) {
	counter, ok := impl.(provider.SessionCounter)
	if !ok || desc.MaxConcurrentSessions == nil || *desc.MaxConcurrentSessions <= 0 {
		return false, ""
	}
	limit := *desc.MaxConcurrentSessions
	active, err := counter.ActiveSessions(ctx)
	if err != nil {
		return true, "session count unavailable: " + err.Error()
	}
	if active >= limit {
		return true, fmt.Sprintf("%d/%d sessions running", active, limit)
	}
	return false, ""
}

func (a *Allocator) onAllocated(ctx context.Context, req Request, profile domain.ResourceProfile, session *domain.Session, log *slog.Logger) {
	if err := a.store.TouchProfile(ctx, profile.ID, a.now()); err != nil {
		log.Warn("Failed to update profile last_used_at", slog.Int64("profile_id", profile.ID), slog.Any("error", err))
	}
	log.Info("Session allocated",
		slog.String("provider", session.ProviderCode),
		slog.String("session_ref", session.Ref),
	)
	a.record(ctx, req, domain.RunEvent{
		Type:    domain.EventProviderAllocated,
		Message: "allocated " + session.ProviderCode,
		Payload: map[string]any{
			"provider_code": session.ProviderCode,
			"profile_ref":   profile.ProfileRef,
			"session_ref":   session.Ref,
			"viewer_url":    session.ViewerURL,
		},
	})
}

// record is skipped for allocations that are not tied to a job yet.
func (a *Allocator) record(ctx context.Context, req Request, ev domain.RunEvent) {
	if a.events == nil || req.JobID == 0 {
		return
	}
	ev.JobID = req.JobID
	ev.PostID = req.PostID
	ev.TraceID = req.TraceID
	if err := a.events.Record(ctx, ev); err != nil {
		a.logger.Error("Failed to record run event", slog.String("event_type", ev.Type), slog.Any("error", err))
	}
}
