package provider

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/publishing-worker/internal/domain"
	"github.com/cuongbtq/publishing-worker/internal/metrics"
)

// Limiter throttles launches per key. Satisfied by ratelimit.TokenBucket.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Credentials resolves API tokens per account.
type Credentials struct {
	Default  string
	Accounts map[string]string
}

// Token returns the account's token, then the default one.
func (c Credentials) Token(account string) string {
	if t, ok := c.Accounts[account]; ok && t != "" {
		return t
	}
	return c.Default
}

// RemoteProfileProvider launches antidetect profiles on a remote service.
type RemoteProfileProvider struct {
	code    string
	api     RemoteProfileAPI
	creds   Credentials
	limiter Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// NewRemoteProfileProvider creates a remote-profile provider. limiter may be nil.
func NewRemoteProfileProvider(code string, api RemoteProfileAPI, creds Credentials, limiter Limiter, logger *slog.Logger) *RemoteProfileProvider {
	return &RemoteProfileProvider{
		code:    code,
		api:     api,
		creds:   creds,
		limiter: limiter,
		logger:  logger.With(slog.String("provider", code)),
		now:     time.Now,
	}
}

func (p *RemoteProfileProvider) Code() string {
	return p.code
}

func (p *RemoteProfileProvider) StartSession(ctx context.Context, profile domain.ResourceProfile, traceID string) (*domain.Session, error) {
	token := p.creds.Token(profile.AccountName)
	if token == "" {
		return nil, NewError(KindAuthFailed, p.code, "no API token for account "+profile.AccountName, nil)
	}

	if p.limiter != nil {
		allowed, _, err := p.limiter.Allow(ctx, p.code)
		if err != nil {
			// a broken throttle must not block launches
			p.logger.Warn("Launch throttle unavailable", slog.Any("error", err))
		} else if !allowed {
			metrics.LaunchRejects.Inc()
			return nil, NewError(KindRateLimited, p.code, "launch rate limit reached", nil)
		}
	}

	p.logger.Info("Starting remote profile",
		slog.String("trace_id", traceID),
		slog.String("profile_ref", profile.ProfileRef),
	)

	endpoint, err := p.api.Start(ctx, token, profile.ProfileRef)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NewError(classifyAPIError(err), p.code, "failed to start profile "+profile.ProfileRef, err)
	}

	return &domain.Session{
		ProviderCode: p.code,
		ProviderID:   profile.ProviderID,
		ProfileID:    profile.ID,
		ProfileRef:   profile.ProfileRef,
		AccountName:  profile.AccountName,
		Ref:          profile.ProfileRef,
		ControlURL:   endpoint,
		StartedAt:    p.now(),
	}, nil
}

// StopSession is best effort: the remote side reaps idle profiles itself.
func (p *RemoteProfileProvider) StopSession(ctx context.Context, session *domain.Session, traceID string) error {
	if session == nil {
		return nil
	}
	if err := p.api.Stop(ctx, p.creds.Token(session.AccountName), session.Ref); err != nil {
		p.logger.Warn("Failed to stop remote profile",
			slog.String("trace_id", traceID),
			slog.String("profile_ref", session.Ref),
			slog.Any("error", err),
		)
	}
	return nil
}

func classifyAPIError(err error) Kind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return KindAuthFailed
		case http.StatusTooManyRequests:
			return KindRateLimited
		}
		return ClassifyMessage(apiErr.Body)
	}
	return ClassifyMessage(err.Error())
}
