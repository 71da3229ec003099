package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/publishing-worker/internal/domain"
)

// Container labels used to find a provider's live sessions.
const (
	LabelProvider = "publishing.provider"
	LabelAccount  = "publishing.account"
	LabelTrace    = "publishing.trace"
)

const (
	defaultShmSize   = 2 << 30
	crashLogLimit    = 200
	defaultStartPoll = 30
	defaultReadyPoll = 60
)

// ContainerConfig configures one container-backed provider code.
type ContainerConfig struct {
	Code     string
	Kind     domain.ProviderKind
	Defaults domain.ProviderConfig
	// PublicHost overrides the host used to reach published ports.
	PublicHost      string
	StartupAttempts int
	HealthAttempts  int
	PollInterval    time.Duration
	DialTimeout     time.Duration
	HealthTimeout   time.Duration
	StopTimeout     time.Duration
}

// DefaultContainerConfig returns the settings for a known container provider code.
func DefaultContainerConfig(code string) ContainerConfig {
	cfg := ContainerConfig{
		Code:            code,
		Kind:            domain.KindContainerVNC,
		StartupAttempts: defaultStartPoll,
		HealthAttempts:  defaultReadyPoll,
		PollInterval:    time.Second,
		DialTimeout:     500 * time.Millisecond,
		HealthTimeout:   3 * time.Second,
		StopTimeout:     5 * time.Second,
		Defaults: domain.ProviderConfig{
			Image:        "social/novnc-browser:latest",
			ControlPort:  9515,
			ViewerPort:   6080,
			ControlPath:  "/wd/hub",
			HealthPath:   "/status",
			ShmSizeBytes: defaultShmSize,
			Resolution:   "1920x1080",
		},
	}
	if code == domain.ProviderRemoteHeadless {
		cfg.Kind = domain.KindContainerHeadless
		cfg.Defaults.Image = "selenium/standalone-chrome:latest"
		cfg.Defaults.ControlPort = 4444
		cfg.Defaults.ViewerPort = 0
	}
	return cfg
}

// ContainerProvider runs one ephemeral browser container per session.
type ContainerProvider struct {
	cfg     ContainerConfig
	compute ComputeAPI
	http    *http.Client
	logger  *slog.Logger
	now     func() time.Time
}

// NewContainerProvider creates a container-backed provider.
func NewContainerProvider(cfg ContainerConfig, compute ComputeAPI, logger *slog.Logger) *ContainerProvider {
	if cfg.StartupAttempts <= 0 {
		cfg.StartupAttempts = defaultStartPoll
	}
	if cfg.HealthAttempts <= 0 {
		cfg.HealthAttempts = defaultReadyPoll
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 500 * time.Millisecond
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 3 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	return &ContainerProvider{
		cfg:     cfg,
		compute: compute,
		http:    &http.Client{Timeout: cfg.HealthTimeout},
		logger:  logger.With(slog.String("provider", cfg.Code)),
		now:     time.Now,
	}
}

func (p *ContainerProvider) Code() string {
	return p.cfg.Code
}

// ActiveSessions counts running containers labelled with this provider's code.
func (p *ContainerProvider) ActiveSessions(ctx context.Context) (int, error) {
	n, err := p.compute.CountRunning(ctx, map[string]string{LabelProvider: p.cfg.Code})
	if err != nil {
		return 0, NewError(KindUnavailable, p.cfg.Code, "failed to count sessions", err)
	}
	return n, nil
}

// StartSession boots a container and waits until its control endpoint answers.
func (p *ContainerProvider) StartSession(ctx context.Context, profile domain.ResourceProfile, traceID string) (*domain.Session, error) {
	settings := p.resolve(profile)
	if settings.Image == "" || settings.ControlPort == 0 {
		return nil, NewError(KindUnknown, p.cfg.Code, "image and control port are required", nil)
	}

	name := ContainerName(p.prefix(), profile.AccountName, traceID, p.now())
	ports := []int{settings.ControlPort}
	if settings.ViewerPort > 0 {
		ports = append(ports, settings.ViewerPort)
	}

	env := map[string]string{
		"SCREEN_RESOLUTION":    settings.Resolution,
		"SE_NODE_MAX_SESSIONS": "1",
	}
	for k, v := range settings.Env {
		env[k] = v
	}

	log := p.logger.With(slog.String("trace_id", traceID), slog.String("container", name))
	log.Info("Starting container session", slog.String("image", settings.Image))

	id, err := p.compute.Create(ctx, ContainerSpec{
		Name:    name,
		Image:   settings.Image,
		Env:     env,
		Ports:   ports,
		ShmSize: settings.ShmSizeBytes,
		Labels: map[string]string{
			LabelProvider: p.cfg.Code,
			LabelAccount:  profile.AccountName,
			LabelTrace:    traceID,
		},
	})
	if err != nil {
		return nil, NewError(KindUnavailable, p.cfg.Code, "compute API rejected container", err)
	}

	host, controlPort, viewerPort, err := p.waitForPorts(ctx, id, settings, log)
	if err != nil {
		p.teardown(id, log)
		return nil, err
	}

	base := fmt.Sprintf("http://%s:%d", host, controlPort)
	controlURL := base + settings.ControlPath
	if err := p.waitForHealth(ctx, controlURL+settings.HealthPath, log); err != nil {
		p.teardown(id, log)
		return nil, err
	}

	session := &domain.Session{
		ProviderCode: p.cfg.Code,
		ProviderID:   profile.ProviderID,
		ProfileID:    profile.ID,
		ProfileRef:   profile.ProfileRef,
		AccountName:  profile.AccountName,
		Ref:          id,
		ControlURL:   controlURL,
		StartedAt:    p.now(),
	}
	if viewerPort > 0 {
		session.ViewerURL = fmt.Sprintf("http://%s:%d/vnc.html", host, viewerPort)
	}

	log.Info("Container session ready",
		slog.String("container_id", shortID(id)),
		slog.String("control_url", controlURL),
	)
	return session, nil
}

// StopSession stops and removes the container. A missing container is already clean.
func (p *ContainerProvider) StopSession(ctx context.Context, session *domain.Session, traceID string) error {
	if session == nil || session.Ref == "" {
		return nil
	}
	log := p.logger.With(slog.String("trace_id", traceID), slog.String("container_id", shortID(session.Ref)))
	log.Info("Stopping container session")

	if err := p.compute.Stop(ctx, session.Ref, p.cfg.StopTimeout); err != nil {
		if errors.Is(err, ErrContainerNotFound) {
			log.Warn("Container not found during stop")
			return nil
		}
		return fmt.Errorf("failed to stop container %s: %w", shortID(session.Ref), err)
	}
	if err := p.compute.Remove(ctx, session.Ref); err != nil && !errors.Is(err, ErrContainerNotFound) {
		return fmt.Errorf("failed to remove container %s: %w", shortID(session.Ref), err)
	}
	return nil
}

func (p *ContainerProvider) waitForPorts(ctx context.Context, id string, settings domain.ProviderConfig, log *slog.Logger) (string, int, int, error) {
	host := p.externalHost()
	for attempt := 1; attempt <= p.cfg.StartupAttempts; attempt++ {
		state, err := p.compute.Inspect(ctx, id)
		if err != nil {
			if errors.Is(err, ErrContainerNotFound) {
				return "", 0, 0, NewError(KindCrashed, p.cfg.Code, "container disappeared during startup", err)
			}
			return "", 0, 0, NewError(KindUnavailable, p.cfg.Code, "failed to inspect container", err)
		}

		if state.Exited() {
			logs, _ := p.compute.Logs(ctx, id, 50)
			return "", 0, 0, NewError(KindCrashed, p.cfg.Code,
				fmt.Sprintf("container exited with status %s (code %d): %s", state.Status, state.ExitCode, tail(logs, crashLogLimit)), nil)
		}

		if controlPort, ok := state.Ports[settings.ControlPort]; ok {
			if p.reachable(ctx, host, controlPort) {
				return host, controlPort, state.Ports[settings.ViewerPort], nil
			}
		}

		if err := sleep(ctx, p.cfg.PollInterval); err != nil {
			return "", 0, 0, err
		}
	}

	log.Warn("Timed out waiting for container port", slog.Int("attempts", p.cfg.StartupAttempts))
	return "", 0, 0, NewError(KindTimeout, p.cfg.Code, "timed out waiting for control port", nil)
}

func (p *ContainerProvider) waitForHealth(ctx context.Context, statusURL string, log *slog.Logger) error {
	start := time.Now()
	var lastErr string
	for attempt := 1; attempt <= p.cfg.HealthAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
		if err != nil {
			return NewError(KindUnknown, p.cfg.Code, "invalid health URL", err)
		}
		resp, err := p.http.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				log.Info("Control endpoint ready", slog.Duration("elapsed", time.Since(start)))
				return nil
			}
			lastErr = "HTTP " + strconv.Itoa(resp.StatusCode)
		} else {
			lastErr = err.Error()
		}

		if attempt%10 == 1 {
			log.Debug("Waiting for control endpoint", slog.String("last_error", lastErr))
		}
		if err := sleep(ctx, p.cfg.PollInterval); err != nil {
			return err
		}
	}
	return NewError(KindTimeout, p.cfg.Code, "timed out waiting for control endpoint readiness, last error: "+lastErr, nil)
}

func (p *ContainerProvider) teardown(id string, log *slog.Logger) {
	// the caller's context may already be cancelled
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.StopTimeout+5*time.Second)
	defer cancel()

	if err := p.compute.Stop(ctx, id, p.cfg.StopTimeout); err != nil && !errors.Is(err, ErrContainerNotFound) {
		log.Warn("Failed to stop container during teardown", slog.Any("error", err))
	}
	if err := p.compute.Remove(ctx, id); err != nil && !errors.Is(err, ErrContainerNotFound) {
		log.Warn("Failed to remove container during teardown", slog.Any("error", err))
	}
}

func (p *ContainerProvider) reachable(ctx context.Context, host string, port int) bool {
	d := net.Dialer{Timeout: p.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// externalHost resolves where published ports are reachable: the configured
// public host, the host of a tcp:// daemon endpoint, or localhost.
func (p *ContainerProvider) externalHost() string {
	if p.cfg.PublicHost != "" {
		return p.cfg.PublicHost
	}
	return HostFromDaemon(p.compute.DaemonHost())
}

// resolve layers provider defaults, the provider row's config and the profile's overrides.
func (p *ContainerProvider) resolve(profile domain.ResourceProfile) domain.ProviderConfig {
	out := mergeConfig(p.cfg.Defaults, profile.Provider.Config)
	return mergeConfig(out, profile.Config)
}

func (p *ContainerProvider) prefix() string {
	return strings.ReplaceAll(strings.ToLower(p.cfg.Code), "_", "-")
}

func mergeConfig(base, over domain.ProviderConfig) domain.ProviderConfig {
	if over.Image != "" {
		base.Image = over.Image
	}
	if over.ControlPort != 0 {
		base.ControlPort = over.ControlPort
	}
	if over.ViewerPort != 0 {
		base.ViewerPort = over.ViewerPort
	}
	if over.ControlPath != "" {
		base.ControlPath = over.ControlPath
	}
	if over.HealthPath != "" {
		base.HealthPath = over.HealthPath
	}
	if over.ShmSizeBytes != 0 {
		base.ShmSizeBytes = over.ShmSizeBytes
	}
	if over.Resolution != "" {
		base.Resolution = over.Resolution
	}
	if over.SessionReuse != nil {
		base.SessionReuse = over.SessionReuse
	}
	if len(over.Env) > 0 {
		env := make(map[string]string, len(base.Env)+len(over.Env))
		for k, v := range base.Env {
			env[k] = v
		}
		for k, v := range over.Env {
			env[k] = v
		}
		base.Env = env
	}
	return base
}

// ContainerName builds a DNS-safe unique name from the account, trace and time.
func ContainerName(prefix, account, traceID string, now time.Time) string {
	suffix := traceID
	if len(suffix) > 6 {
		suffix = suffix[len(suffix)-6:]
	}
	return fmt.Sprintf("%s-%s-%s-%d", prefix, safeName(account), safeName(suffix), now.Unix())
}

func safeName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "x"
	}
	return b.String()
}

// HostFromDaemon extracts the host of a tcp:// daemon endpoint, else localhost.
func HostFromDaemon(daemon string) string {
	u, err := url.Parse(daemon)
	if err != nil || u.Scheme != "tcp" || u.Hostname() == "" {
		return "localhost"
	}
	return u.Hostname()
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
