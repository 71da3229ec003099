package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cuongbtq/publishing-worker/internal/domain"
)

// RunnerClient hands uploads to an automation runner over HTTP. The runner
// drives the browser at the session's control URL.
type RunnerClient struct {
	baseURL    string
	platform   string
	httpClient *http.Client
	logger     *slog.Logger
}

type uploadRequest struct {
	Platform     string   `json:"platform"`
	LocalPath    string   `json:"local_path"`
	Metadata     Metadata `json:"metadata"`
	ControlURL   string   `json:"control_url"`
	ViewerURL    string   `json:"viewer_url,omitempty"`
	ProviderCode string   `json:"provider"`
	SessionRef   string   `json:"session_ref"`
	AccountName  string   `json:"account_name,omitempty"`
}

// NewRunnerClient creates a runner-backed publisher for one platform.
func NewRunnerClient(baseURL, platform string, timeout time.Duration, logger *slog.Logger) *RunnerClient {
	return &RunnerClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		platform:   platform,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// NewRunnerRegistry registers a runner client for every platform.
func NewRunnerRegistry(baseURL string, timeout time.Duration, logger *slog.Logger, platforms ...string) Registry {
	reg := make(Registry, len(platforms))
	for _, p := range platforms {
		reg[p] = NewRunnerClient(baseURL, p, timeout, logger)
	}
	return reg
}

func (c *RunnerClient) Upload(ctx context.Context, localPath string, meta Metadata, session *domain.Session) (Result, error) {
	if session == nil {
		return Result{}, &Error{Platform: c.platform, Err: fmt.Errorf("no session")}
	}

	body, err := json.Marshal(uploadRequest{
		Platform:     c.platform,
		LocalPath:    localPath,
		Metadata:     meta,
		ControlURL:   session.ControlURL,
		ViewerURL:    session.ViewerURL,
		ProviderCode: session.ProviderCode,
		SessionRef:   session.Ref,
		AccountName:  session.AccountName,
	})
	if err != nil {
		return Result{}, &Error{Platform: c.platform, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/uploads", bytes.NewReader(body))
	if err != nil {
		return Result{}, &Error{Platform: c.platform, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, &Error{Platform: c.platform, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, &Error{Platform: c.platform, Err: err}
	}

	// The runner reports automation failures as 200 with status=failed.
	if resp.StatusCode >= 300 {
		return Result{}, &Error{Platform: c.platform,
			Err: fmt.Errorf("runner returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))}
	}

	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return Result{}, &Error{Platform: c.platform, Err: fmt.Errorf("failed to decode runner response: %w", err)}
	}
	switch res.Status {
	case StatusSuccess, StatusSkipped, StatusFailed:
	default:
		return Result{}, &Error{Platform: c.platform, Err: fmt.Errorf("unknown upload status %q", res.Status)}
	}

	c.logger.Debug("Runner upload finished",
		slog.String("platform", c.platform),
		slog.String("status", string(res.Status)),
		slog.String("session_ref", session.Ref),
	)
	return res, nil
}
