package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RemoteProfileAPI launches and stops named profiles on a cloud browser service.
type RemoteProfileAPI interface {
	Start(ctx context.Context, token, profileRef string) (string, error)
	Stop(ctx context.Context, token, profileRef string) error
}

// APIError is a non-2xx answer from the remote profile service.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote profile API returned %d: %s", e.StatusCode, e.Body)
}

// GoLoginClient talks to a GoLogin-compatible cloud browser API.
type GoLoginClient struct {
	baseURL string
	http    *http.Client
}

// NewGoLoginClient creates a client for baseURL, e.g. https://api.gologin.com.
func NewGoLoginClient(baseURL string, timeout time.Duration) *GoLoginClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &GoLoginClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type startResponse struct {
	RemoteOrbitaURL string `json:"remoteOrbitaUrl"`
	WSURL           string `json:"wsUrl"`
}

// Start launches the profile in the cloud and returns its control endpoint.
func (c *GoLoginClient) Start(ctx context.Context, token, profileRef string) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, profileRef, token)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var body startResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode start response: %w", err)
	}
	endpoint := body.RemoteOrbitaURL
	if endpoint == "" {
		endpoint = body.WSURL
	}
	if endpoint == "" {
		return "", fmt.Errorf("start response for profile %s has no control endpoint", profileRef)
	}
	return endpoint, nil
}

// Stop asks the service to shut the profile down.
func (c *GoLoginClient) Stop(ctx context.Context, token, profileRef string) error {
	resp, err := c.do(ctx, http.MethodDelete, profileRef, token)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *GoLoginClient) do(ctx context.Context, method, profileRef, token string) (*http.Response, error) {
	endpoint := fmt.Sprintf("%s/browser/%s/web", c.baseURL, url.PathEscape(profileRef))
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote profile API request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}
