package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/publishing-worker/internal/domain"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunnerClient_Upload(t *testing.T) {
	var got uploadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/uploads", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"status":"success","external_id":"abc"}`))
	}))
	defer srv.Close()

	c := NewRunnerClient(srv.URL+"/", domain.PlatformYouTube, time.Second, discard())
	res, err := c.Upload(context.Background(), "/tmp/7/clip.mp4", Metadata{"title": "hi"},
		&domain.Session{ProviderCode: domain.ProviderNoVNC, Ref: "c1", ControlURL: "http://h:1/wd/hub"})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "abc", res.ExternalID)
	assert.Equal(t, "http://h:1/wd/hub", got.ControlURL)
	assert.Equal(t, "hi", got.Metadata["title"])
	assert.Equal(t, domain.PlatformYouTube, got.Platform)
}

func TestRunnerClient_Failures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   Status
		errMsg string
	}{
		{name: "reported failure", status: 200, body: `{"status":"failed","error":"429 too many requests"}`, want: StatusFailed},
		{name: "skipped", status: 200, body: `{"status":"skipped"}`, want: StatusSkipped},
		{name: "http error", status: 502, body: "bad gateway", errMsg: "runner returned 502"},
		{name: "bad json", status: 200, body: "nope", errMsg: "decode"},
		{name: "unknown status", status: 200, body: `{"status":"maybe"}`, errMsg: "unknown upload status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewRunnerClient(srv.URL, domain.PlatformTikTok, time.Second, discard())
			res, err := c.Upload(context.Background(), "/x", nil, &domain.Session{})
			if tt.errMsg != "" {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrPublisher))
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Status)
		})
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRunnerRegistry("http://runner", time.Second, discard(), domain.PlatformInstagram)
	_, err := reg.Get(domain.PlatformInstagram)
	assert.NoError(t, err)

	_, err = reg.Get(domain.PlatformYouTube)
	assert.True(t, errors.Is(err, ErrNoPublisher))

	_, err = NewRunnerClient("http://runner", "x", time.Second, discard()).Upload(context.Background(), "/x", nil, nil)
	assert.True(t, errors.Is(err, ErrPublisher))
}
