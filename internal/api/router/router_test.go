package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/publishing-worker/internal/api/dto"
	"github.com/cuongbtq/publishing-worker/internal/api/handler"
	"github.com/cuongbtq/publishing-worker/internal/domain"
	"github.com/cuongbtq/publishing-worker/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var created = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	jobs      map[int64]*domain.Job
	list      []domain.Job
	events    []domain.RunEvent
	groups    map[int64]*domain.QuotaGroup
	filter    storage.JobFilter
	newJob    domain.NewJob
	createErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:   map[int64]*domain.Job{},
		groups: map[int64]*domain.QuotaGroup{},
	}
}

func (s *fakeStore) CreateJob(_ context.Context, nj domain.NewJob) (*domain.Job, int64, error) {
	if s.createErr != nil {
		return nil, 0, s.createErr
	}
	s.newJob = nj
	status := domain.StatusPending
	if nj.ScheduledAt != nil {
		status = domain.StatusScheduled
	}
	job := &domain.Job{
		ID: 10, AccountID: nj.AccountID, Platform: nj.Platform, Status: status,
		ScheduledAt: nj.ScheduledAt, TraceID: nj.TraceID, CreatedAt: created, UpdatedAt: created,
	}
	s.jobs[job.ID] = job
	return job, 20, nil
}

func (s *fakeStore) GetJob(_ context.Context, id int64) (*domain.Job, error) {
	if job, ok := s.jobs[id]; ok {
		return job, nil
	}
	return nil, domain.ErrJobNotFound
}

func (s *fakeStore) ListJobs(_ context.Context, f storage.JobFilter) ([]domain.Job, error) {
	s.filter = f
	return s.list, nil
}

func (s *fakeStore) ListEvents(_ context.Context, _, afterID int64, limit int) ([]domain.RunEvent, error) {
	var out []domain.RunEvent
	for _, ev := range s.events {
		if ev.ID > afterID && len(out) < limit {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *fakeStore) GetQuotaGroup(_ context.Context, id int64) (*domain.QuotaGroup, error) {
	if g, ok := s.groups[id]; ok {
		return g, nil
	}
	return nil, domain.ErrQuotaGroupNotFound
}

type fakeEvents struct {
	scheduled []int64
}

func (e *fakeEvents) Scheduled(_ context.Context, job *domain.Job, _ int64) error {
	e.scheduled = append(e.scheduled, job.ID)
	return nil
}

type fakeWake struct {
	bodies [][]byte
	err    error
}

func (w *fakeWake) Publish(_ context.Context, body []byte, _ string) error {
	w.bodies = append(w.bodies, body)
	return w.err
}

type fakeQuota struct {
	running int
	err     error
}

func (q *fakeQuota) Reconcile(context.Context, int64) (int, error) {
	return q.running, q.err
}

type fakeHealth struct{ err error }

func (h fakeHealth) HealthCheck(context.Context) error { return h.err }

type testAPI struct {
	router *gin.Engine
	store  *fakeStore
	events *fakeEvents
	wake   *fakeWake
	quota  *fakeQuota
}

func newTestAPI(health handler.HealthChecker) *testAPI {
	api := &testAPI{
		store:  newFakeStore(),
		events: &fakeEvents{},
		wake:   &fakeWake{},
		quota:  &fakeQuota{running: 2},
	}
	api.router = SetupRouter(&handler.Dependencies{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:  api.store,
		Events: api.events,
		Wake:   api.wake,
		Quota:  api.quota,
		Health: health,
	})
	return api
}

func (a *testAPI) do(method, path string, body any) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func TestCreateJob(t *testing.T) {
	api := newTestAPI(nil)

	rec := api.do(http.MethodPost, "/api/v1/jobs", map[string]any{
		"account_id":  3,
		"platform":    "youtube",
		"asset_id":    4,
		"title":       "Launch day",
		"description": "Teaser",
		"tags":        []string{"launch"},
	})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp dto.CreateJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(10), resp.Job.ID)
	assert.Equal(t, int64(20), resp.PostID)
	assert.Equal(t, "PENDING", resp.Job.Status)
	assert.NotEmpty(t, resp.Job.TraceID)

	assert.Equal(t, "Launch day", api.store.newJob.Content.Title)
	assert.Equal(t, []string{"launch"}, api.store.newJob.Content.Tags)
	assert.Equal(t, []int64{10}, api.events.scheduled)

	require.Len(t, api.wake.bodies, 1)
	var wake domain.WakeUp
	require.NoError(t, json.Unmarshal(api.wake.bodies[0], &wake))
	assert.Equal(t, int64(10), wake.JobID)
	assert.Equal(t, resp.Job.TraceID, wake.TraceID)
}

func TestCreateJob_Scheduled(t *testing.T) {
	api := newTestAPI(nil)
	api.wake.err = errors.New("broker down")

	rec := api.do(http.MethodPost, "/api/v1/jobs", map[string]any{
		"account_id":   3,
		"platform":     "tiktok",
		"asset_id":     4,
		"scheduled_at": "2026-05-01T09:00:00Z",
	})

	require.Equal(t, http.StatusCreated, rec.Code, "wake-up failures must not fail the request")
	var resp dto.CreateJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "SCHEDULED", resp.Job.Status)
	require.NotNil(t, resp.Job.ScheduledAt)
	assert.Equal(t, "2026-05-01T09:00:00Z", *resp.Job.ScheduledAt)
}

func TestCreateJob_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
	}{
		{"unknown platform", map[string]any{"account_id": 1, "platform": "myspace", "asset_id": 1}},
		{"missing account", map[string]any{"platform": "tiktok", "asset_id": 1}},
		{"negative asset", map[string]any{"account_id": 1, "platform": "tiktok", "asset_id": -2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI(nil)
			rec := api.do(http.MethodPost, "/api/v1/jobs", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, api.events.scheduled)
		})
	}
}

func TestCreateJob_StoreErrors(t *testing.T) {
	api := newTestAPI(nil)
	body := map[string]any{"account_id": 1, "platform": "instagram", "asset_id": 999}

	api.store.createErr = domain.ErrInvalidReference
	assert.Equal(t, http.StatusUnprocessableEntity, api.do(http.MethodPost, "/api/v1/jobs", body).Code)

	api.store.createErr = errors.New("connection refused")
	assert.Equal(t, http.StatusInternalServerError, api.do(http.MethodPost, "/api/v1/jobs", body).Code)
	assert.Empty(t, api.wake.bodies)
}

func TestGetJob(t *testing.T) {
	api := newTestAPI(nil)
	api.store.jobs[5] = &domain.Job{ID: 5, Platform: "tiktok", Status: domain.StatusFailed, RetryCount: 1,
		ErrorMessage: "Upload failed", CreatedAt: created, UpdatedAt: created}

	rec := api.do(http.MethodGet, "/api/v1/jobs/5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var job dto.JobDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, "FAILED", job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.Equal(t, "2026-04-01T12:00:00Z", job.CreatedAt)

	assert.Equal(t, http.StatusNotFound, api.do(http.MethodGet, "/api/v1/jobs/6", nil).Code)
	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodGet, "/api/v1/jobs/abc", nil).Code)
	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodGet, "/api/v1/jobs/0", nil).Code)
}

func TestListJobs_Pagination(t *testing.T) {
	api := newTestAPI(nil)
	for i := int64(3); i >= 1; i-- {
		api.store.list = append(api.store.list, domain.Job{ID: i, CreatedAt: created.Add(time.Duration(i) * time.Minute)})
	}

	rec := api.do(http.MethodGet, "/api/v1/jobs?page_size=2&account_id=3&status=FAILED", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp dto.ListJobsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Jobs, 2)
	assert.Equal(t, int64(3), resp.Jobs[0].ID)
	require.NotEmpty(t, resp.NextCursor)
	assert.Equal(t, storage.JobFilter{AccountID: 3, Status: "FAILED", PageSize: 2}, api.store.filter)

	// following the cursor hands the keyset position to storage
	api.store.list = nil
	rec = api.do(http.MethodGet, "/api/v1/jobs?page_size=2&cursor="+resp.NextCursor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, api.store.filter.Cursor)
	assert.Equal(t, int64(2), api.store.filter.Cursor.ID)
	assert.True(t, api.store.filter.Cursor.CreatedAt.Equal(created.Add(2*time.Minute)))

	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodGet, "/api/v1/jobs?cursor=%21%21", nil).Code)
}

func TestListEvents(t *testing.T) {
	api := newTestAPI(nil)
	api.store.jobs[5] = &domain.Job{ID: 5}
	for i := int64(1); i <= 3; i++ {
		api.store.events = append(api.store.events, domain.RunEvent{ID: i, JobID: 5, Type: domain.EventRunStarted})
	}

	rec := api.do(http.MethodGet, "/api/v1/jobs/5/events?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp dto.ListEventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Events, 2)
	assert.Equal(t, int64(2), resp.NextAfterID)

	rec = api.do(http.MethodGet, "/api/v1/jobs/5/events?limit=2&after_id=2", nil)
	var last dto.ListEventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &last))
	assert.Len(t, last.Events, 1)
	assert.Zero(t, last.NextAfterID)

	assert.Equal(t, http.StatusNotFound, api.do(http.MethodGet, "/api/v1/jobs/8/events", nil).Code)
}

func TestQuotaGroups(t *testing.T) {
	api := newTestAPI(nil)
	limit := 3
	api.store.groups[1] = &domain.QuotaGroup{ID: 1, Name: "agency", MaxConcurrent: &limit, CurrentConcurrent: 5}

	rec := api.do(http.MethodGet, "/api/v1/quota-groups/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var group dto.QuotaGroupDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &group))
	assert.Equal(t, "agency", group.Name)
	assert.Equal(t, 3, *group.MaxConcurrent)
	assert.Nil(t, group.MaxPerDay)

	rec = api.do(http.MethodPost, "/api/v1/quota-groups/1/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rr dto.ReconcileResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rr))
	assert.Equal(t, 2, rr.CurrentConcurrent)

	assert.Equal(t, http.StatusNotFound, api.do(http.MethodGet, "/api/v1/quota-groups/2", nil).Code)
	api.quota.err = domain.ErrQuotaGroupNotFound
	assert.Equal(t, http.StatusNotFound, api.do(http.MethodPost, "/api/v1/quota-groups/2/reconcile", nil).Code)
}

func TestHealth(t *testing.T) {
	assert.Equal(t, http.StatusOK, newTestAPI(fakeHealth{}).do(http.MethodGet, "/health", nil).Code)

	rec := newTestAPI(fakeHealth{err: errors.New("db down")}).do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "db down")
}

func TestMiddleware(t *testing.T) {
	api := newTestAPI(nil)

	rec := api.do(http.MethodOptions, "/api/v1/jobs", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "req-123")
	rec = httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get(requestIDHeader))
}

func TestMetricsEndpoint(t *testing.T) {
	rec := newTestAPI(nil).do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "publishing_jobs_scheduled_total")
}
