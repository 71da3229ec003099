package allocator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/publishing-worker/internal/domain"
	"github.com/cuongbtq/publishing-worker/internal/provider"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *callLog) add(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, s)
}

type fakeProvider struct {
	code    string
	err     error
	log     *callLog
	stopped int
}

func (f *fakeProvider) Code() string { return f.code }

func (f *fakeProvider) StartSession(_ context.Context, p domain.ResourceProfile, _ string) (*domain.Session, error) {
	f.log.add(f.code)
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Session{ProviderCode: f.code, ProfileID: p.ID, Ref: f.code + "-session"}, nil
}

func (f *fakeProvider) StopSession(context.Context, *domain.Session, string) error {
	f.stopped++
	return nil
}

// countingProvider reports live sessions like a container provider.
type countingProvider struct {
	fakeProvider
	active   int
	countErr error
}

func (c *countingProvider) ActiveSessions(context.Context) (int, error) {
	return c.active, c.countErr
}

type fakeStore struct {
	profiles  []domain.ResourceProfile
	loadErr   error
	touched   []int64
	exhausted []int64
}

func (s *fakeStore) ActiveProfiles(context.Context, int64) ([]domain.ResourceProfile, error) {
	return s.profiles, s.loadErr
}

func (s *fakeStore) TouchProfile(_ context.Context, id int64, _ time.Time) error {
	s.touched = append(s.touched, id)
	return nil
}

func (s *fakeStore) MarkProfileExhausted(_ context.Context, id int64) error {
	s.exhausted = append(s.exhausted, id)
	return nil
}

type fakeEvents struct {
	events []domain.RunEvent
}

func (e *fakeEvents) Record(_ context.Context, ev domain.RunEvent) error {
	e.events = append(e.events, ev)
	return nil
}

func (e *fakeEvents) types() []string {
	out := make([]string, 0, len(e.events))
	for _, ev := range e.events {
		out = append(out, ev.Type)
	}
	return out
}

func profile(id int64, providerID int64, code string, kind domain.ProviderKind) domain.ResourceProfile {
	return domain.ResourceProfile{
		ID:         id,
		ProviderID: providerID,
		AccountID:  1,
		ProfileRef: code + "-ref",
		Status:     domain.ProfileActive,
		Provider:   domain.ResourceProvider{ID: providerID, Code: code, Kind: kind, IsActive: true},
	}
}

func intPtr(v int) *int { return &v }

func newTestAllocator(t *testing.T, store *fakeStore, events *fakeEvents, providers ...provider.Provider) *Allocator {
	t.Helper()
	reg, err := provider.NewRegistry(providers...)
	require.NoError(t, err)
	return New(reg, nil, store, events, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAllocate_FallsBackOnRateLimit(t *testing.T) {
	calls := &callLog{}
	gologin := &fakeProvider{code: domain.ProviderGoLogin, log: calls,
		err: provider.NewError(provider.KindRateLimited, domain.ProviderGoLogin, "429 too many requests", nil)}
	aws := &countingProvider{fakeProvider: fakeProvider{code: domain.ProviderNoVNCAWS, log: calls}}

	// container profile listed first to prove ordering comes from priority
	store := &fakeStore{profiles: []domain.ResourceProfile{
		profile(2, 20, domain.ProviderNoVNCAWS, domain.KindContainerVNC),
		profile(1, 10, domain.ProviderGoLogin, domain.KindAntidetect),
	}}
	events := &fakeEvents{}
	alloc := newTestAllocator(t, store, events, gologin, aws)

	session, err := alloc.Allocate(context.Background(), Request{AccountID: 1, JobID: 7, TraceID: "t"})
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderNoVNCAWS, session.ProviderCode)
	assert.Equal(t, []string{domain.ProviderGoLogin, domain.ProviderNoVNCAWS}, calls.calls)
	assert.Equal(t, []int64{2}, store.touched)
	assert.Equal(t, []string{domain.EventProviderError, domain.EventProviderAllocated}, events.types())
	assert.Equal(t, domain.CodeProviderRateLimited, events.events[0].ErrorCode)
	assert.Equal(t, int64(7), events.events[0].JobID)
}

func TestAllocate_StopsAtFirstSuccess(t *testing.T) {
	calls := &callLog{}
	gologin := &fakeProvider{code: domain.ProviderGoLogin, log: calls}
	aws := &fakeProvider{code: domain.ProviderNoVNCAWS, log: calls}
	store := &fakeStore{profiles: []domain.ResourceProfile{
		profile(1, 10, domain.ProviderGoLogin, domain.KindAntidetect),
		profile(2, 20, domain.ProviderNoVNCAWS, domain.KindContainerVNC),
	}}
	alloc := newTestAllocator(t, store, &fakeEvents{}, gologin, aws)

	session, err := alloc.Allocate(context.Background(), Request{AccountID: 1})
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderGoLogin, session.ProviderCode)
	assert.Equal(t, []string{domain.ProviderGoLogin}, calls.calls)
}

func TestAllocate_AllProvidersExhausted(t *testing.T) {
	calls := &callLog{}
	lastErr := provider.NewError(provider.KindTimeout, domain.ProviderNoVNCAWS, "timed out", nil)
	gologin := &fakeProvider{code: domain.ProviderGoLogin, log: calls,
		err: provider.NewError(provider.KindProfileBanned, domain.ProviderGoLogin, "banned", nil)}
	aws := &countingProvider{fakeProvider: fakeProvider{code: domain.ProviderNoVNCAWS, log: calls, err: lastErr}}

	awsProfile := profile(2, 20, domain.ProviderNoVNCAWS, domain.KindContainerVNC)
	awsProfile.Provider.MaxConcurrentSessions = intPtr(2)
	store := &fakeStore{profiles: []domain.ResourceProfile{
		profile(1, 10, domain.ProviderGoLogin, domain.KindAntidetect),
		awsProfile,
	}}
	alloc := newTestAllocator(t, store, &fakeEvents{}, gologin, aws)

	_, err := alloc.Allocate(context.Background(), Request{AccountID: 1, JobID: 8})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAllProvidersExhausted))
	assert.True(t, errors.Is(err, provider.ErrTimeout), "carries the last error")

	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Len(t, exhausted.Attempts, 2)
	assert.Equal(t, []int64{1}, store.exhausted, "banned profile is marked exhausted")
	assert.Empty(t, store.touched)
	assert.Equal(t, []string{domain.ProviderGoLogin, domain.ProviderNoVNCAWS}, calls.calls, "each candidate tried once, in priority order")
	assert.Zero(t, gologin.stopped+aws.stopped, "nothing to release after failed starts")
}

func TestAllocate_SkipsThrottledContainerProvider(t *testing.T) {
	calls := &callLog{}
	aws := &countingProvider{fakeProvider: fakeProvider{code: domain.ProviderNoVNCAWS, log: calls}, active: 3}
	headless := &countingProvider{fakeProvider: fakeProvider{code: domain.ProviderRemoteHeadless, log: calls}}

	awsProfile := profile(2, 20, domain.ProviderNoVNCAWS, domain.KindContainerVNC)
	awsProfile.Provider.MaxConcurrentSessions = intPtr(3)
	store := &fakeStore{profiles: []domain.ResourceProfile{
		awsProfile,
		profile(3, 30, domain.ProviderRemoteHeadless, domain.KindContainerHeadless),
	}}
	events := &fakeEvents{}
	alloc := newTestAllocator(t, store, events, aws, headless)

	session, err := alloc.Allocate(context.Background(), Request{AccountID: 1, JobID: 9})
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderRemoteHeadless, session.ProviderCode)
	assert.Equal(t, []string{domain.ProviderRemoteHeadless}, calls.calls)
	assert.Equal(t, []string{domain.EventProviderThrottled, domain.EventProviderAllocated}, events.types())
}

func TestAllocate_CountFailureIsThrottle(t *testing.T) {
	calls := &callLog{}
	aws := &countingProvider{fakeProvider: fakeProvider{code: domain.ProviderNoVNCAWS, log: calls},
		countErr: errors.New("daemon down")}
	awsProfile := profile(2, 20, domain.ProviderNoVNCAWS, domain.KindContainerVNC)
	awsProfile.Provider.MaxConcurrentSessions = intPtr(5)
	alloc := newTestAllocator(t, &fakeStore{profiles: []domain.ResourceProfile{awsProfile}}, &fakeEvents{}, aws)

	_, err := alloc.Allocate(context.Background(), Request{AccountID: 1})
	assert.True(t, errors.Is(err, ErrAllProvidersExhausted))
	assert.Empty(t, calls.calls)
}

func TestAllocate_ExcludeAndDedupe(t *testing.T) {
	calls := &callLog{}
	gologin := &fakeProvider{code: domain.ProviderGoLogin, log: calls}
	novnc := &fakeProvider{code: domain.ProviderNoVNC, log: calls}

	second := profile(4, 40, domain.ProviderNoVNC, domain.KindContainerVNC)
	store := &fakeStore{profiles: []domain.ResourceProfile{
		profile(1, 10, domain.ProviderGoLogin, domain.KindAntidetect),
		profile(3, 40, domain.ProviderNoVNC, domain.KindContainerVNC),
		second,
	}}
	alloc := newTestAllocator(t, store, &fakeEvents{}, gologin, novnc)

	session, err := alloc.Allocate(context.Background(), Request{AccountID: 1, Exclude: []string{domain.ProviderGoLogin}})
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderNoVNC, session.ProviderCode)
	assert.Equal(t, int64(3), session.ProfileID, "first profile of a provider wins")
	assert.Equal(t, []string{domain.ProviderNoVNC}, calls.calls)
}

func TestAllocate_NonProviderErrorPropagates(t *testing.T) {
	calls := &callLog{}
	gologin := &fakeProvider{code: domain.ProviderGoLogin, log: calls, err: context.Canceled}
	aws := &fakeProvider{code: domain.ProviderNoVNCAWS, log: calls}
	store := &fakeStore{profiles: []domain.ResourceProfile{
		profile(1, 10, domain.ProviderGoLogin, domain.KindAntidetect),
		profile(2, 20, domain.ProviderNoVNCAWS, domain.KindContainerVNC),
	}}
	alloc := newTestAllocator(t, store, &fakeEvents{}, gologin, aws)

	_, err := alloc.Allocate(context.Background(), Request{AccountID: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, errors.Is(err, ErrAllProvidersExhausted))
	assert.Equal(t, []string{domain.ProviderGoLogin}, calls.calls)
}

func TestAllocate_NoProfiles(t *testing.T) {
	alloc := newTestAllocator(t, &fakeStore{}, &fakeEvents{})
	_, err := alloc.Allocate(context.Background(), Request{AccountID: 1})
	assert.True(t, errors.Is(err, ErrAllProvidersExhausted))
	assert.True(t, errors.Is(err, ErrNoProfiles))

	_, err = alloc.TopProvider(context.Background(), 1)
	assert.True(t, errors.Is(err, ErrNoProfiles))
}

func TestAllocate_StoreErrorPropagates(t *testing.T) {
	alloc := newTestAllocator(t, &fakeStore{loadErr: errors.New("db down")}, &fakeEvents{})
	_, err := alloc.Allocate(context.Background(), Request{AccountID: 1})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrAllProvidersExhausted))
}

func TestTopProviderAndRelease(t *testing.T) {
	calls := &callLog{}
	gologin := &fakeProvider{code: domain.ProviderGoLogin, log: calls}
	store := &fakeStore{profiles: []domain.ResourceProfile{
		profile(2, 20, domain.ProviderNoVNC, domain.KindContainerVNC),
		profile(1, 10, domain.ProviderGoLogin, domain.KindAntidetect),
	}}
	alloc := newTestAllocator(t, store, &fakeEvents{}, gologin)

	top, err := alloc.TopProvider(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderGoLogin, top.Code)

	alloc.Release(context.Background(), &domain.Session{ProviderCode: domain.ProviderGoLogin}, "t")
	alloc.Release(context.Background(), &domain.Session{ProviderCode: "UNKNOWN"}, "t")
	alloc.Release(context.Background(), nil, "t")
	assert.Equal(t, 1, gologin.stopped)
}
