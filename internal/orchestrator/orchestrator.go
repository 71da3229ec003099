// Package orchestrator drives due posts through admission, allocation,
// materialization and upload.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/publishing-worker/internal/allocator"
	"github.com/cuongbtq/publishing-worker/internal/domain"
	"github.com/cuongbtq/publishing-worker/internal/metrics"
	"github.com/cuongbtq/publishing-worker/internal/publisher"
)

// Store is the part of the job store the orchestrator uses.
type Store interface {
	FetchDue(ctx context.Context, limit int, now time.Time) ([]domain.Post, error)
	GetPost(ctx context.Context, postID int64) (*domain.Post, error)
	// ClaimPost moves a PENDING or SCHEDULED post to RUNNING, failing with
	// domain.ErrAlreadyClaimed when another worker got there first.
	ClaimPost(ctx context.Context, postID int64) error
	UpdateStatus(ctx context.Context, postID int64, upd domain.StatusUpdate) error
	RecordAllocation(ctx context.Context, jobID int64, session *domain.Session) error
	StaleRunning(ctx context.Context, before time.Time) ([]domain.Post, error)
	QuotaGroupIDs(ctx context.Context) ([]int64, error)
}

// Quota gates job starts per quota group.
type Quota interface {
	CanAdmit(ctx context.Context, groupID int64) (bool, error)
	OnStart(ctx context.Context, groupID int64) error
	OnFinish(ctx context.Context, groupID int64) error
	Reconcile(ctx context.Context, groupID int64) (int, error)
}

// Allocator hands out browser sessions.
type Allocator interface {
	Allocate(ctx context.Context, req allocator.Request) (*domain.Session, error)
	TopProvider(ctx context.Context, accountID int64) (domain.ResourceProvider, error)
	Release(ctx context.Context, session *domain.Session, traceID string)
}

// Materializer places assets on local disk for the duration of a job.
type Materializer interface {
	Materialize(ctx context.Context, jobID, assetID int64) (string, error)
	Scope(jobID int64, fn func() error) error
}

// Events records run events.
type Events interface {
	Started(ctx context.Context, post *domain.Post, old domain.Status) error
	Completed(ctx context.Context, post *domain.Post, externalID string, skipped bool) error
	Failed(ctx context.Context, post *domain.Post, old domain.Status, code, message string) error
	ProviderError(ctx context.Context, post *domain.Post, providerCode, code, message string, attempt int) error
	QuotaReconciled(ctx context.Context, jobID, groupID int64, running int) error
}

// Outcome is how one post ended in a cycle.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
	OutcomeDeferred  Outcome = "deferred"
)

// Stats summarizes one ProcessPending cycle.
type Stats struct {
	Fetched   int
	Succeeded int
	Skipped   int
	Failed    int
	Deferred  int
}

func (s *Stats) add(o Outcome) {
	switch o {
	case OutcomeSucceeded:
		s.Succeeded++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeFailed:
		s.Failed++
	case OutcomeDeferred:
		s.Deferred++
	}
}

// Config tunes execution.
type Config struct {
	// MaxAttempts bounds provider fallbacks during one upload.
	MaxAttempts       int
	ErrorMessageLimit int
	StaleRunningAfter time.Duration
}

// Orchestrator executes due posts.
type Orchestrator struct {
	cfg          Config
	store        Store
	quota        Quota
	allocator    Allocator
	materializer Materializer
	publishers   publisher.Registry
	events       Events
	logger       *slog.Logger
	now          func() time.Time
}

// New creates an orchestrator.
func New(cfg Config, store Store, quota Quota, alloc Allocator, mat Materializer,
	publishers publisher.Registry, events Events, logger *slog.Logger) *Orchestrator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.ErrorMessageLimit <= 0 {
		cfg.ErrorMessageLimit = 500
	}
	return &Orchestrator{
		cfg:          cfg,
		store:        store,
		quota:        quota,
		allocator:    alloc,
		materializer: mat,
		publishers:   publishers,
		events:       events,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// ProcessPending runs one cycle over at most limit due posts. Per-post
// failures are recorded on the posts; only infrastructure errors are returned.
func (o *Orchestrator) ProcessPending(ctx context.Context, limit int) (Stats, error) {
	var stats Stats

	posts, err := o.store.FetchDue(ctx, limit, o.now())
	if err != nil {
		return stats, fmt.Errorf("failed to fetch due posts: %w", err)
	}
	stats.Fetched = len(posts)
	if len(posts) == 0 {
		o.logger.Debug("No due posts")
		return stats, nil
	}

	o.logger.Info("Processing due posts", slog.Int("count", len(posts)))

	for _, group := range groupByAccount(posts) {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := o.processAccount(ctx, group, &stats); err != nil {
			return stats, err
		}
	}

	o.logger.Info("Cycle finished",
		slog.Int("fetched", stats.Fetched),
		slog.Int("succeeded", stats.Succeeded),
		slog.Int("skipped", stats.Skipped),
		slog.Int("failed", stats.Failed),
		slog.Int("deferred", stats.Deferred),
	)
	return stats, nil
}

// groupByAccount keeps fetch order both across and within accounts.
func groupByAccount(posts []domain.Post) [][]domain.Post {
	index := make(map[int64]int)
	var groups [][]domain.Post
	for _, p := range posts {
		i, ok := index[p.AccountID]
		if !ok {
			i = len(groups)
			index[p.AccountID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], p)
	}
	return groups
}

func (o *Orchestrator) processAccount(ctx context.Context, posts []domain.Post, stats *Stats) error {
	first := posts[0]
	log := o.logger.With(slog.Int64("account_id", first.AccountID), slog.String("account", first.AccountName))

	if first.QuotaGroupID != nil {
		ok, err := o.quota.CanAdmit(ctx, *first.QuotaGroupID)
		if err != nil {
			return err
		}
		if !ok {
			o.deferPosts(log, posts, stats)
			return nil
		}
	}

	session, err := o.sharedSession(ctx, &first, log)
	if err != nil {
		return err
	}
	var shared *SharedSession
	if session != nil {
		shared = &SharedSession{Session: session, traceID: first.TraceID}
		defer o.releaseShared(context.WithoutCancel(ctx), shared)
	}

	for i := range posts {
		post := &posts[i]
		if post.QuotaGroupID != nil && i > 0 {
			ok, err := o.quota.CanAdmit(ctx, *post.QuotaGroupID)
			if err != nil {
				return err
			}
			if !ok {
				o.deferPosts(log, posts[i:], stats)
				return nil
			}
		}

		outcome, err := o.runAdmitted(ctx, post, shared)
		if err != nil {
			return err
		}
		stats.add(outcome)
	}
	return nil
}

func (o *Orchestrator) deferPosts(log *slog.Logger, posts []domain.Post, stats *Stats) {
	log.Info("Quota exhausted, deferring posts", slog.Int("count", len(posts)))
	stats.Deferred += len(posts)
	metrics.QuotaDeferrals.Add(float64(len(posts)))
	metrics.JobsProcessed.WithLabelValues(string(OutcomeDeferred)).Add(float64(len(posts)))
}

// sharedSession allocates one session for the whole account batch when the
// account's first-choice provider allows reuse. Provider exhaustion falls
// back to per-post allocation.
func (o *Orchestrator) sharedSession(ctx context.Context, first *domain.Post, log *slog.Logger) (*domain.Session, error) {
	top, err := o.allocator.TopProvider(ctx, first.AccountID)
	if errors.Is(err, allocator.ErrNoProfiles) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !top.Config.ReusesSessions() {
		return nil, nil
	}

	session, err := o.allocator.Allocate(ctx, allocator.Request{
		AccountID: first.AccountID,
		JobID:     first.JobID,
		PostID:    &first.ID,
		TraceID:   first.TraceID,
	})
	if errors.Is(err, allocator.ErrAllProvidersExhausted) {
		log.Warn("Shared session unavailable, allocating per post", slog.Any("error", err))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	log.Info("Shared session allocated",
		slog.String("provider", session.ProviderCode),
		slog.String("session_ref", session.Ref),
	)
	return session, nil
}

// SharedSession is one session reused by the posts of an account batch. Once
// its provider reports exhaustion the session is released, and the provider is
// excluded for the rest of the batch.
type SharedSession struct {
	Session *domain.Session
	traceID string
	exclude []string
}

func (s *SharedSession) current() *domain.Session {
	if s == nil {
		return nil
	}
	return s.Session
}

func (s *SharedSession) excluded() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.exclude...)
}

// dropShared releases an exhausted shared session.
func (o *Orchestrator) dropShared(ctx context.Context, shared *SharedSession, log *slog.Logger) {
	code := shared.Session.ProviderCode
	log.Warn("Dropping shared session after provider exhaustion",
		slog.String("provider", code),
		slog.String("session_ref", shared.Session.Ref),
	)
	o.releaseShared(ctx, shared)
	shared.exclude = append(shared.exclude, code)
}

func (o *Orchestrator) releaseShared(ctx context.Context, shared *SharedSession) {
	if shared.Session == nil {
		return
	}
	o.allocator.Release(ctx, shared.Session, shared.traceID)
	shared.Session = nil
}

// runAdmitted holds a concurrency slot for the duration of Execute.
func (o *Orchestrator) runAdmitted(ctx context.Context, post *domain.Post, shared *SharedSession) (Outcome, error) {
	if post.QuotaGroupID != nil {
		groupID := *post.QuotaGroupID
		if err := o.quota.OnStart(ctx, groupID); err != nil {
			return "", err
		}
		defer func() {
			if err := o.quota.OnFinish(context.WithoutCancel(ctx), groupID); err != nil {
				o.logger.Error("Failed to release quota slot",
					slog.Int64("quota_group_id", groupID),
					slog.Int64("post_id", post.ID),
					slog.Any("error", err),
				)
			}
		}()
	}
	return o.Execute(ctx, post, shared)
}

// RunOne executes a single post outside the batch, honouring quota.
func (o *Orchestrator) RunOne(ctx context.Context, postID int64) (Outcome, error) {
	post, err := o.store.GetPost(ctx, postID)
	if err != nil {
		return "", err
	}
	if post.Status.Terminal() {
		return "", fmt.Errorf("post %d is %s: %w", postID, post.Status, domain.ErrTerminalStatus)
	}
	if post.Status == domain.StatusRunning {
		return "", fmt.Errorf("post %d is already running", postID)
	}

	if post.QuotaGroupID != nil {
		ok, err := o.quota.CanAdmit(ctx, *post.QuotaGroupID)
		if err != nil {
			return "", err
		}
		if !ok {
			metrics.QuotaDeferrals.Inc()
			return OutcomeDeferred, nil
		}
	}
	return o.runAdmitted(ctx, post, nil)
}
