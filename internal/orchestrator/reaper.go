package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/publishing-worker/internal/domain"
	"github.com/cuongbtq/publishing-worker/internal/metrics"
)

// Reap fails posts stuck in RUNNING past the stale threshold, then
// recomputes every quota group's concurrency from the posts actually running.
func (o *Orchestrator) Reap(ctx context.Context) (int, error) {
	if o.cfg.StaleRunningAfter <= 0 {
		return 0, nil
	}
	cutoff := o.now().Add(-o.cfg.StaleRunningAfter)

	stale, err := o.store.StaleRunning(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to find stale posts: %w", err)
	}

	// group id -> a reaped job to hang the reconcile event on
	groups := make(map[int64]int64)
	reaped := 0
	for i := range stale {
		post := &stale[i]
		msg := fmt.Sprintf("worker lost: post running since %s", startedAt(post))
		if err := o.events.Failed(ctx, post, domain.StatusRunning, domain.CodeWorkerLost, msg); err != nil {
			return reaped, err
		}
		if err := o.store.UpdateStatus(ctx, post.ID, domain.StatusUpdate{Status: domain.StatusFailed, ErrorMessage: msg}); err != nil {
			return reaped, fmt.Errorf("failed to fail stale post %d: %w", post.ID, err)
		}
		reaped++
		o.logger.Warn("Reaped stale post",
			slog.Int64("post_id", post.ID),
			slog.Int64("job_id", post.JobID),
		)
		if post.QuotaGroupID != nil {
			if _, ok := groups[*post.QuotaGroupID]; !ok {
				groups[*post.QuotaGroupID] = post.JobID
			}
		}
	}
	metrics.ReapedPosts.Add(float64(reaped))

	ids, err := o.store.QuotaGroupIDs(ctx)
	if err != nil {
		return reaped, fmt.Errorf("failed to list quota groups: %w", err)
	}
	for _, groupID := range ids {
		running, err := o.quota.Reconcile(ctx, groupID)
		if err != nil {
			return reaped, err
		}
		jobID, ok := groups[groupID]
		if !ok {
			continue
		}
		if err := o.events.QuotaReconciled(ctx, jobID, groupID, running); err != nil {
			return reaped, err
		}
	}
	return reaped, nil
}

func startedAt(p *domain.Post) string {
	if p.StartedAt == nil {
		return "unknown"
	}
	return p.StartedAt.UTC().Format("2006-01-02T15:04:05Z")
}
