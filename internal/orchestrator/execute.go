package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/publishing-worker/internal/allocator"
	"github.com/cuongbtq/publishing-worker/internal/domain"
	"github.com/cuongbtq/publishing-worker/internal/metrics"
	"github.com/cuongbtq/publishing-worker/internal/provider"
	"github.com/cuongbtq/publishing-worker/internal/publisher"
)

const skippedMessage = "Skipped (already uploaded)"

// Execute claims one admitted post and runs it to a terminal status. A post
// claimed by another worker is left alone and reported as skipped. The returned
// error is non-nil only for infrastructure failures; everything else lands on
// the post. shared may be nil.
func (o *Orchestrator) Execute(ctx context.Context, post *domain.Post, shared *SharedSession) (Outcome, error) {
	log := o.logger.With(
		slog.Int64("job_id", post.JobID),
		slog.Int64("post_id", post.ID),
		slog.String("platform", post.Platform),
		slog.String("trace_id", post.TraceID),
	)

	old := post.Status
	if err := o.store.ClaimPost(ctx, post.ID); err != nil {
		if errors.Is(err, domain.ErrAlreadyClaimed) || errors.Is(err, domain.ErrTerminalStatus) {
			log.Info("Post claimed by another worker, skipping", slog.Any("error", err))
			return OutcomeSkipped, nil
		}
		return "", fmt.Errorf("failed to claim post %d: %w", post.ID, err)
	}
	post.Status = domain.StatusRunning
	if err := o.events.Started(ctx, post, old); err != nil {
		return "", err
	}
	log.Info("Post started", slog.String("previous_status", string(old)))

	var outcome Outcome
	err := o.materializer.Scope(post.JobID, func() error {
		var err error
		outcome, err = o.publish(ctx, post, shared, log)
		return err
	})
	if err != nil {
		return "", err
	}

	metrics.JobsProcessed.WithLabelValues(string(outcome)).Inc()
	return outcome, nil
}

func (o *Orchestrator) publish(ctx context.Context, post *domain.Post, shared *SharedSession, log *slog.Logger) (Outcome, error) {
	path, err := o.materializer.Materialize(ctx, post.JobID, post.AssetID)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return o.fail(ctx, post, domain.CodeMaterializationFailed, err.Error(), log)
	}

	pub, err := o.publishers.Get(post.Platform)
	if err != nil {
		return o.fail(ctx, post, domain.CodeNoPublisher, err.Error(), log)
	}
	meta := BuildPayload(post)

	session := shared.current()
	exclude := shared.excluded()
	for attempt := 1; ; attempt++ {
		owned := false
		if session == nil {
			session, err = o.allocator.Allocate(ctx, allocator.Request{
				AccountID: post.AccountID,
				JobID:     post.JobID,
				PostID:    &post.ID,
				TraceID:   post.TraceID,
				Exclude:   exclude,
			})
			if errors.Is(err, allocator.ErrAllProvidersExhausted) {
				return o.fail(ctx, post, domain.CodeNoProviderAvailable, err.Error(), log)
			}
			if err != nil {
				return "", err
			}
			owned = true
		}

		res, uploadErr := o.upload(ctx, pub, path, meta, post, session, owned)
		if uploadErr != nil && !errors.Is(uploadErr, publisher.ErrPublisher) {
			return "", uploadErr
		}

		if uploadErr == nil {
			switch res.Status {
			case publisher.StatusSuccess:
				return o.succeed(ctx, post, res.ExternalID, false, log)
			case publisher.StatusSkipped:
				return o.succeed(ctx, post, res.ExternalID, true, log)
			}
		}

		msg := res.Error
		if uploadErr != nil {
			msg = uploadErr.Error()
		}
		if msg == "" {
			msg = "unknown error"
		}

		kind := provider.ClassifyMessage(msg)
		if !provider.IsExhaustion(kind) || attempt >= o.cfg.MaxAttempts {
			return o.fail(ctx, post, domain.CodePublisherFailed, msg, log)
		}

		log.Warn("Provider failed during upload, falling back",
			slog.String("provider", session.ProviderCode),
			slog.Int("attempt", attempt),
			slog.String("kind", string(kind)),
		)
		if err := o.events.ProviderError(ctx, post, session.ProviderCode, provider.CodeFor(kind),
			domain.Truncate(msg, o.cfg.ErrorMessageLimit), attempt); err != nil {
			return "", err
		}
		exclude = append(exclude, session.ProviderCode)
		if !owned {
			o.dropShared(context.WithoutCancel(ctx), shared, log)
		}
		session = nil
	}
}

// upload records the allocation and runs the publisher. Sessions allocated
// for this post alone are released before returning.
func (o *Orchestrator) upload(ctx context.Context, pub publisher.Publisher, path string, meta publisher.Metadata,
	post *domain.Post, session *domain.Session, owned bool) (publisher.Result, error) {
	if owned {
		defer o.allocator.Release(context.WithoutCancel(ctx), session, post.TraceID)
	}
	if err := o.store.RecordAllocation(ctx, post.JobID, session); err != nil {
		return publisher.Result{}, fmt.Errorf("failed to record allocation for job %d: %w", post.JobID, err)
	}
	res, err := pub.Upload(ctx, path, meta, session)
	if err != nil && ctx.Err() != nil {
		return publisher.Result{}, ctx.Err()
	}
	return res, err
}

func (o *Orchestrator) succeed(ctx context.Context, post *domain.Post, externalID string, skipped bool, log *slog.Logger) (Outcome, error) {
	if err := o.events.Completed(ctx, post, externalID, skipped); err != nil {
		return "", err
	}
	upd := domain.StatusUpdate{Status: domain.StatusSuccess, ExternalID: externalID}
	outcome := OutcomeSucceeded
	if skipped {
		upd.ErrorMessage = skippedMessage
		outcome = OutcomeSkipped
	}
	if err := o.store.UpdateStatus(ctx, post.ID, upd); err != nil {
		return "", fmt.Errorf("failed to mark post %d succeeded: %w", post.ID, err)
	}
	post.Status = domain.StatusSuccess
	post.ExternalID = externalID
	log.Info("Post published", slog.String("external_id", externalID), slog.Bool("skipped", skipped))
	return outcome, nil
}

func (o *Orchestrator) fail(ctx context.Context, post *domain.Post, code, msg string, log *slog.Logger) (Outcome, error) {
	msg = domain.Truncate(msg, o.cfg.ErrorMessageLimit)
	if err := o.events.Failed(ctx, post, post.Status, code, msg); err != nil {
		return "", err
	}
	if err := o.store.UpdateStatus(ctx, post.ID, domain.StatusUpdate{Status: domain.StatusFailed, ErrorMessage: msg}); err != nil {
		return "", fmt.Errorf("failed to mark post %d failed: %w", post.ID, err)
	}
	post.Status = domain.StatusFailed
	post.ErrorMessage = msg
	log.Warn("Post failed", slog.String("error_code", code), slog.String("error", msg))
	return OutcomeFailed, nil
}
