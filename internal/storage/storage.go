// Package storage is the Postgres-backed job store.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/publishing-worker/internal/domain"
)

// Storage handles all database operations for the worker and the API.
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

const postColumns = `
	p.id, p.run_id, p.account_id, a.name AS account_name, a.quota_group_id,
	p.platform, p.status, r.scheduled_at, p.asset_id, s.original_name AS asset_name,
	COALESCE(c.title, '') AS title, COALESCE(c.description, '') AS description,
	COALESCE(c.tags, '[]'::jsonb) AS tags, COALESCE(c.language, '') AS language,
	COALESCE(c.extra, '{}'::jsonb) AS extra,
	r.retry_count, r.trace_id, p.external_id, p.error_message, p.started_at, p.completed_at
FROM publishing_posts p
JOIN publishing_runs r ON r.id = p.run_id
JOIN accounts a ON a.id = p.account_id
JOIN assets s ON s.id = p.asset_id
LEFT JOIN publishing_post_content c ON c.post_id = p.id`

// FetchDue returns posts that are PENDING, or SCHEDULED and due at now,
// oldest first.
func (s *Storage) FetchDue(ctx context.Context, limit int, now time.Time) ([]domain.Post, error) {
	query := `SELECT ` + postColumns + `
		WHERE p.status = $1 OR (p.status = $2 AND r.scheduled_at <= $3)
		ORDER BY COALESCE(r.scheduled_at, r.created_at), p.id
		LIMIT $4`

	var rows []postRow
	if err := s.db.SelectContext(ctx, &rows, query,
		domain.StatusPending, domain.StatusScheduled, now, limit); err != nil {
		return nil, fmt.Errorf("failed to fetch due posts: %w", err)
	}
	return toPosts(rows)
}

// GetPost loads one post with its denormalized job fields.
func (s *Storage) GetPost(ctx context.Context, postID int64) (*domain.Post, error) {
	var row postRow
	err := s.db.GetContext(ctx, &row, `SELECT `+postColumns+` WHERE p.id = $1`, postID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrPostNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get post: %w", err)
	}
	p, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// StaleRunning returns posts that entered RUNNING before the cutoff.
func (s *Storage) StaleRunning(ctx context.Context, before time.Time) ([]domain.Post, error) {
	query := `SELECT ` + postColumns + `
		WHERE p.status = $1 AND p.started_at < $2
		ORDER BY p.id`

	var rows []postRow
	if err := s.db.SelectContext(ctx, &rows, query, domain.StatusRunning, before); err != nil {
		return nil, fmt.Errorf("failed to fetch stale posts: %w", err)
	}
	return toPosts(rows)
}

func toPosts(rows []postRow) ([]domain.Post, error) {
	posts := make([]domain.Post, 0, len(rows))
	for _, r := range rows {
		p, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, nil
}

// ClaimPost moves a PENDING or SCHEDULED post and its job to RUNNING. Only one
// caller wins; the others get ErrAlreadyClaimed, or ErrTerminalStatus when the
// post has already finished.
func (s *Storage) ClaimPost(ctx context.Context, postID int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var runID int64
	err = tx.GetContext(ctx, &runID, `
		UPDATE publishing_posts
		SET status = $1, started_at = NOW(), error_message = '', updated_at = NOW()
		WHERE id = $2 AND status IN ($3, $4)
		RETURNING run_id`,
		domain.StatusRunning, postID, domain.StatusPending, domain.StatusScheduled)
	if errors.Is(err, sql.ErrNoRows) {
		return s.claimConflict(ctx, tx, postID)
	}
	if err != nil {
		return fmt.Errorf("failed to claim post: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE publishing_runs
		SET status = $1, started_at = NOW(), updated_at = NOW()
		WHERE id = $2`,
		domain.StatusRunning, runID)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit claim: %w", err)
	}
	s.logger.Debug("Post claimed", slog.Int64("post_id", postID))
	return nil
}

func (s *Storage) claimConflict(ctx context.Context, tx *sqlx.Tx, postID int64) error {
	var status string
	err := tx.GetContext(ctx, &status, `SELECT status FROM publishing_posts WHERE id = $1`, postID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrPostNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read post status: %w", err)
	}
	if domain.Status(status).Terminal() {
		return fmt.Errorf("post %d is %s: %w", postID, status, domain.ErrTerminalStatus)
	}
	return fmt.Errorf("post %d is %s: %w", postID, status, domain.ErrAlreadyClaimed)
}

// UpdateStatus moves a post and its parent job to a new status. Rows in a
// terminal status are never changed. A move to FAILED increments the job's
// retry count.
func (s *Storage) UpdateStatus(ctx context.Context, postID int64, upd domain.StatusUpdate) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var cur struct {
		Status string `db:"status"`
		RunID  int64  `db:"run_id"`
	}
	err = tx.GetContext(ctx, &cur, `SELECT status, run_id FROM publishing_posts WHERE id = $1 FOR UPDATE`, postID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrPostNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock post: %w", err)
	}
	if domain.Status(cur.Status).Terminal() {
		return fmt.Errorf("post %d is %s: %w", postID, cur.Status, domain.ErrTerminalStatus)
	}

	terminal := upd.Status.Terminal()
	_, err = tx.ExecContext(ctx, `
		UPDATE publishing_posts
		SET status = $1::text,
			error_message = $2,
			external_id = CASE WHEN $3::text <> '' THEN $3::text ELSE external_id END,
			started_at = CASE WHEN $1::text = 'RUNNING' THEN NOW() ELSE started_at END,
			completed_at = CASE WHEN $4::boolean THEN NOW() ELSE completed_at END,
			updated_at = NOW()
		WHERE id = $5`,
		string(upd.Status), upd.ErrorMessage, upd.ExternalID, terminal, postID)
	if err != nil {
		return fmt.Errorf("failed to update post status: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE publishing_runs
		SET status = $1::text,
			error_message = $2,
			retry_count = retry_count + CASE WHEN $1::text = 'FAILED' THEN 1 ELSE 0 END,
			started_at = CASE WHEN $1::text = 'RUNNING' THEN NOW() ELSE started_at END,
			completed_at = CASE WHEN $3::boolean THEN NOW() ELSE completed_at END,
			updated_at = NOW()
		WHERE id = $4`,
		string(upd.Status), upd.ErrorMessage, terminal, cur.RunID)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit status update: %w", err)
	}

	s.logger.Debug("Post status updated",
		slog.Int64("post_id", postID),
		slog.String("status", string(upd.Status)),
	)
	return nil
}

// RecordAllocation stores which provider, profile and session served a job.
func (s *Storage) RecordAllocation(ctx context.Context, jobID int64, session *domain.Session) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE publishing_runs
		SET provider_id = $1, profile_id = $2, session_ref = $3, updated_at = NOW()
		WHERE id = $4`,
		session.ProviderID, session.ProfileID, session.Ref, jobID)
	if err != nil {
		return fmt.Errorf("failed to record allocation: %w", err)
	}
	return nil
}

// CreateJob schedules a job with its single post and content. The job starts
// SCHEDULED when a time is given, PENDING otherwise. It returns the job and the post id.
func (s *Storage) CreateJob(ctx context.Context, nj domain.NewJob) (*domain.Job, int64, error) {
	status := domain.StatusPending
	if nj.ScheduledAt != nil {
		status = domain.StatusScheduled
	}

	tags, err := encodeJSON(nj.Content.Tags, "[]")
	if err != nil {
		return nil, 0, fmt.Errorf("failed to encode tags: %w", err)
	}
	extra, err := encodeJSON(nj.Content.Extra, "{}")
	if err != nil {
		return nil, 0, fmt.Errorf("failed to encode extra: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var row jobRow
	err = tx.GetContext(ctx, &row, `
		INSERT INTO publishing_runs (account_id, platform, status, scheduled_at, priority, trace_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+jobColumns,
		nj.AccountID, nj.Platform, string(status), nullTime(nj.ScheduledAt), nj.Priority, nj.TraceID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create job: %w", foreignKeyError(err))
	}

	var postID int64
	err = tx.GetContext(ctx, &postID, `
		INSERT INTO publishing_posts (run_id, account_id, platform, status, asset_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		row.ID, nj.AccountID, nj.Platform, string(status), nj.AssetID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create post: %w", foreignKeyError(err))
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO publishing_post_content (post_id, title, description, tags, language, extra)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		postID, nj.Content.Title, nj.Content.Description, tags, nj.Content.Language, extra)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create post content: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("failed to commit job: %w", err)
	}
	return row.toDomain(), postID, nil
}

// GetJob retrieves a job by id.
func (s *Storage) GetJob(ctx context.Context, jobID int64) (*domain.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM publishing_runs WHERE id = $1`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.toDomain(), nil
}
