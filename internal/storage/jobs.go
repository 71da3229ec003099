package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/cuongbtq/publishing-worker/internal/domain"
)

const jobColumns = `id, account_id, platform, status, scheduled_at, priority, retry_count,
	provider_id, profile_id, session_ref, trace_id, error_message,
	started_at, completed_at, created_at, updated_at`

// foreign_key_violation
const pqForeignKeyViolation = "23503"

// JobCursor is the keyset position after the last job of a page.
type JobCursor struct {
	CreatedAt time.Time
	ID        int64
}

// JobFilter narrows ListJobs. Zero values match everything.
type JobFilter struct {
	AccountID int64
	Status    string
	PageSize  int
	Cursor    *JobCursor
}

// ListJobs returns up to PageSize+1 jobs, newest first, so callers can tell
// whether another page exists.
func (s *Storage) ListJobs(ctx context.Context, f JobFilter) ([]domain.Job, error) {
	var cursorAt sql.NullTime
	var cursorID int64
	if f.Cursor != nil {
		cursorAt = sql.NullTime{Time: f.Cursor.CreatedAt, Valid: true}
		cursorID = f.Cursor.ID
	}

	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+jobColumns+`
		FROM publishing_runs
		WHERE ($1::bigint = 0 OR account_id = $1)
			AND ($2::text = '' OR status = $2)
			AND ($3::timestamptz IS NULL OR (created_at, id) < ($3, $4::bigint))
		ORDER BY created_at DESC, id DESC
		LIMIT $5`,
		f.AccountID, f.Status, cursorAt, cursorID, f.PageSize+1)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]domain.Job, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, *r.toDomain())
	}
	return jobs, nil
}

// foreignKeyError maps a foreign key violation to domain.ErrInvalidReference.
func foreignKeyError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqForeignKeyViolation {
		return fmt.Errorf("%w: %s", domain.ErrInvalidReference, pqErr.Constraint)
	}
	return err
}
