package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/publishing-worker/internal/domain"
	"github.com/cuongbtq/publishing-worker/internal/quota"
)

const quotaGroupColumns = `
	id, name, max_concurrent, max_per_day, max_per_month,
	current_concurrent, current_day_count, current_month_count,
	day_window_start, month_window_start, updated_at`

const runningInGroupQuery = `
	SELECT COUNT(*)
	FROM publishing_posts p
	JOIN accounts a ON a.id = p.account_id
	WHERE a.quota_group_id = $1 AND p.status = $2`

// WithLockedGroup runs fn against the group row under SELECT ... FOR UPDATE
// and writes the row back in the same transaction when fn succeeds.
func (s *Storage) WithLockedGroup(ctx context.Context, groupID int64, fn func(l *quota.Locked) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var row quotaGroupRow
	err = tx.GetContext(ctx, &row, `SELECT `+quotaGroupColumns+` FROM launch_groups WHERE id = $1 FOR UPDATE`, groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrQuotaGroupNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock quota group: %w", err)
	}

	g := row.toDomain()
	locked := &quota.Locked{
		Group: g,
		Running: func(ctx context.Context) (int, error) {
			return countRunning(ctx, tx, groupID)
		},
	}
	if err := fn(locked); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE launch_groups
		SET current_concurrent = $1,
			current_day_count = $2,
			current_month_count = $3,
			day_window_start = $4,
			month_window_start = $5,
			updated_at = NOW()
		WHERE id = $6`,
		g.CurrentConcurrent, g.CurrentDayCount, g.CurrentMonthCount,
		nullTime(g.DayWindowStart), nullTime(g.MonthWindowStart), groupID)
	if err != nil {
		return fmt.Errorf("failed to write quota group: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit quota group: %w", err)
	}
	return nil
}

// CountRunning returns the number of RUNNING posts for accounts in the group.
func (s *Storage) CountRunning(ctx context.Context, groupID int64) (int, error) {
	return countRunning(ctx, s.db, groupID)
}

func countRunning(ctx context.Context, q sqlx.QueryerContext, groupID int64) (int, error) {
	var n int
	if err := sqlx.GetContext(ctx, q, &n, runningInGroupQuery, groupID, domain.StatusRunning); err != nil {
		return 0, fmt.Errorf("failed to count running posts: %w", err)
	}
	return n, nil
}

// GetQuotaGroup reads a group without locking it.
func (s *Storage) GetQuotaGroup(ctx context.Context, groupID int64) (*domain.QuotaGroup, error) {
	var row quotaGroupRow
	err := s.db.GetContext(ctx, &row, `SELECT `+quotaGroupColumns+` FROM launch_groups WHERE id = $1`, groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrQuotaGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quota group: %w", err)
	}
	return row.toDomain(), nil
}

// QuotaGroupIDs lists every group id.
func (s *Storage) QuotaGroupIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	if err := s.db.SelectContext(ctx, &ids, `SELECT id FROM launch_groups ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list quota groups: %w", err)
	}
	return ids, nil
}
