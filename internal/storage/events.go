package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cuongbtq/publishing-worker/internal/domain"
)

// AppendEvent inserts a run event and fills in its id.
func (s *Storage) AppendEvent(ctx context.Context, ev *domain.RunEvent) error {
	payload, err := encodeJSON(ev.Payload, "{}")
	if err != nil {
		return fmt.Errorf("failed to encode event payload: %w", err)
	}

	var postID sql.NullInt64
	if ev.PostID != nil {
		postID = sql.NullInt64{Int64: *ev.PostID, Valid: true}
	}

	err = s.db.GetContext(ctx, &ev.ID, `
		INSERT INTO publishing_run_events
			(run_id, post_id, event_type, old_status, new_status, error_code,
			 message, payload, worker_id, trace_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		ev.JobID, postID, ev.Type, string(ev.OldStatus), string(ev.NewStatus), ev.ErrorCode,
		ev.Message, payload, ev.WorkerID, ev.TraceID, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns a job's events in insertion order, after the given id.
func (s *Storage) ListEvents(ctx context.Context, jobID, afterID int64, limit int) ([]domain.RunEvent, error) {
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, run_id, post_id, event_type, old_status, new_status, error_code,
			message, payload, worker_id, trace_id, created_at
		FROM publishing_run_events
		WHERE run_id = $1 AND id > $2
		ORDER BY id
		LIMIT $3`, jobID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	events := make([]domain.RunEvent, 0, len(rows))
	for _, r := range rows {
		ev, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}
