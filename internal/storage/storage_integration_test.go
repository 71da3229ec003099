package storage

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/publishing-worker/internal/domain"
	"github.com/cuongbtq/publishing-worker/internal/quota"
)

// Runs against a disposable database named by STORAGE_TEST_DSN.
func openTestDB(t *testing.T) *Storage {
	t.Helper()
	dsn := os.Getenv("STORAGE_TEST_DSN")
	if dsn == "" {
		t.Skip("STORAGE_TEST_DSN not set")
	}
	db, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, Migrate(context.Background(), db, logger))
	return NewStorage(db, logger)
}

func seedAccount(t *testing.T, s *Storage, maxConcurrent int) (accountID, groupID, assetID int64) {
	t.Helper()
	ctx := context.Background()
	suffix := time.Now().Format("150405.000000000")
	require.NoError(t, s.db.GetContext(ctx, &groupID,
		`INSERT INTO launch_groups (name, max_concurrent) VALUES ($1, $2) RETURNING id`, "g-"+suffix, maxConcurrent))
	require.NoError(t, s.db.GetContext(ctx, &accountID,
		`INSERT INTO accounts (name, quota_group_id) VALUES ($1, $2) RETURNING id`, "acct-"+suffix, groupID))
	require.NoError(t, s.db.GetContext(ctx, &assetID,
		`INSERT INTO assets (original_name, storage_type, blob_data) VALUES ('clip.mp4', 'RDS_BLOB', $1) RETURNING id`, []byte("data")))
	return accountID, groupID, assetID
}

func TestStorage_JobLifecycle(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()
	accountID, groupID, assetID := seedAccount(t, s, 1)

	job, postID, err := s.CreateJob(ctx, domain.NewJob{
		AccountID: accountID,
		Platform:  domain.PlatformTikTok,
		AssetID:   assetID,
		TraceID:   "trace-int",
		Content:   domain.PostContent{Description: "hello", Tags: []string{"x"}},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, job.Status)

	due, err := s.FetchDue(ctx, 100, time.Now())
	require.NoError(t, err)
	var found *domain.Post
	for i := range due {
		if due[i].ID == postID {
			found = &due[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, groupID, *found.QuotaGroupID)
	assert.Equal(t, "hello", found.Content.Description)

	require.NoError(t, s.ClaimPost(ctx, postID))
	assert.ErrorIs(t, s.ClaimPost(ctx, postID), domain.ErrAlreadyClaimed, "second worker loses the claim")
	n, err := s.CountRunning(ctx, groupID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.UpdateStatus(ctx, postID, domain.StatusUpdate{Status: domain.StatusFailed, ErrorMessage: "boom"}))
	err = s.UpdateStatus(ctx, postID, domain.StatusUpdate{Status: domain.StatusRunning})
	assert.ErrorIs(t, err, domain.ErrTerminalStatus)
	assert.ErrorIs(t, s.ClaimPost(ctx, postID), domain.ErrTerminalStatus)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	ev := &domain.RunEvent{JobID: job.ID, PostID: &postID, Type: domain.EventRunFailed, CreatedAt: time.Now()}
	require.NoError(t, s.AppendEvent(ctx, ev))
	assert.NotZero(t, ev.ID)
	events, err := s.ListEvents(ctx, job.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)

	blob, err := s.AssetBlob(ctx, assetID)
	require.NoError(t, err)
	assert.Equal(t, "data", string(blob))

	page, err := s.ListJobs(ctx, JobFilter{AccountID: accountID, PageSize: 10})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, job.ID, page[0].ID)

	_, _, err = s.CreateJob(ctx, domain.NewJob{AccountID: accountID, Platform: domain.PlatformTikTok, AssetID: -1})
	assert.ErrorIs(t, err, domain.ErrInvalidReference)
}

func TestStorage_WithLockedGroup(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()
	_, groupID, _ := seedAccount(t, s, 2)

	err := s.WithLockedGroup(ctx, groupID, func(l *quota.Locked) error {
		l.Group.CurrentConcurrent = 2
		return nil
	})
	require.NoError(t, err)

	g, err := s.GetQuotaGroup(ctx, groupID)
	require.NoError(t, err)
	assert.Equal(t, 2, g.CurrentConcurrent)

	err = s.WithLockedGroup(ctx, -1, func(*quota.Locked) error { return nil })
	assert.ErrorIs(t, err, domain.ErrQuotaGroupNotFound)
}
