package mailqueue

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/shopdesk/internal/database"
)

func TestClaimIsConditionalOnPending(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()
	repo := NewRepository(database.Wrap(raw, database.MySQL))
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	q := regexp.QuoteMeta(`UPDATE email_queue SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`)
	mock.ExpectExec(q).WithArgs(StatusProcessing, now, int64(7), StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).WithArgs(StatusProcessing, now, int64(7), StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.Claim(context.Background(), 7, now))
	assert.ErrorIs(t, repo.Claim(context.Background(), 7, now), ErrNotClaimed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertRejectsBadRecipient(t *testing.T) {
	repo := NewRepository(database.NewTestDB(t))
	_, err := repo.Insert(context.Background(), &Email{To: "not an address"}, time.Now())
	require.Error(t, err)
}

func TestInsertAndGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(database.NewTestDB(t))
	now := time.Date(2024, 3, 1, 10, 0, 0, 500, time.UTC)

	id, err := repo.Insert(ctx, &Email{
		To:          "jane@example.com",
		Subject:     "Re: Order #1085 issue",
		Message:     "Thanks **Jane**",
		Headers:     Headers{HeaderInReplyTo: "<abc@example.com>"},
		Attachments: []string{"/data/ticket-1/label.pdf"},
	}, now)
	require.NoError(t, err)

	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Zero(t, got.Attempts)
	assert.Equal(t, "<abc@example.com>", got.Headers[HeaderInReplyTo])
	assert.Equal(t, []string{"/data/ticket-1/label.pdf"}, []string(got.Attachments))
	assert.True(t, got.ScheduledFor.Equal(now.Truncate(time.Second)))
	assert.Nil(t, got.SentAt)

	_, err = repo.Get(ctx, id+100)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatusCountsAndRecentFailures(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(database.NewTestDB(t))
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	ready, err := repo.Insert(ctx, &Email{To: "a@example.com"}, now)
	require.NoError(t, err)
	_, err = repo.Insert(ctx, &Email{To: "b@example.com", ScheduledFor: now.Add(time.Hour)}, now)
	require.NoError(t, err)
	sent, err := repo.Insert(ctx, &Email{To: "c@example.com"}, now)
	require.NoError(t, err)
	require.NoError(t, repo.MarkSent(ctx, sent, now))
	failed, err := repo.Insert(ctx, &Email{To: "d@example.com"}, now)
	require.NoError(t, err)
	st, err := repo.MarkFailed(ctx, failed, MaxAttempts-1, assert.AnError, now)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, st)

	status, err := repo.Status(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, status.Pending)
	assert.Equal(t, 1, status.ReadyNow)
	assert.Equal(t, 1, status.SentLast24h)
	assert.Equal(t, 1, status.Failed)
	require.Len(t, status.RecentFailures, 1)
	assert.Equal(t, failed, status.RecentFailures[0].ID)
	assert.Equal(t, assert.AnError.Error(), status.RecentFailures[0].ErrorMessage)

	assert.ErrorIs(t, repo.RetryFailed(ctx, ready, now), ErrNotFailed)
	assert.ErrorIs(t, repo.RetryFailed(ctx, 999, now), ErrNotFound)
	require.NoError(t, repo.RetryFailed(ctx, failed, now))
	got, err := repo.Get(ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Zero(t, got.Attempts)

	n, err := repo.Purge(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestReleaseStale(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(database.NewTestDB(t))
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	id, err := repo.Insert(ctx, &Email{To: "a@example.com"}, now)
	require.NoError(t, err)
	require.NoError(t, repo.Claim(ctx, id, now))

	n, err := repo.ReleaseStale(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = repo.ReleaseStale(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
