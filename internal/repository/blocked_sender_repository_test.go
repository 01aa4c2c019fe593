package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/shopdesk/internal/database"
)

func TestBlockedSendersAddListRemove(t *testing.T) {
	ctx := context.Background()
	repo := NewBlockedSenderRepository(database.NewTestDB(t))

	require.NoError(t, repo.Add(ctx, "Spam@Example.com ", "bulk mail"))
	require.NoError(t, repo.Add(ctx, "@junk.test", ""))
	require.NoError(t, repo.Add(ctx, "spam@example.com", "again"))

	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "@junk.test", list[0].Email)
	assert.Equal(t, "spam@example.com", list[1].Email)
	assert.Equal(t, "bulk mail", list[1].Reason)

	patterns, err := repo.Patterns(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"@junk.test", "spam@example.com"}, patterns)

	require.NoError(t, repo.Remove(ctx, "SPAM@example.com"))
	assert.ErrorIs(t, repo.Remove(ctx, "spam@example.com"), ErrNotFound)
}
