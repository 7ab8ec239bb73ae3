// ABOUTME: Tests for cursor, channel, sync state and token repositories
// ABOUTME: Mirrors the lifecycle each record goes through during sync
package db

import (
	"context"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/harperreed/compass-sync/models"
)

func TestSyncCursorLifecycle(t *testing.T) {
	store := setupTestStore(t)
	repo := NewCursorsRepository(store)
	ctx := context.Background()

	// 1. Initial state: no cursor exists
	cursor, err := repo.Get(ctx, "user-1", "primary")
	require.NoError(t, err)
	assert.Nil(t, cursor)

	// 2. Full import stores a token
	require.NoError(t, repo.Save(ctx, "user-1", "primary", "token-1"))
	cursor, err = repo.Get(ctx, "user-1", "primary")
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, "token-1", cursor.Token)
	assert.False(t, cursor.Invalidated)
	assert.False(t, cursor.ValidSince.IsZero())

	// 3. Provider reports the token as expired
	require.NoError(t, repo.Invalidate(ctx, "user-1", "primary"))
	cursor, err = repo.Get(ctx, "user-1", "primary")
	require.NoError(t, err)
	assert.True(t, cursor.Invalidated)
	assert.Equal(t, "token-1", cursor.Token)

	invalid, err := repo.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, invalid, 1)

	// 4. A fresh save clears the flag
	require.NoError(t, repo.Save(ctx, "user-1", "primary", "token-2"))
	cursor, err = repo.Get(ctx, "user-1", "primary")
	require.NoError(t, err)
	assert.False(t, cursor.Invalidated)
	assert.Equal(t, "token-2", cursor.Token)

	invalid, err = repo.List(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, invalid)

	// 5. Delete is idempotent
	require.NoError(t, repo.Delete(ctx, "user-1", "primary"))
	require.NoError(t, repo.Delete(ctx, "user-1", "primary"))
	cursor, err = repo.Get(ctx, "user-1", "primary")
	require.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestInvalidateMissingCursor(t *testing.T) {
	store := setupTestStore(t)
	repo := NewCursorsRepository(store)
	ctx := context.Background()

	require.NoError(t, repo.Invalidate(ctx, "user-1", "work"))
	cursor, err := repo.Get(ctx, "user-1", "work")
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.True(t, cursor.Invalidated)
	assert.Empty(t, cursor.Token)
}

func TestWatchChannelRecords(t *testing.T) {
	store := setupTestStore(t)
	repo := NewChannelsRepository(store)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	soon := &models.WatchChannel{
		ChannelID: "ch-soon", ResourceID: "res-1", UserID: "user-1", CalendarID: "primary",
		Expiration: now.Add(10 * time.Minute), CreatedAt: now,
	}
	later := &models.WatchChannel{
		ChannelID: "ch-later", ResourceID: "res-2", UserID: "user-2", CalendarID: "primary",
		Expiration: now.Add(7 * 24 * time.Hour), CreatedAt: now,
	}
	require.NoError(t, repo.Create(ctx, soon))
	require.NoError(t, repo.Create(ctx, later))

	got, err := repo.Get(ctx, "ch-soon")
	require.NoError(t, err)
	assert.Equal(t, "res-1", got.ResourceID)
	assert.True(t, got.Expiration.Equal(soon.Expiration))

	expiring, err := repo.ListExpiringBefore(ctx, now.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	assert.Equal(t, "ch-soon", expiring[0].ChannelID)

	byCal, err := repo.ListByCalendar(ctx, "user-2", "primary")
	require.NoError(t, err)
	require.Len(t, byCal, 1)

	require.NoError(t, repo.Delete(ctx, "ch-soon"))
	require.NoError(t, repo.Delete(ctx, "ch-soon"))
	_, err = repo.Get(ctx, "ch-soon")
	assert.ErrorIs(t, err, ErrChannelNotFound)

	all, err := repo.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSyncStateLifecycle(t *testing.T) {
	store := setupTestStore(t)
	repo := NewSyncStateRepository(store)
	ctx := context.Background()

	// 1. Initial state: no sync state exists
	state, err := repo.GetSyncState(ctx, "user-1", "primary")
	require.NoError(t, err)
	assert.Nil(t, state)

	// 2. Pulling
	require.NoError(t, repo.UpdateSyncStatus(ctx, "user-1", "primary", models.SyncStatePulling, nil))
	state, err = repo.GetSyncState(ctx, "user-1", "primary")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatePulling, state.Status)
	assert.Nil(t, state.LastSyncTime)

	// 3. Back to idle stamps the last sync time
	require.NoError(t, repo.UpdateSyncStatus(ctx, "user-1", "primary", models.SyncStateIdle, nil))
	state, err = repo.GetSyncState(ctx, "user-1", "primary")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStateIdle, state.Status)
	require.NotNil(t, state.LastSyncTime)

	// 4. Error keeps the last sync time
	errMsg := "provider unavailable"
	require.NoError(t, repo.UpdateSyncStatus(ctx, "user-1", "primary", models.SyncStateError, &errMsg))
	state, err = repo.GetSyncState(ctx, "user-1", "primary")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStateError, state.Status)
	require.NotNil(t, state.ErrorMessage)
	assert.Equal(t, errMsg, *state.ErrorMessage)
	assert.NotNil(t, state.LastSyncTime)

	// 5. Unknown status rejected by the CHECK constraint
	assert.Error(t, repo.UpdateSyncStatus(ctx, "user-1", "primary", "bogus", nil))

	states, err := repo.GetAllSyncStates(ctx)
	require.NoError(t, err)
	assert.Len(t, states, 1)

	require.NoError(t, repo.DeleteSyncState(ctx, "user-1", "primary"))
	state, err = repo.GetSyncState(ctx, "user-1", "primary")
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestSyncRunLog(t *testing.T) {
	store := setupTestStore(t)
	repo := NewSyncStateRepository(store)
	ctx := context.Background()
	start := time.Now().UTC().Add(-time.Minute)

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.CreateSyncRun(ctx, SyncRun{
			ID:         ulid.Make().String(),
			UserID:     "user-1",
			CalendarID: "primary",
			FullImport: i == 0,
			Pulled:     i + 1,
			Created:    i,
			StartedAt:  start.Add(time.Duration(i) * time.Second),
			FinishedAt: start.Add(time.Duration(i)*time.Second + 500*time.Millisecond),
		}))
	}

	runs, err := repo.RecentSyncRuns(ctx, "user-1", "primary", 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, 3, runs[0].Pulled)
	assert.False(t, runs[0].FullImport)
	assert.Nil(t, runs[0].ErrorMessage)
}

func TestTokenStorage(t *testing.T) {
	store := setupTestStore(t)
	repo := NewTokensRepository(store)
	ctx := context.Background()

	_, err := repo.LoadToken(ctx, "user-1")
	assert.ErrorIs(t, err, ErrTokenNotFound)

	token := &oauth2.Token{
		AccessToken:  "access",
		TokenType:    "Bearer",
		RefreshToken: "refresh",
		Expiry:       time.Now().Add(time.Hour).UTC().Truncate(time.Second),
	}
	require.NoError(t, repo.SaveToken(ctx, "user-1", token))

	loaded, err := repo.LoadToken(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "access", loaded.AccessToken)
	assert.Equal(t, "refresh", loaded.RefreshToken)
	assert.True(t, token.Expiry.Equal(loaded.Expiry))

	require.NoError(t, repo.DeleteToken(ctx, "user-1"))
	_, err = repo.LoadToken(ctx, "user-1")
	assert.ErrorIs(t, err, ErrTokenNotFound)

	assert.Error(t, repo.SaveToken(ctx, "user-1", nil))
}
