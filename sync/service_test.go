// ABOUTME: Tests for the calendar connection service
// ABOUTME: Connect, disconnect, resync, listing and publishing against a fake provider
package sync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harperreed/compass-sync/models"
)

func TestConnectCalendar(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.provider.on("", "t1", event("x", "Planning", day), event("y", "Review", day))

	result, ch, err := env.service.ConnectCalendar(ctx, testUser, testCalendar)
	require.NoError(t, err)
	assert.True(t, result.FullImport)
	assert.Len(t, result.Creates, 2)
	require.NotNil(t, ch)

	cursor, err := env.cursors.Get(ctx, testUser, testCalendar)
	require.NoError(t, err)
	assert.Equal(t, "t1", cursor.Token)

	env.provider.on("t1", "t2")
	_, _, err = env.service.ConnectCalendar(ctx, testUser, testCalendar)
	assert.ErrorIs(t, err, ErrWatchAlreadyExists)
}

func TestConnectCalendarImportFailure(t *testing.T) {
	env := newTestEnv(t)
	env.provider.fail("", fmt.Errorf("%w: 503", ErrProviderUnavailable))

	_, ch, err := env.service.ConnectCalendar(context.Background(), testUser, testCalendar)
	require.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Nil(t, ch)
	assert.Empty(t, env.provider.watches)
}

func TestDisconnectCalendar(t *testing.T) {
	for _, purge := range []bool{false, true} {
		t.Run(fmt.Sprintf("purge=%v", purge), func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()

			env.provider.on("", "t1", event("x", "Planning", day))
			_, ch, err := env.service.ConnectCalendar(ctx, testUser, testCalendar)
			require.NoError(t, err)

			require.NoError(t, env.service.DisconnectCalendar(ctx, testUser, testCalendar, purge))
			assert.Contains(t, env.provider.stopped, ch.ChannelID)

			cursor, err := env.cursors.Get(ctx, testUser, testCalendar)
			require.NoError(t, err)
			assert.Nil(t, cursor)

			state, err := env.state.GetSyncState(ctx, testUser, testCalendar)
			require.NoError(t, err)
			assert.Nil(t, state)

			events, err := env.events.ListByCalendar(ctx, testUser, testCalendar)
			require.NoError(t, err)
			if purge {
				assert.Empty(t, events)
			} else {
				assert.Len(t, events, 1)
			}
		})
	}
}

func TestConnectWaitsForExclusiveWork(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.provider.on("", "t1", event("x", "Planning", day))

	holding := make(chan struct{})
	release := make(chan struct{})
	exclusiveDone := make(chan error, 1)
	go func() {
		exclusiveDone <- env.processor.Exclusive(ctx, testUser, testCalendar, func(ctx context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	type connectOutcome struct {
		result *Result
		err    error
	}
	connected := make(chan connectOutcome, 1)
	go func() {
		result, _, err := env.service.ConnectCalendar(ctx, testUser, testCalendar)
		connected <- connectOutcome{result: result, err: err}
	}()

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, env.provider.calls(), "import started while exclusive work was running")
	close(release)
	require.NoError(t, <-exclusiveDone)

	out := <-connected
	require.NoError(t, out.err)
	require.NotNil(t, out.result)
	assert.True(t, out.result.FullImport)
	assert.Len(t, out.result.Creates, 1)
	assert.Equal(t, []string{""}, env.provider.calls())

	cursor, err := env.cursors.Get(ctx, testUser, testCalendar)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, "t1", cursor.Token)
}

func TestTriggerDuringDisconnectLeavesCalendarDisconnected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.provider.on("", "t1", event("x", "Planning", day))
	_, _, err := env.service.ConnectCalendar(ctx, testUser, testCalendar)
	require.NoError(t, err)

	env.provider.mu.Lock()
	env.provider.stopGate = make(chan struct{})
	env.provider.stopEntered = make(chan struct{}, 1)
	gate, entered := env.provider.stopGate, env.provider.stopEntered
	env.provider.mu.Unlock()

	disconnected := make(chan error, 1)
	go func() {
		disconnected <- env.service.DisconnectCalendar(ctx, testUser, testCalendar, true)
	}()
	<-entered

	// A notification lands while the channel is being stopped.
	env.provider.on("", "t9", event("y", "Late", day))
	env.processor.Trigger(testUser, testCalendar)

	close(gate)
	require.NoError(t, <-disconnected)
	require.Eventually(t, func() bool { return !env.processor.Busy(testUser, testCalendar) }, time.Second, time.Millisecond)

	cursor, err := env.cursors.Get(ctx, testUser, testCalendar)
	require.NoError(t, err)
	assert.Nil(t, cursor)

	state, err := env.state.GetSyncState(ctx, testUser, testCalendar)
	require.NoError(t, err)
	assert.Nil(t, state)

	events, err := env.events.ListByCalendar(ctx, testUser, testCalendar)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, []string{""}, env.provider.calls())
}

func TestForceResync(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.provider.on("", "t1", event("x", "Planning", day))
	_, err := env.processor.RunIncrementalSync(ctx, testUser, testCalendar)
	require.NoError(t, err)

	env.provider.on("", "t5", event("x", "Planning", day))
	result, err := env.service.ForceResync(ctx, testUser, testCalendar)
	require.NoError(t, err)
	assert.True(t, result.FullImport)
	assert.Empty(t, result.Creates)
	assert.Equal(t, 1, result.Unchanged)

	cursor, err := env.cursors.Get(ctx, testUser, testCalendar)
	require.NoError(t, err)
	assert.Equal(t, "t5", cursor.Token)
	assert.False(t, cursor.Invalidated)
}

func TestListEventsStripsProviderMetadata(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.provider.on("", "t1", event("x", "Planning", day))
	_, err := env.processor.RunIncrementalSync(ctx, testUser, testCalendar)
	require.NoError(t, err)

	events, err := env.service.ListEvents(ctx, testUser, testCalendar)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Nil(t, events[0].Provider)
	assert.Equal(t, "Planning", events[0].Title)

	// Storage still knows the mirror.
	assert.Contains(t, storedByProvider(t, env), "x")
}

func TestPublishEvent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ev := &models.CompassEvent{
		UserID:     testUser,
		CalendarID: testCalendar,
		Title:      "Deep work",
		Start:      day,
		End:        day.Add(2 * time.Hour),
		Priority:   models.PriorityWork,
	}

	stored, err := env.service.PublishEvent(ctx, ev)
	require.NoError(t, err)
	require.Len(t, env.provider.inserted, 1)
	assert.Equal(t, "Deep work", env.provider.inserted[0].Summary)
	assert.Equal(t, "g1", stored.ProviderEventID())
	assert.Equal(t, models.OriginCompass, stored.Origin)
	assert.Nil(t, ev.Provider, "caller's event is not mutated")

	// When the provider echoes the event back, it is matched, not duplicated.
	echo := event("g1", "Deep work", day)
	echo.End.DateTime = day.Add(2 * time.Hour).Format(time.RFC3339)
	env.provider.on("", "t1", echo)
	result, err := env.processor.RunIncrementalSync(ctx, testUser, testCalendar)
	require.NoError(t, err)
	assert.Empty(t, result.Creates)

	mirrored := storedByProvider(t, env)
	require.Len(t, mirrored, 1)
	assert.Equal(t, stored.ID, mirrored["g1"].ID)
	assert.Equal(t, models.PriorityWork, mirrored["g1"].Priority)
	assert.Equal(t, models.OriginCompass, mirrored["g1"].Origin)

	// Publishing a mirrored event patches it upstream.
	edit := mirrored["g1"].Clone()
	edit.Title = "Deep work (extended)"
	updated, err := env.service.PublishEvent(ctx, edit)
	require.NoError(t, err)
	require.Contains(t, env.provider.updated, "g1")
	assert.Equal(t, `"2"`, updated.Provider.Etag)

	got, err := env.events.Get(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, "Deep work (extended)", got.Title)
}

func TestPublishEventProviderFailure(t *testing.T) {
	env := newTestEnv(t)
	env.provider.writeErr = fmt.Errorf("%w: 500", ErrProviderUnavailable)

	_, err := env.service.PublishEvent(context.Background(), &models.CompassEvent{
		UserID:     testUser,
		CalendarID: testCalendar,
		Title:      "Nope",
		Start:      day,
		End:        day.Add(time.Hour),
	})
	require.ErrorIs(t, err, ErrProviderUnavailable)

	events, err := env.events.ListByCalendar(context.Background(), testUser, testCalendar)
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = env.service.PublishEvent(context.Background(), &models.CompassEvent{Title: "no owner"})
	assert.Error(t, err)
}
