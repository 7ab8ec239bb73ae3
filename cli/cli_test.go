// ABOUTME: Tests for CLI commands and their helpers
// ABOUTME: Drives connect, events, publish and status against a stub provider
package cli

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"

	"github.com/harperreed/compass-sync/config"
	"github.com/harperreed/compass-sync/db"
	"github.com/harperreed/compass-sync/models"
	"github.com/harperreed/compass-sync/sync"
)

// stubProvider serves one fixed listing and accepts every write.
type stubProvider struct {
	events   []*calendar.Event
	inserted int
}

func (p *stubProvider) ListEvents(ctx context.Context, userID, calendarID, syncToken string) (*sync.EventPage, error) {
	return &sync.EventPage{Events: p.events, NextSyncToken: "next-" + syncToken}, nil
}

func (p *stubProvider) Watch(ctx context.Context, userID, calendarID string, req sync.WatchRequest) (*sync.WatchResponse, error) {
	return &sync.WatchResponse{ResourceID: "res-" + req.ChannelID, Expiration: time.Now().Add(7 * 24 * time.Hour)}, nil
}

func (p *stubProvider) StopWatch(ctx context.Context, userID, channelID, resourceID string) error {
	return nil
}

func (p *stubProvider) InsertEvent(ctx context.Context, userID, calendarID string, e *calendar.Event) (*calendar.Event, error) {
	p.inserted++
	out := *e
	out.Id = "created-1"
	out.Etag = `"1"`
	return &out, nil
}

func (p *stubProvider) UpdateEvent(ctx context.Context, userID, calendarID, eventID string, e *calendar.Event) (*calendar.Event, error) {
	out := *e
	out.Id = eventID
	return &out, nil
}

func newTestApp(t *testing.T, provider sync.Provider) *App {
	t.Helper()

	store, err := db.OpenDatabase(t.TempDir() + "/compass.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.DefaultConfig()
	cfg.Webhook.Address = "https://compass.example.com/webhooks/google-calendar"
	cfg.Webhook.Secret = "test-secret"

	return NewApp(cfg, log.New(io.Discard), store, provider)
}

func TestConnectAndListEvents(t *testing.T) {
	provider := &stubProvider{events: []*calendar.Event{{
		Id:      "evt-1",
		Summary: "Standup",
		Status:  "confirmed",
		Start:   &calendar.EventDateTime{DateTime: "2025-01-06T09:00:00Z"},
		End:     &calendar.EventDateTime{DateTime: "2025-01-06T09:15:00Z"},
	}}}
	app := newTestApp(t, provider)

	require.NoError(t, ConnectCommand(app, []string{"--user", "u1"}))

	channels, err := app.Channels.ListByCalendar(context.Background(), "u1", defaultCalendar)
	require.NoError(t, err)
	assert.Len(t, channels, 1)

	events, err := app.Service.ListEvents(context.Background(), "u1", defaultCalendar)
	require.NoError(t, err)
	require.Len(t, events, 1)

	var out bytes.Buffer
	printEvents(&out, events)
	assert.Contains(t, out.String(), "Standup")
	assert.Contains(t, out.String(), "1 events")

	require.NoError(t, DisconnectCommand(app, []string{"--user", "u1", "--purge"}))
	events, err = app.Service.ListEvents(context.Background(), "u1", defaultCalendar)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestCommandsRequireUser(t *testing.T) {
	app := newTestApp(t, &stubProvider{})

	for name, cmd := range map[string]func(*App, []string) error{
		"connect":    ConnectCommand,
		"disconnect": DisconnectCommand,
		"resync":     ResyncCommand,
		"sync":       SyncCommand,
		"events":     EventsCommand,
		"publish":    PublishCommand,
		"auth":       AuthCommand,
	} {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, cmd(app, nil))
		})
	}
}

func TestPublishCommand(t *testing.T) {
	provider := &stubProvider{}
	app := newTestApp(t, provider)

	err := PublishCommand(app, []string{
		"--user", "u1",
		"--title", "Focus",
		"--start", "2025-01-06T13:00:00Z",
		"--end", "2025-01-06T15:00:00Z",
		"--priority", models.PriorityWork,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, provider.inserted)

	events, err := app.Events.ListByCalendar(context.Background(), "u1", defaultCalendar)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "created-1", events[0].ProviderEventID())
	assert.Equal(t, models.PriorityWork, events[0].Priority)
}

func TestBuildEvent(t *testing.T) {
	tests := []struct {
		name       string
		start, end string
		priority   string
		wantAllDay bool
		wantErr    bool
	}{
		{name: "timed", start: "2025-01-06T13:00:00Z", end: "2025-01-06T14:00:00Z", priority: models.PrioritySelf},
		{name: "all day", start: "2025-01-06", end: "2025-01-07", priority: models.PriorityUnassigned, wantAllDay: true},
		{name: "mixed kinds", start: "2025-01-06", end: "2025-01-06T14:00:00Z", priority: models.PriorityWork, wantErr: true},
		{name: "end before start", start: "2025-01-06T14:00:00Z", end: "2025-01-06T13:00:00Z", priority: models.PriorityWork, wantErr: true},
		{name: "garbage", start: "tomorrow", end: "2025-01-06T13:00:00Z", priority: models.PriorityWork, wantErr: true},
		{name: "unknown priority", start: "2025-01-06T13:00:00Z", end: "2025-01-06T14:00:00Z", priority: "urgent", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := buildEvent("u1", "primary", "Title", "", tt.start, tt.end, tt.priority)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAllDay, ev.AllDay)
			assert.Equal(t, models.OriginCompass, ev.Origin)
		})
	}
}

func TestRenderStatus(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	lastSync := now.Add(-2 * time.Hour)
	msg := "access revoked"

	out := renderStatus(statusReport{
		States: []db.SyncState{
			{UserID: "u1", CalendarID: "primary", Status: models.SyncStateIdle, LastSyncTime: &lastSync},
			{UserID: "u2", CalendarID: "work", Status: models.SyncStateError, ErrorMessage: &msg},
		},
		Channels: []*models.WatchChannel{
			{ChannelID: "ch-live", UserID: "u1", CalendarID: "primary", Expiration: now.Add(3 * time.Hour)},
			{ChannelID: "ch-dead", UserID: "u2", CalendarID: "work", Expiration: now.Add(-time.Minute)},
		},
		Runs: []db.SyncRun{
			{FullImport: true, Pulled: 4, Created: 4, FinishedAt: now.Add(-30 * time.Minute)},
		},
	}, now)

	assert.Contains(t, out, "u1/primary")
	assert.Contains(t, out, "Idle")
	assert.Contains(t, out, "2 hours ago")
	assert.Contains(t, out, "access revoked")
	assert.Contains(t, out, "ch-live")
	assert.Contains(t, out, "expired")
	assert.Contains(t, out, "30 minutes ago")
	assert.Contains(t, out, "full")

	empty := renderStatus(statusReport{}, now)
	assert.True(t, strings.Contains(empty, "No calendars connected"))
}

func TestFormatTimeSince(t *testing.T) {
	now := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, "just now", formatTimeSince(now, now.Add(-10*time.Second)))
	assert.Equal(t, "1 minute ago", formatTimeSince(now, now.Add(-time.Minute)))
	assert.Equal(t, "5 minutes ago", formatTimeSince(now, now.Add(-5*time.Minute)))
	assert.Equal(t, "1 hour ago", formatTimeSince(now, now.Add(-time.Hour)))
	assert.Equal(t, "1 day ago", formatTimeSince(now, now.Add(-25*time.Hour)))
	assert.Equal(t, "3 days ago", formatTimeSince(now, now.Add(-72*time.Hour)))
}
