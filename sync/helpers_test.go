package sync

import (
	"context"
	"fmt"
	"io"
	gosync "sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"

	"github.com/harperreed/compass-sync/db"
)

type listResponse struct {
	page *EventPage
	err  error
}

// fakeProvider scripts ListEvents responses by sync token and records every
// other call.
type fakeProvider struct {
	mu gosync.Mutex

	responses map[string]listResponse
	listCalls []string

	// When gate is set, ListEvents signals entered and then blocks on gate.
	gate    chan struct{}
	entered chan struct{}

	watchExpiration time.Time
	watchErr        error
	watches         []WatchRequest
	stopped         []string
	stopErr         error

	// When stopGate is set, StopWatch signals stopEntered and then blocks.
	stopGate    chan struct{}
	stopEntered chan struct{}

	inserted []*calendar.Event
	updated  map[string]*calendar.Event
	writeErr error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		responses:       make(map[string]listResponse),
		updated:         make(map[string]*calendar.Event),
		watchExpiration: time.Now().Add(7 * 24 * time.Hour),
	}
}

func (f *fakeProvider) on(syncToken string, next string, events ...*calendar.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[syncToken] = listResponse{page: &EventPage{Events: events, NextSyncToken: next}}
}

func (f *fakeProvider) fail(syncToken string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[syncToken] = listResponse{err: err}
}

func (f *fakeProvider) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.listCalls...)
}

func (f *fakeProvider) ListEvents(ctx context.Context, userID, calendarID, syncToken string) (*EventPage, error) {
	f.mu.Lock()
	f.listCalls = append(f.listCalls, syncToken)
	gate, entered := f.gate, f.entered
	f.mu.Unlock()

	if gate != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	resp, ok := f.responses[syncToken]
	if !ok {
		return nil, fmt.Errorf("unexpected sync token %q", syncToken)
	}
	if resp.err != nil {
		return nil, resp.err
	}
	return &EventPage{Events: append([]*calendar.Event(nil), resp.page.Events...), NextSyncToken: resp.page.NextSyncToken}, nil
}

func (f *fakeProvider) Watch(ctx context.Context, userID, calendarID string, req WatchRequest) (*WatchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	f.watches = append(f.watches, req)
	return &WatchResponse{ResourceID: "res-" + req.ChannelID, Expiration: f.watchExpiration}, nil
}

func (f *fakeProvider) StopWatch(ctx context.Context, userID, channelID, resourceID string) error {
	f.mu.Lock()
	gate, entered := f.stopGate, f.stopEntered
	f.mu.Unlock()

	if gate != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stopped = append(f.stopped, channelID)
	return nil
}

func (f *fakeProvider) InsertEvent(ctx context.Context, userID, calendarID string, e *calendar.Event) (*calendar.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return nil, f.writeErr
	}
	created := *e
	created.Id = fmt.Sprintf("g%d", len(f.inserted)+1)
	created.Etag = `"1"`
	f.inserted = append(f.inserted, &created)
	return &created, nil
}

func (f *fakeProvider) UpdateEvent(ctx context.Context, userID, calendarID, eventID string, e *calendar.Event) (*calendar.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return nil, f.writeErr
	}
	updated := *e
	updated.Id = eventID
	updated.Etag = `"2"`
	f.updated[eventID] = &updated
	return &updated, nil
}

type testEnv struct {
	store     *db.Store
	events    *db.EventsRepository
	cursors   *db.CursorsRepository
	channels  *db.ChannelsRepository
	state     *db.SyncStateRepository
	provider  *fakeProvider
	watches   *WatchManager
	processor *Processor
	service   *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := db.OpenDatabase(t.TempDir() + "/compass.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger := log.New(io.Discard)

	env := &testEnv{
		store:    store,
		events:   db.NewEventsRepository(store),
		cursors:  db.NewCursorsRepository(store),
		channels: db.NewChannelsRepository(store),
		state:    db.NewSyncStateRepository(store),
		provider: newFakeProvider(),
	}
	env.watches = NewWatchManager(env.provider, env.channels, WatchConfig{
		Address: "https://compass.example.com/webhooks/google-calendar",
		Secret:  "test-secret",
	}, logger)
	env.processor = NewProcessor(env.provider, env.events, env.cursors, env.state, env.watches, ProcessorConfig{Timeout: 5 * time.Second}, logger)
	env.service = NewService(env.processor, env.watches, env.provider, env.events, env.cursors, env.state, logger)
	return env
}

func event(id, summary string, start time.Time) *calendar.Event {
	return &calendar.Event{
		Id:      id,
		Summary: summary,
		Status:  "confirmed",
		Etag:    `"1"`,
		Start:   &calendar.EventDateTime{DateTime: start.Format(time.RFC3339)},
		End:     &calendar.EventDateTime{DateTime: start.Add(time.Hour).Format(time.RFC3339)},
	}
}

func cancelled(id string) *calendar.Event {
	return &calendar.Event{Id: id, Status: "cancelled"}
}

var day = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
