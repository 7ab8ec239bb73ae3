// ABOUTME: Reconciliation processor that mirrors provider changes into local storage
// ABOUTME: Pulls since the cursor, diffs against stored events, and applies one atomic write-set
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/oklog/ulid/v2"
	"google.golang.org/api/calendar/v3"

	"github.com/harperreed/compass-sync/db"
	"github.com/harperreed/compass-sync/models"
)

// EventStore is the local event storage the processor reads and writes.
type EventStore interface {
	ListByCalendar(ctx context.Context, userID, calendarID string) ([]*models.CompassEvent, error)
	Apply(ctx context.Context, ws models.WriteSet) error
	DeleteMirrored(ctx context.Context, userID, calendarID string) (int64, error)
}

// CursorStore persists sync cursors.
type CursorStore interface {
	Get(ctx context.Context, userID, calendarID string) (*models.SyncCursor, error)
	Save(ctx context.Context, userID, calendarID, token string) error
	Invalidate(ctx context.Context, userID, calendarID string) error
	Delete(ctx context.Context, userID, calendarID string) error
	List(ctx context.Context, invalidatedOnly bool) ([]models.SyncCursor, error)
}

// StateRecorder records per-calendar sync status and the run log.
type StateRecorder interface {
	UpdateSyncStatus(ctx context.Context, userID, calendarID, status string, errorMsg *string) error
	DeleteSyncState(ctx context.Context, userID, calendarID string) error
	CreateSyncRun(ctx context.Context, run db.SyncRun) error
}

// ChannelTeardown removes every watch channel of a calendar.
type ChannelTeardown interface {
	DeleteForCalendar(ctx context.Context, userID, calendarID string) error
}

// ProcessorConfig tunes the reconciliation processor.
type ProcessorConfig struct {
	// Timeout bounds one run from pull to commit.
	Timeout time.Duration
}

const DefaultSyncTimeout = 2 * time.Minute

// bookkeepingTimeout bounds status and run-log writes made after a run ended.
const bookkeepingTimeout = 10 * time.Second

// Result summarizes one reconciliation run.
type Result struct {
	RunID      string
	UserID     string
	CalendarID string
	FullImport bool

	Creates []*models.CompassEvent
	Updates []*models.CompassEvent
	Deletes []*models.CompassEvent

	Pulled    int
	Skipped   int
	Ignored   int
	Unchanged int

	StartedAt time.Time
	Duration  time.Duration
}

// Processor turns provider changes into local write-sets. Runs for the same
// (user, calendar) never overlap.
type Processor struct {
	provider Provider
	events   EventStore
	cursors  CursorStore
	state    StateRecorder
	channels ChannelTeardown
	cfg      ProcessorConfig
	logger   *log.Logger
	flights  *flightGroup
	now      func() time.Time

	// baseCtx parents background runs started by Trigger.
	baseCtx context.Context
}

// NewProcessor creates a reconciliation processor. channels may be nil when
// no watch channels are managed.
func NewProcessor(provider Provider, events EventStore, cursors CursorStore, state StateRecorder, channels ChannelTeardown, cfg ProcessorConfig, logger *log.Logger) *Processor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSyncTimeout
	}
	if logger == nil {
		logger = log.Default()
	}

	return &Processor{
		provider: provider,
		events:   events,
		cursors:  cursors,
		state:    state,
		channels: channels,
		cfg:      cfg,
		logger:   logger,
		flights:  newFlightGroup(),
		now:      time.Now,
		baseCtx:  context.Background(),
	}
}

// SetBaseContext sets the parent context of runs started by Trigger, so they
// stop when the server shuts down.
func (p *Processor) SetBaseContext(ctx context.Context) {
	p.baseCtx = ctx
}

// RunIncrementalSync brings (userID, calendarID) up to date. With no cursor it
// performs the initial full import; with an invalidated cursor it performs a
// full resync. A call that arrives while a run is in flight waits for that run
// and returns its result.
func (p *Processor) RunIncrementalSync(ctx context.Context, userID, calendarID string) (*Result, error) {
	key := flightKey{userID: userID, calendarID: calendarID}
	result, shared, err := p.flights.Do(ctx, key, func() (*Result, error) {
		return p.sync(ctx, userID, calendarID, false, false)
	})
	if shared {
		p.logger.Debug("joined in-flight sync", "user", userID, "calendar", calendarID)
	}
	return result, err
}

// FullResync discards the cursor and re-imports every event. Local events the
// provider no longer has are deleted; events it still has keep their ids.
func (p *Processor) FullResync(ctx context.Context, userID, calendarID string) (*Result, error) {
	key := flightKey{userID: userID, calendarID: calendarID}
	return p.flights.Exclusive(ctx, key, func() (*Result, error) {
		return p.sync(ctx, userID, calendarID, true, false)
	})
}

// Trigger schedules a background sync for (userID, calendarID) and returns
// immediately. Triggers that arrive during a run are folded into a single
// follow-up run. A calendar disconnected before the run starts is skipped.
func (p *Processor) Trigger(userID, calendarID string) {
	key := flightKey{userID: userID, calendarID: calendarID}
	p.flights.Trigger(key, func() (*Result, error) {
		result, err := p.sync(p.baseCtx, userID, calendarID, false, true)
		if err != nil {
			p.logger.Error("triggered sync failed", "user", userID, "calendar", calendarID, "err", err)
		}
		return result, err
	})
}

// refresh syncs a calendar that is expected to be connected. It returns a nil
// result when the calendar has no cursor by the time the run starts.
func (p *Processor) refresh(ctx context.Context, userID, calendarID string, full bool) (*Result, error) {
	key := flightKey{userID: userID, calendarID: calendarID}
	run := func() (*Result, error) {
		return p.sync(ctx, userID, calendarID, full, true)
	}
	if full {
		return p.flights.Exclusive(ctx, key, run)
	}
	result, _, err := p.flights.Do(ctx, key, run)
	return result, err
}

// Exclusive runs fn while no sync for (userID, calendarID) is in flight.
func (p *Processor) Exclusive(ctx context.Context, userID, calendarID string, fn func(ctx context.Context) error) error {
	key := flightKey{userID: userID, calendarID: calendarID}
	_, err := p.flights.Exclusive(ctx, key, func() (*Result, error) {
		return nil, fn(ctx)
	})
	return err
}

// Busy reports whether a sync for (userID, calendarID) is running.
func (p *Processor) Busy(userID, calendarID string) bool {
	return p.flights.inFlight(flightKey{userID: userID, calendarID: calendarID})
}

// sync runs one reconciliation and records its outcome. With connectedOnly
// it does nothing for a calendar that has no cursor.
func (p *Processor) sync(ctx context.Context, userID, calendarID string, forceFull, connectedOnly bool) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	if connectedOnly {
		cursor, err := p.cursors.Get(ctx, userID, calendarID)
		if err != nil {
			return nil, fmt.Errorf("failed to load cursor: %w", err)
		}
		if cursor == nil {
			p.logger.Debug("calendar not connected, skipping sync", "user", userID, "calendar", calendarID)
			return nil, nil
		}
	}

	result := &Result{
		RunID:      ulid.Make().String(),
		UserID:     userID,
		CalendarID: calendarID,
		StartedAt:  p.now(),
	}

	err := p.reconcile(ctx, result, forceFull)
	result.Duration = p.now().Sub(result.StartedAt)

	p.finish(ctx, result, err)
	return result, err
}

func (p *Processor) reconcile(ctx context.Context, result *Result, forceFull bool) error {
	userID, calendarID := result.UserID, result.CalendarID

	cursor, err := p.cursors.Get(ctx, userID, calendarID)
	if err != nil {
		return fmt.Errorf("failed to load cursor: %w", err)
	}

	full := forceFull || cursor == nil || cursor.Invalidated || cursor.Token == ""
	if forceFull && cursor != nil && !cursor.Invalidated {
		if err := p.cursors.Invalidate(ctx, userID, calendarID); err != nil {
			return fmt.Errorf("failed to invalidate cursor: %w", err)
		}
	}

	p.setState(ctx, userID, calendarID, models.SyncStatePulling, nil)

	var page *EventPage
	if !full {
		page, err = p.provider.ListEvents(ctx, userID, calendarID, cursor.Token)
		if errors.Is(err, ErrCursorInvalidated) {
			p.logger.Warn("sync cursor invalidated, running full resync", "user", userID, "calendar", calendarID)
			if err := p.cursors.Invalidate(ctx, userID, calendarID); err != nil {
				return fmt.Errorf("failed to invalidate cursor: %w", err)
			}
			p.setState(ctx, userID, calendarID, models.SyncStateFullResyncRequired, nil)
			full = true
		} else if err != nil {
			return err
		}
	}
	if full {
		page, err = p.provider.ListEvents(ctx, userID, calendarID, "")
		if err != nil {
			return err
		}
	}
	result.FullImport = full
	result.Pulled = len(page.Events)

	p.setState(ctx, userID, calendarID, models.SyncStateDiffing, nil)

	local, err := p.events.ListByCalendar(ctx, userID, calendarID)
	if err != nil {
		return fmt.Errorf("failed to load local events: %w", err)
	}

	ws := p.diff(result, page.Events, local, full)

	p.setState(ctx, userID, calendarID, models.SyncStateApplying, nil)

	if !ws.Empty() {
		if err := p.events.Apply(ctx, ws); err != nil {
			return fmt.Errorf("failed to apply write-set: %w", err)
		}
	}
	result.Creates, result.Updates, result.Deletes = ws.Creates, ws.Updates, ws.Deletes

	if page.NextSyncToken == "" {
		return fmt.Errorf("%w: provider returned no sync token", ErrProviderUnavailable)
	}
	if err := p.cursors.Save(ctx, userID, calendarID, page.NextSyncToken); err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}

	return nil
}

// pending is a mapped event waiting for id resolution.
type pending struct {
	kind     Kind
	ext      *calendar.Event
	mapped   *models.CompassEvent
	existing *models.CompassEvent
}

// diff builds the write-set for one pull. Local events are matched by provider
// id. On a full import every mirrored event absent from the pull is deleted.
func (p *Processor) diff(result *Result, pulled []*calendar.Event, local []*models.CompassEvent, full bool) models.WriteSet {
	userID, calendarID := result.UserID, result.CalendarID

	byProvider := make(map[string]*models.CompassEvent, len(local))
	for _, ev := range local {
		if id := ev.ProviderEventID(); id != "" {
			byProvider[id] = ev
		}
	}

	// The provider may repeat an id across pages; the last copy wins.
	order := make([]string, 0, len(pulled))
	latest := make(map[string]*calendar.Event, len(pulled))
	for _, ext := range pulled {
		if ext == nil || ext.Id == "" {
			result.Skipped++
			p.logger.Warn("skipping event", "user", userID, "calendar", calendarID, "err", &MappingError{Reason: "missing provider id"})
			continue
		}
		if _, seen := latest[ext.Id]; !seen {
			order = append(order, ext.Id)
		}
		latest[ext.Id] = ext
	}

	var ws models.WriteSet
	var items []*pending
	cancelledIDs := make(map[string]bool)

	for _, id := range order {
		ext := latest[id]
		kind := Classify(ext)
		existing := byProvider[id]

		if kind == KindCancelled {
			cancelledIDs[id] = true
			if existing != nil {
				ws.Deletes = append(ws.Deletes, existing)
			} else {
				result.Ignored++
			}
			continue
		}

		mapped, err := ToInternal(userID, calendarID, ext)
		if err != nil {
			result.Skipped++
			p.logger.Warn("skipping event", "user", userID, "calendar", calendarID, "event", id, "err", err)
			continue
		}

		if existing != nil {
			mapped.ID = existing.ID
			mapped.Origin = existing.Origin
			mapped.Priority = existing.Priority
			mapped.CreatedAt = existing.CreatedAt
		}
		items = append(items, &pending{kind: kind, ext: ext, mapped: mapped, existing: existing})
	}

	// Series bases from this pull take precedence over stored ones.
	bases := make(map[string]*models.CompassEvent)
	for _, ev := range local {
		id := ev.ProviderEventID()
		if id == "" || cancelledIDs[id] || ev.Recurrence == nil {
			continue
		}
		if ev.Recurrence.EventID == "" && len(ev.Recurrence.Rules) > 0 {
			bases[id] = ev
		}
	}
	for _, item := range items {
		if item.kind == KindRecurrenceBase {
			bases[item.ext.Id] = item.mapped
		}
	}

	for _, item := range items {
		if item.kind == KindRecurrenceInstance {
			if base, ok := bases[item.ext.RecurringEventId]; ok {
				item.mapped.Recurrence = seriesLink(base)
			} else {
				p.logger.Debug("instance without known base", "event", item.ext.Id, "series", item.ext.RecurringEventId)
			}
		}

		switch {
		case item.existing == nil:
			ws.Creates = append(ws.Creates, item.mapped)
		case !item.existing.SameContent(item.mapped):
			ws.Updates = append(ws.Updates, item.mapped)
		default:
			result.Unchanged++
		}
	}

	if full {
		for id, ev := range byProvider {
			if _, ok := latest[id]; !ok {
				ws.Deletes = append(ws.Deletes, ev)
			}
		}
		return ws
	}

	// Stored instances that arrived before their base, or whose base rules
	// changed, are relinked without waiting for the provider to resend them.
	for _, ev := range local {
		id := ev.ProviderEventID()
		if id == "" || ev.Provider.RecurringEventID == "" {
			continue
		}
		if _, ok := latest[id]; ok {
			continue
		}
		base, ok := bases[ev.Provider.RecurringEventID]
		if !ok {
			continue
		}
		linked := ev.Clone()
		linked.Recurrence = seriesLink(base)
		if !ev.SameContent(linked) {
			ws.Updates = append(ws.Updates, linked)
		}
	}

	return ws
}

// seriesLink is the Recurrence an instance of base carries.
func seriesLink(base *models.CompassEvent) *models.Recurrence {
	return &models.Recurrence{
		Rules:   append([]string(nil), base.Recurrence.Rules...),
		EventID: base.ID.String(),
	}
}

func (p *Processor) finish(ctx context.Context, result *Result, runErr error) {
	// The run context may be spent (timeout), bookkeeping still has to land.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	userID, calendarID := result.UserID, result.CalendarID
	logger := p.logger.With("user", userID, "calendar", calendarID, "run", result.RunID)

	var errMsg *string
	switch {
	case runErr == nil:
		p.setState(ctx, userID, calendarID, models.SyncStateIdle, nil)
		logger.Info("sync complete",
			"full", result.FullImport,
			"pulled", result.Pulled,
			"created", len(result.Creates),
			"updated", len(result.Updates),
			"deleted", len(result.Deletes),
			"skipped", result.Skipped,
			"duration", result.Duration,
		)
	case errors.Is(runErr, ErrAccessRevoked):
		msg := runErr.Error()
		errMsg = &msg
		logger.Error("calendar access revoked, tearing down", "err", runErr)
		p.teardown(ctx, userID, calendarID)
		p.setState(ctx, userID, calendarID, models.SyncStateError, errMsg)
	default:
		msg := runErr.Error()
		errMsg = &msg
		logger.Error("sync failed", "err", runErr)
		p.setState(ctx, userID, calendarID, models.SyncStateError, errMsg)
	}

	run := db.SyncRun{
		ID:           result.RunID,
		UserID:       userID,
		CalendarID:   calendarID,
		FullImport:   result.FullImport,
		Pulled:       result.Pulled,
		Created:      len(result.Creates),
		Updated:      len(result.Updates),
		Deleted:      len(result.Deletes),
		Skipped:      result.Skipped,
		ErrorMessage: errMsg,
		StartedAt:    result.StartedAt,
		FinishedAt:   result.StartedAt.Add(result.Duration),
	}
	if err := p.state.CreateSyncRun(ctx, run); err != nil {
		logger.Warn("failed to record sync run", "err", err)
	}
}

// teardown drops the channels and cursor of a calendar whose access is gone.
// Local events stay until the user disconnects.
func (p *Processor) teardown(ctx context.Context, userID, calendarID string) {
	if p.channels != nil {
		if err := p.channels.DeleteForCalendar(ctx, userID, calendarID); err != nil {
			p.logger.Warn("failed to remove watch channels", "user", userID, "calendar", calendarID, "err", err)
		}
	}
	if err := p.cursors.Delete(ctx, userID, calendarID); err != nil {
		p.logger.Warn("failed to remove cursor", "user", userID, "calendar", calendarID, "err", err)
	}
}

func (p *Processor) setState(ctx context.Context, userID, calendarID, status string, errMsg *string) {
	if err := p.state.UpdateSyncStatus(ctx, userID, calendarID, status, errMsg); err != nil {
		p.logger.Warn("failed to update sync status", "user", userID, "calendar", calendarID, "status", status, "err", err)
	}
}
