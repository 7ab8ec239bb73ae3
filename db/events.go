// ABOUTME: Repository for locally mirrored calendar events
// ABOUTME: Lists events per calendar and applies write-sets inside a single transaction
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/harperreed/compass-sync/models"
)

var (
	ErrEventNotFound = errors.New("event not found")
	ErrInvalidEvent  = errors.New("invalid event")
)

const eventColumns = `id, user_id, calendar_id, title, description, start_at, end_at, all_day,
	origin, priority, recurrence_rules, recurrence_event_id,
	provider_event_id, provider_recurring_event_id, provider_etag, created_at, updated_at`

// EventsRepository provides access to the events table.
type EventsRepository struct {
	store *Store
}

// NewEventsRepository creates a new events repository.
func NewEventsRepository(store *Store) *EventsRepository {
	return &EventsRepository{store: store}
}

// Get retrieves an event by internal id.
func (r *EventsRepository) Get(ctx context.Context, id uuid.UUID) (*models.CompassEvent, error) {
	row := r.store.db.QueryRowContext(ctx, r.store.rebind(`
		SELECT `+eventColumns+`
		FROM events
		WHERE id = ?
	`), id.String())

	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return ev, nil
}

// ListByCalendar returns every event stored for (userID, calendarID), ordered by start.
func (r *EventsRepository) ListByCalendar(ctx context.Context, userID, calendarID string) ([]*models.CompassEvent, error) {
	rows, err := r.store.db.QueryContext(ctx, r.store.rebind(`
		SELECT `+eventColumns+`
		FROM events
		WHERE user_id = ? AND calendar_id = ?
		ORDER BY start_at, id
	`), userID, calendarID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*models.CompassEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// Apply writes the whole write-set in one transaction. Either every write lands
// or none does.
func (r *EventsRepository) Apply(ctx context.Context, ws models.WriteSet) error {
	if ws.Empty() {
		return nil
	}

	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()

	for _, ev := range ws.Deletes {
		if _, err := tx.ExecContext(ctx, r.store.rebind(`DELETE FROM events WHERE id = ?`), ev.ID.String()); err != nil {
			return fmt.Errorf("failed to delete event %s: %w", ev.ID, err)
		}
	}

	for _, ev := range ws.Creates {
		if err := r.insert(ctx, tx, ev, now); err != nil {
			return err
		}
	}

	for _, ev := range ws.Updates {
		if err := r.update(ctx, tx, ev, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit write-set: %w", err)
	}
	committed = true

	return nil
}

// DeleteMirrored removes every provider-backed event of a calendar and returns
// how many rows were removed.
func (r *EventsRepository) DeleteMirrored(ctx context.Context, userID, calendarID string) (int64, error) {
	result, err := r.store.db.ExecContext(ctx, r.store.rebind(`
		DELETE FROM events
		WHERE user_id = ? AND calendar_id = ? AND provider_event_id IS NOT NULL
	`), userID, calendarID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete mirrored events: %w", err)
	}
	return result.RowsAffected()
}

func (r *EventsRepository) insert(ctx context.Context, tx *sql.Tx, ev *models.CompassEvent, now time.Time) error {
	if ev == nil || ev.UserID == "" || ev.CalendarID == "" {
		return ErrInvalidEvent
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	ev.UpdatedAt = now

	args, err := eventArgs(ev)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, r.store.rebind(`
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), args...)
	if err != nil {
		return fmt.Errorf("failed to insert event %s: %w", ev.ID, err)
	}
	return nil
}

func (r *EventsRepository) update(ctx context.Context, tx *sql.Tx, ev *models.CompassEvent, now time.Time) error {
	if ev == nil || ev.ID == uuid.Nil {
		return ErrInvalidEvent
	}
	ev.UpdatedAt = now

	rules, err := encodeRules(ev.Recurrence)
	if err != nil {
		return err
	}
	providerID, recurringID, etag := providerArgs(ev.Provider)

	result, err := tx.ExecContext(ctx, r.store.rebind(`
		UPDATE events
		SET title = ?, description = ?, start_at = ?, end_at = ?, all_day = ?,
			priority = ?, recurrence_rules = ?, recurrence_event_id = ?,
			provider_event_id = ?, provider_recurring_event_id = ?, provider_etag = ?,
			updated_at = ?
		WHERE id = ?
	`),
		ev.Title, ev.Description, ev.Start.UTC(), ev.End.UTC(), ev.AllDay,
		ev.Priority, rules, recurrenceEventID(ev.Recurrence),
		providerID, recurringID, etag,
		ev.UpdatedAt, ev.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update event %s: %w", ev.ID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("failed to update event %s: %w", ev.ID, ErrEventNotFound)
	}
	return nil
}

func eventArgs(ev *models.CompassEvent) ([]any, error) {
	rules, err := encodeRules(ev.Recurrence)
	if err != nil {
		return nil, err
	}
	providerID, recurringID, etag := providerArgs(ev.Provider)
	priority := ev.Priority
	if priority == "" {
		priority = models.PriorityUnassigned
	}

	return []any{
		ev.ID.String(), ev.UserID, ev.CalendarID, ev.Title, ev.Description,
		ev.Start.UTC(), ev.End.UTC(), ev.AllDay,
		ev.Origin, priority, rules, recurrenceEventID(ev.Recurrence),
		providerID, recurringID, etag, ev.CreatedAt, ev.UpdatedAt,
	}, nil
}

func encodeRules(rec *models.Recurrence) (sql.NullString, error) {
	if rec == nil {
		return sql.NullString{}, nil
	}
	rules := rec.Rules
	if rules == nil {
		rules = []string{}
	}
	data, err := json.Marshal(rules)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode recurrence: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func recurrenceEventID(rec *models.Recurrence) sql.NullString {
	if rec == nil || rec.EventID == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: rec.EventID, Valid: true}
}

func providerArgs(p *models.ProviderMetadata) (id, recurringID, etag sql.NullString) {
	if p == nil || p.EventID == "" {
		return
	}
	id = sql.NullString{String: p.EventID, Valid: true}
	recurringID = sql.NullString{String: p.RecurringEventID, Valid: p.RecurringEventID != ""}
	etag = sql.NullString{String: p.Etag, Valid: p.Etag != ""}
	return
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*models.CompassEvent, error) {
	var ev models.CompassEvent
	var id string
	var rules, recurrenceID, providerID, recurringID, etag sql.NullString

	err := row.Scan(
		&id, &ev.UserID, &ev.CalendarID, &ev.Title, &ev.Description,
		&ev.Start, &ev.End, &ev.AllDay,
		&ev.Origin, &ev.Priority, &rules, &recurrenceID,
		&providerID, &recurringID, &etag, &ev.CreatedAt, &ev.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	ev.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid event id %q: %w", id, err)
	}

	if rules.Valid {
		ev.Recurrence = &models.Recurrence{EventID: recurrenceID.String}
		if err := json.Unmarshal([]byte(rules.String), &ev.Recurrence.Rules); err != nil {
			return nil, fmt.Errorf("invalid recurrence for event %s: %w", id, err)
		}
	}

	if providerID.Valid {
		ev.Provider = &models.ProviderMetadata{
			EventID:          providerID.String,
			RecurringEventID: recurringID.String,
			Etag:             etag.String,
		}
	}

	return &ev, nil
}
