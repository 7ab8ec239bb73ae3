// ABOUTME: Sync cursor store for incremental Google Calendar pulls
// ABOUTME: Persists one sync token per (user, calendar) with invalidation state
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/harperreed/compass-sync/models"
)

// CursorsRepository owns the sync_cursors table.
type CursorsRepository struct {
	store *Store
	now   func() time.Time
}

// NewCursorsRepository creates a new cursor repository.
func NewCursorsRepository(store *Store) *CursorsRepository {
	return &CursorsRepository{store: store, now: time.Now}
}

// Get returns the cursor for (userID, calendarID) or nil when none exists.
func (r *CursorsRepository) Get(ctx context.Context, userID, calendarID string) (*models.SyncCursor, error) {
	var cursor models.SyncCursor
	err := r.store.db.QueryRowContext(ctx, r.store.rebind(`
		SELECT user_id, calendar_id, token, valid_since, invalidated
		FROM sync_cursors
		WHERE user_id = ? AND calendar_id = ?
	`), userID, calendarID).Scan(
		&cursor.UserID,
		&cursor.CalendarID,
		&cursor.Token,
		&cursor.ValidSince,
		&cursor.Invalidated,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync cursor: %w", err)
	}

	return &cursor, nil
}

// Save stores a fresh token, clearing any invalidation.
func (r *CursorsRepository) Save(ctx context.Context, userID, calendarID, token string) error {
	_, err := r.store.db.ExecContext(ctx, r.store.rebind(`
		INSERT INTO sync_cursors (user_id, calendar_id, token, valid_since, invalidated)
		VALUES (?, ?, ?, ?, FALSE)
		ON CONFLICT(user_id, calendar_id) DO UPDATE SET
			token = excluded.token,
			valid_since = excluded.valid_since,
			invalidated = FALSE
	`), userID, calendarID, token, r.now().UTC())

	if err != nil {
		return fmt.Errorf("failed to save sync cursor: %w", err)
	}

	return nil
}

// Invalidate flags the cursor as expired. A missing cursor is created in the
// invalidated state so maintenance picks the calendar up.
func (r *CursorsRepository) Invalidate(ctx context.Context, userID, calendarID string) error {
	_, err := r.store.db.ExecContext(ctx, r.store.rebind(`
		INSERT INTO sync_cursors (user_id, calendar_id, token, valid_since, invalidated)
		VALUES (?, ?, '', ?, TRUE)
		ON CONFLICT(user_id, calendar_id) DO UPDATE SET
			invalidated = TRUE
	`), userID, calendarID, r.now().UTC())

	if err != nil {
		return fmt.Errorf("failed to invalidate sync cursor: %w", err)
	}

	return nil
}

// Delete removes the cursor. Deleting a missing cursor is not an error.
func (r *CursorsRepository) Delete(ctx context.Context, userID, calendarID string) error {
	_, err := r.store.db.ExecContext(ctx, r.store.rebind(`
		DELETE FROM sync_cursors WHERE user_id = ? AND calendar_id = ?
	`), userID, calendarID)
	if err != nil {
		return fmt.Errorf("failed to delete sync cursor: %w", err)
	}
	return nil
}

// List returns every cursor, optionally only invalidated ones.
func (r *CursorsRepository) List(ctx context.Context, invalidatedOnly bool) ([]models.SyncCursor, error) {
	query := `
		SELECT user_id, calendar_id, token, valid_since, invalidated
		FROM sync_cursors
	`
	if invalidatedOnly {
		query += ` WHERE invalidated = TRUE`
	}
	query += ` ORDER BY user_id, calendar_id`

	rows, err := r.store.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync cursors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cursors []models.SyncCursor
	for rows.Next() {
		var cursor models.SyncCursor
		if err := rows.Scan(
			&cursor.UserID,
			&cursor.CalendarID,
			&cursor.Token,
			&cursor.ValidSince,
			&cursor.Invalidated,
		); err != nil {
			return nil, fmt.Errorf("failed to scan sync cursor: %w", err)
		}
		cursors = append(cursors, cursor)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync cursors: %w", err)
	}

	return cursors, nil
}
