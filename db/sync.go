// ABOUTME: Database operations for sync_state and sync_log tables
// ABOUTME: Tracks per-calendar reconciliation state and a log of finished sync runs
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SyncState represents the reconciliation state of one (user, calendar).
type SyncState struct {
	UserID       string
	CalendarID   string
	Status       string
	ErrorMessage *string
	LastSyncTime *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SyncRun is one finished reconciliation run.
type SyncRun struct {
	ID           string
	UserID       string
	CalendarID   string
	FullImport   bool
	Pulled       int
	Created      int
	Updated      int
	Deleted      int
	Skipped      int
	ErrorMessage *string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// SyncStateRepository owns the sync_state and sync_log tables.
type SyncStateRepository struct {
	store *Store
}

// NewSyncStateRepository creates a new sync state repository.
func NewSyncStateRepository(store *Store) *SyncStateRepository {
	return &SyncStateRepository{store: store}
}

// GetSyncState retrieves the sync state for (userID, calendarID), nil if none.
func (r *SyncStateRepository) GetSyncState(ctx context.Context, userID, calendarID string) (*SyncState, error) {
	row := r.store.db.QueryRowContext(ctx, r.store.rebind(`
		SELECT user_id, calendar_id, status, error_message, last_sync_time, created_at, updated_at
		FROM sync_state
		WHERE user_id = ? AND calendar_id = ?
	`), userID, calendarID)

	state, err := scanSyncState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync state: %w", err)
	}
	return state, nil
}

// UpdateSyncStatus records the current state. Moving back to idle stamps last_sync_time.
func (r *SyncStateRepository) UpdateSyncStatus(ctx context.Context, userID, calendarID, status string, errorMsg *string) error {
	var errorMsgVal sql.NullString
	if errorMsg != nil {
		errorMsgVal = sql.NullString{String: *errorMsg, Valid: true}
	}

	now := time.Now().UTC()
	var lastSync sql.NullTime
	if status == "idle" {
		lastSync = sql.NullTime{Time: now, Valid: true}
	}

	_, err := r.store.db.ExecContext(ctx, r.store.rebind(`
		INSERT INTO sync_state (user_id, calendar_id, status, error_message, last_sync_time, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, calendar_id) DO UPDATE SET
			status = excluded.status,
			error_message = excluded.error_message,
			last_sync_time = COALESCE(excluded.last_sync_time, sync_state.last_sync_time),
			updated_at = excluded.updated_at
	`), userID, calendarID, status, errorMsgVal, lastSync, now, now)

	if err != nil {
		return fmt.Errorf("failed to update sync status: %w", err)
	}

	return nil
}

// DeleteSyncState forgets the state of a disconnected calendar.
func (r *SyncStateRepository) DeleteSyncState(ctx context.Context, userID, calendarID string) error {
	_, err := r.store.db.ExecContext(ctx, r.store.rebind(`
		DELETE FROM sync_state WHERE user_id = ? AND calendar_id = ?
	`), userID, calendarID)
	if err != nil {
		return fmt.Errorf("failed to delete sync state: %w", err)
	}
	return nil
}

// GetAllSyncStates retrieves the sync state for every calendar.
func (r *SyncStateRepository) GetAllSyncStates(ctx context.Context) ([]SyncState, error) {
	rows, err := r.store.db.QueryContext(ctx, `
		SELECT user_id, calendar_id, status, error_message, last_sync_time, created_at, updated_at
		FROM sync_state
		ORDER BY user_id, calendar_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var states []SyncState
	for rows.Next() {
		state, err := scanSyncState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync state: %w", err)
		}
		states = append(states, *state)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync states: %w", err)
	}

	return states, nil
}

// CreateSyncRun appends a finished run to the sync log.
func (r *SyncStateRepository) CreateSyncRun(ctx context.Context, run SyncRun) error {
	var errorMsgVal sql.NullString
	if run.ErrorMessage != nil {
		errorMsgVal = sql.NullString{String: *run.ErrorMessage, Valid: true}
	}

	_, err := r.store.db.ExecContext(ctx, r.store.rebind(`
		INSERT INTO sync_log (id, user_id, calendar_id, full_import, pulled, created, updated, deleted, skipped, error_message, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), run.ID, run.UserID, run.CalendarID, run.FullImport,
		run.Pulled, run.Created, run.Updated, run.Deleted, run.Skipped,
		errorMsgVal, run.StartedAt.UTC(), run.FinishedAt.UTC())

	if err != nil {
		return fmt.Errorf("failed to create sync log: %w", err)
	}

	return nil
}

// RecentSyncRuns returns the latest runs of (userID, calendarID), newest first.
func (r *SyncStateRepository) RecentSyncRuns(ctx context.Context, userID, calendarID string, limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := r.store.db.QueryContext(ctx, r.store.rebind(`
		SELECT id, user_id, calendar_id, full_import, pulled, created, updated, deleted, skipped, error_message, started_at, finished_at
		FROM sync_log
		WHERE user_id = ? AND calendar_id = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`), userID, calendarID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []SyncRun
	for rows.Next() {
		var run SyncRun
		var errorMessage sql.NullString
		if err := rows.Scan(
			&run.ID, &run.UserID, &run.CalendarID, &run.FullImport,
			&run.Pulled, &run.Created, &run.Updated, &run.Deleted, &run.Skipped,
			&errorMessage, &run.StartedAt, &run.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		if errorMessage.Valid {
			run.ErrorMessage = &errorMessage.String
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync log: %w", err)
	}

	return runs, nil
}

func scanSyncState(row rowScanner) (*SyncState, error) {
	var state SyncState
	var errorMessage sql.NullString
	var lastSyncTime sql.NullTime

	if err := row.Scan(
		&state.UserID,
		&state.CalendarID,
		&state.Status,
		&errorMessage,
		&lastSyncTime,
		&state.CreatedAt,
		&state.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if errorMessage.Valid {
		state.ErrorMessage = &errorMessage.String
	}
	if lastSyncTime.Valid {
		state.LastSyncTime = &lastSyncTime.Time
	}

	return &state, nil
}
