// ABOUTME: Watch channel records for Google Calendar push notifications
// ABOUTME: Stores channel/resource ids with expiration per (user, calendar)
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/harperreed/compass-sync/models"
)

var ErrChannelNotFound = errors.New("watch channel not found")

const channelColumns = `channel_id, resource_id, user_id, calendar_id, expiration, created_at`

// ChannelsRepository owns the watch_channels table.
type ChannelsRepository struct {
	store *Store
}

// NewChannelsRepository creates a new channel repository.
func NewChannelsRepository(store *Store) *ChannelsRepository {
	return &ChannelsRepository{store: store}
}

// Create inserts a channel record.
func (r *ChannelsRepository) Create(ctx context.Context, ch *models.WatchChannel) error {
	if ch == nil || ch.ChannelID == "" {
		return fmt.Errorf("invalid watch channel")
	}

	_, err := r.store.db.ExecContext(ctx, r.store.rebind(`
		INSERT INTO watch_channels (`+channelColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
	`), ch.ChannelID, ch.ResourceID, ch.UserID, ch.CalendarID, ch.Expiration.UTC(), ch.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create watch channel: %w", err)
	}
	return nil
}

// Get returns the channel with the given id.
func (r *ChannelsRepository) Get(ctx context.Context, channelID string) (*models.WatchChannel, error) {
	row := r.store.db.QueryRowContext(ctx, r.store.rebind(`
		SELECT `+channelColumns+`
		FROM watch_channels
		WHERE channel_id = ?
	`), channelID)

	ch, err := scanChannel(row)
	if err == sql.ErrNoRows {
		return nil, ErrChannelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get watch channel: %w", err)
	}
	return ch, nil
}

// ListByCalendar returns the channels of (userID, calendarID), latest expiration first.
func (r *ChannelsRepository) ListByCalendar(ctx context.Context, userID, calendarID string) ([]*models.WatchChannel, error) {
	return r.list(ctx, `
		SELECT `+channelColumns+`
		FROM watch_channels
		WHERE user_id = ? AND calendar_id = ?
		ORDER BY expiration DESC
	`, userID, calendarID)
}

// ListExpiringBefore returns every channel whose expiration is before cutoff.
func (r *ChannelsRepository) ListExpiringBefore(ctx context.Context, cutoff time.Time) ([]*models.WatchChannel, error) {
	return r.list(ctx, `
		SELECT `+channelColumns+`
		FROM watch_channels
		WHERE expiration < ?
		ORDER BY expiration
	`, cutoff.UTC())
}

// ListAll returns every channel.
func (r *ChannelsRepository) ListAll(ctx context.Context) ([]*models.WatchChannel, error) {
	return r.list(ctx, `
		SELECT `+channelColumns+`
		FROM watch_channels
		ORDER BY user_id, calendar_id, expiration
	`)
}

// Delete removes a channel record. Missing records are ignored.
func (r *ChannelsRepository) Delete(ctx context.Context, channelID string) error {
	_, err := r.store.db.ExecContext(ctx, r.store.rebind(`DELETE FROM watch_channels WHERE channel_id = ?`), channelID)
	if err != nil {
		return fmt.Errorf("failed to delete watch channel: %w", err)
	}
	return nil
}

func (r *ChannelsRepository) list(ctx context.Context, query string, args ...any) ([]*models.WatchChannel, error) {
	rows, err := r.store.db.QueryContext(ctx, r.store.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query watch channels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var channels []*models.WatchChannel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan watch channel: %w", err)
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating watch channels: %w", err)
	}
	return channels, nil
}

func scanChannel(row rowScanner) (*models.WatchChannel, error) {
	var ch models.WatchChannel
	if err := row.Scan(
		&ch.ChannelID,
		&ch.ResourceID,
		&ch.UserID,
		&ch.CalendarID,
		&ch.Expiration,
		&ch.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &ch, nil
}
