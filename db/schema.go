// ABOUTME: Database schema definitions and migrations
// ABOUTME: Creates event mirror, cursor, watch channel, sync state and token tables
package db

import (
	"fmt"
)

// schemaTemplate is shared by SQLite and Postgres; %[1]s is the timestamp type.
const schemaTemplate = `
CREATE TABLE IF NOT EXISTS oauth_tokens (
	user_id TEXT PRIMARY KEY,
	token TEXT NOT NULL,
	updated_at %[1]s NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	calendar_id TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	start_at %[1]s NOT NULL,
	end_at %[1]s NOT NULL,
	all_day BOOLEAN NOT NULL DEFAULT FALSE,
	origin TEXT NOT NULL CHECK(origin IN ('compass', 'google')),
	priority TEXT NOT NULL DEFAULT 'unassigned',
	recurrence_rules TEXT,
	recurrence_event_id TEXT,
	provider_event_id TEXT,
	provider_recurring_event_id TEXT,
	provider_etag TEXT,
	created_at %[1]s NOT NULL,
	updated_at %[1]s NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_events_provider ON events(user_id, provider_event_id);
CREATE INDEX IF NOT EXISTS idx_events_calendar ON events(user_id, calendar_id);

CREATE TABLE IF NOT EXISTS sync_cursors (
	user_id TEXT NOT NULL,
	calendar_id TEXT NOT NULL,
	token TEXT NOT NULL DEFAULT '',
	valid_since %[1]s NOT NULL,
	invalidated BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (user_id, calendar_id)
);

CREATE INDEX IF NOT EXISTS idx_sync_cursors_invalidated ON sync_cursors(invalidated);

CREATE TABLE IF NOT EXISTS watch_channels (
	channel_id TEXT PRIMARY KEY,
	resource_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	calendar_id TEXT NOT NULL,
	expiration %[1]s NOT NULL,
	created_at %[1]s NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_watch_channels_calendar ON watch_channels(user_id, calendar_id);
CREATE INDEX IF NOT EXISTS idx_watch_channels_expiration ON watch_channels(expiration);

CREATE TABLE IF NOT EXISTS sync_state (
	user_id TEXT NOT NULL,
	calendar_id TEXT NOT NULL,
	status TEXT NOT NULL CHECK(status IN ('idle', 'pulling', 'diffing', 'applying', 'full_resync_required', 'error')),
	error_message TEXT,
	last_sync_time %[1]s,
	created_at %[1]s NOT NULL,
	updated_at %[1]s NOT NULL,
	PRIMARY KEY (user_id, calendar_id)
);

CREATE TABLE IF NOT EXISTS sync_log (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	calendar_id TEXT NOT NULL,
	full_import BOOLEAN NOT NULL DEFAULT FALSE,
	pulled INTEGER NOT NULL DEFAULT 0,
	created INTEGER NOT NULL DEFAULT 0,
	updated INTEGER NOT NULL DEFAULT 0,
	deleted INTEGER NOT NULL DEFAULT 0,
	skipped INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	started_at %[1]s NOT NULL,
	finished_at %[1]s NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sync_log_calendar ON sync_log(user_id, calendar_id, started_at);
`

func (s *Store) schema() string {
	timestampType := "DATETIME"
	if s.driver == DriverPostgres {
		timestampType = "TIMESTAMPTZ"
	}
	return fmt.Sprintf(schemaTemplate, timestampType)
}

// InitSchema creates all tables and indexes if they do not exist.
func (s *Store) InitSchema() error {
	if _, err := s.db.Exec(s.schema()); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}
