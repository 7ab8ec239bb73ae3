// ABOUTME: Provider abstraction over the remote calendar API
// ABOUTME: The reconciliation processor and watch manager only talk to this interface
package sync

import (
	"context"
	"time"

	"google.golang.org/api/calendar/v3"
)

// EventPage is the full result of one pull: every changed event across all
// result pages plus the cursor to resume from.
type EventPage struct {
	Events        []*calendar.Event
	NextSyncToken string
}

// WatchRequest describes a push channel to open.
type WatchRequest struct {
	ChannelID string
	Address   string
	Token     string
	TTL       time.Duration
}

// WatchResponse is what the provider reports for an opened channel.
type WatchResponse struct {
	ResourceID string
	Expiration time.Time
}

// Provider is the remote calendar API. Implementations translate transport
// errors into ErrCursorInvalidated, ErrAccessRevoked, ErrProviderUnavailable
// and ErrProviderNotFound.
type Provider interface {
	// ListEvents pulls changes since syncToken, or every event when syncToken
	// is empty.
	ListEvents(ctx context.Context, userID, calendarID, syncToken string) (*EventPage, error)
	Watch(ctx context.Context, userID, calendarID string, req WatchRequest) (*WatchResponse, error)
	StopWatch(ctx context.Context, userID, channelID, resourceID string) error
	InsertEvent(ctx context.Context, userID, calendarID string, e *calendar.Event) (*calendar.Event, error)
	UpdateEvent(ctx context.Context, userID, calendarID, eventID string, e *calendar.Event) (*calendar.Event, error)
}
