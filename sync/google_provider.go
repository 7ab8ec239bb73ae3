// ABOUTME: Google Calendar implementation of the Provider interface
// ABOUTME: Handles pagination, sync tokens, watch channels and API error translation
package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
)

const (
	maxResults       = 250 // Google Calendar API max per page
	webhookChannel   = "web_hook"
	invalidGrantCode = "invalid_grant"
)

// Reasons Google attaches to 403 responses that mean "slow down" rather
// than "forbidden".
var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"quotaExceeded":         true,
}

// GoogleProvider talks to the Google Calendar v3 API.
type GoogleProvider struct {
	services ServiceFactory
	logger   *log.Logger
}

// NewGoogleProvider creates a provider that obtains per-user services from services.
func NewGoogleProvider(services ServiceFactory, logger *log.Logger) *GoogleProvider {
	if logger == nil {
		logger = log.Default()
	}
	return &GoogleProvider{services: services, logger: logger}
}

// ListEvents pulls every page of changes. Recurring series are returned as
// base events plus their exceptions; instances are not expanded.
func (p *GoogleProvider) ListEvents(ctx context.Context, userID, calendarID, syncToken string) (*EventPage, error) {
	client, err := p.services(ctx, userID)
	if err != nil {
		return nil, err
	}

	call := client.Events.List(calendarID).
		MaxResults(maxResults).
		SingleEvents(false)
	if syncToken != "" {
		call = call.SyncToken(syncToken)
	}

	page := &EventPage{}
	pageToken := ""
	pageNum := 0

	for {
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		events, err := call.Context(ctx).Do()
		if err != nil {
			err = translateError(err)
			if errors.Is(err, ErrCursorInvalidated) && syncToken == "" {
				// A full listing has no cursor to invalidate.
				return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
			}
			return nil, fmt.Errorf("failed to list events: %w", err)
		}

		pageNum++
		page.Events = append(page.Events, events.Items...)
		p.logger.Debug("fetched events page", "user", userID, "calendar", calendarID, "page", pageNum, "count", len(events.Items))

		pageToken = events.NextPageToken
		if pageToken == "" {
			page.NextSyncToken = events.NextSyncToken
			break
		}
	}

	return page, nil
}

// Watch opens a web_hook channel on the calendar's events collection.
func (p *GoogleProvider) Watch(ctx context.Context, userID, calendarID string, req WatchRequest) (*WatchResponse, error) {
	client, err := p.services(ctx, userID)
	if err != nil {
		return nil, err
	}

	channel := &calendar.Channel{
		Id:      req.ChannelID,
		Type:    webhookChannel,
		Address: req.Address,
		Token:   req.Token,
	}
	if req.TTL > 0 {
		channel.Params = map[string]string{"ttl": strconv.FormatInt(int64(req.TTL/time.Second), 10)}
	}

	opened, err := client.Events.Watch(calendarID, channel).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to open watch channel: %w", translateError(err))
	}

	resp := &WatchResponse{ResourceID: opened.ResourceId}
	if opened.Expiration > 0 {
		resp.Expiration = time.UnixMilli(opened.Expiration).UTC()
	}
	return resp, nil
}

// StopWatch closes a channel. A channel the provider no longer knows about
// yields ErrProviderNotFound.
func (p *GoogleProvider) StopWatch(ctx context.Context, userID, channelID, resourceID string) error {
	client, err := p.services(ctx, userID)
	if err != nil {
		return err
	}

	err = client.Channels.Stop(&calendar.Channel{Id: channelID, ResourceId: resourceID}).Context(ctx).Do()
	if err != nil {
		err = translateError(err)
		if errors.Is(err, ErrCursorInvalidated) {
			return fmt.Errorf("%w: %v", ErrProviderNotFound, err)
		}
		return fmt.Errorf("failed to stop watch channel: %w", err)
	}
	return nil
}

// InsertEvent creates e upstream and returns the provider's copy.
func (p *GoogleProvider) InsertEvent(ctx context.Context, userID, calendarID string, e *calendar.Event) (*calendar.Event, error) {
	client, err := p.services(ctx, userID)
	if err != nil {
		return nil, err
	}

	created, err := client.Events.Insert(calendarID, e).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", translateError(err))
	}
	return created, nil
}

// UpdateEvent patches the fields present in e onto the upstream event.
func (p *GoogleProvider) UpdateEvent(ctx context.Context, userID, calendarID, eventID string, e *calendar.Event) (*calendar.Event, error) {
	client, err := p.services(ctx, userID)
	if err != nil {
		return nil, err
	}

	updated, err := client.Events.Patch(calendarID, eventID, e).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to update event %s: %w", eventID, translateError(err))
	}
	return updated, nil
}

// translateError maps Google API and OAuth failures onto the sync error
// taxonomy. Context errors pass through untouched.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusGone:
			return fmt.Errorf("%w: %v", ErrCursorInvalidated, err)
		case apiErr.Code == http.StatusUnauthorized:
			return fmt.Errorf("%w: %v", ErrAccessRevoked, err)
		case apiErr.Code == http.StatusForbidden:
			for _, item := range apiErr.Errors {
				if rateLimitReasons[item.Reason] {
					return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
				}
			}
			return fmt.Errorf("%w: %v", ErrAccessRevoked, err)
		case apiErr.Code == http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrProviderNotFound, err)
		case apiErr.Code == http.StatusTooManyRequests, apiErr.Code >= http.StatusInternalServerError:
			return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		return err
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode == invalidGrantCode {
			return fmt.Errorf("%w: %v", ErrAccessRevoked, err)
		}
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}
