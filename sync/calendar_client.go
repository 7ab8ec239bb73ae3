// ABOUTME: Calendar API client setup for Google Calendar integration
// ABOUTME: Builds authenticated Calendar services per user from stored OAuth tokens
package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/harperreed/compass-sync/db"
)

// ServiceFactory returns a Calendar API service acting as userID.
type ServiceFactory func(ctx context.Context, userID string) (*calendar.Service, error)

// NewCalendarClient creates a Google Calendar API service from a token source.
func NewCalendarClient(ctx context.Context, ts oauth2.TokenSource) (*calendar.Service, error) {
	if ts == nil {
		return nil, fmt.Errorf("token source cannot be nil")
	}

	service, err := calendar.NewService(ctx, option.WithHTTPClient(oauth2.NewClient(ctx, ts)))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	return service, nil
}

// NewServiceFactory loads each user's token from tokens and refreshes it
// through config. A user without a stored token is treated as revoked.
func NewServiceFactory(config *oauth2.Config, tokens TokenStore, logger *log.Logger) ServiceFactory {
	if logger == nil {
		logger = log.Default()
	}

	return func(ctx context.Context, userID string) (*calendar.Service, error) {
		token, err := tokens.LoadToken(ctx, userID)
		if errors.Is(err, db.ErrTokenNotFound) {
			return nil, fmt.Errorf("%w: no token for user %s", ErrAccessRevoked, userID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load token: %w", err)
		}

		ts := newPersistingTokenSource(config.TokenSource(ctx, token), tokens, userID, token, logger)

		return NewCalendarClient(ctx, oauth2.ReuseTokenSource(token, ts))
	}
}
