// ABOUTME: OAuth configuration and per-user token handling for Google Calendar
// ABOUTME: Refreshed tokens are written back to the token store automatically
package sync

import (
	"context"
	"fmt"
	gosync "sync"

	"github.com/charmbracelet/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
)

// DefaultRedirectURL matches the local callback used by the auth command.
const DefaultRedirectURL = "http://localhost:8080/oauth/callback"

// TokenStore persists OAuth tokens per user.
type TokenStore interface {
	LoadToken(ctx context.Context, userID string) (*oauth2.Token, error)
	SaveToken(ctx context.Context, userID string, token *oauth2.Token) error
}

// NewOAuthConfig creates the OAuth2 config for the Calendar API. Read-write
// access is needed to publish events and open watch channels.
func NewOAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	if redirectURL == "" {
		redirectURL = DefaultRedirectURL
	}

	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{calendar.CalendarScope},
		Endpoint:     google.Endpoint,
	}
}

// ValidateOAuthConfig reports missing client credentials.
func ValidateOAuthConfig(config *oauth2.Config) error {
	if config == nil || config.ClientID == "" || config.ClientSecret == "" {
		return fmt.Errorf("google OAuth credentials not configured. Set GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET environment variables")
	}
	return nil
}

// persistingTokenSource saves a token whenever the wrapped source hands out
// one with a different access token than last seen.
type persistingTokenSource struct {
	mu     gosync.Mutex
	base   oauth2.TokenSource
	store  TokenStore
	userID string
	last   string
	logger *log.Logger
}

func newPersistingTokenSource(base oauth2.TokenSource, store TokenStore, userID string, initial *oauth2.Token, logger *log.Logger) *persistingTokenSource {
	if logger == nil {
		logger = log.Default()
	}
	return &persistingTokenSource{
		base:   base,
		store:  store,
		userID: userID,
		last:   initial.AccessToken,
		logger: logger,
	}
}

func (s *persistingTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if token.AccessToken != s.last {
		s.last = token.AccessToken
		if err := s.store.SaveToken(context.Background(), s.userID, token); err != nil {
			s.logger.Warn("failed to persist refreshed token", "user", s.userID, "err", err)
		}
	}
	return token, nil
}
