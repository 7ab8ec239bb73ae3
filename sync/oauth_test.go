package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
)

func TestOAuthConfigCreation(t *testing.T) {
	config := NewOAuthConfig("client", "secret", "")

	require.NotNil(t, config)
	assert.Equal(t, []string{calendar.CalendarScope}, config.Scopes)
	assert.Equal(t, DefaultRedirectURL, config.RedirectURL)
	assert.NoError(t, ValidateOAuthConfig(config))

	custom := NewOAuthConfig("client", "secret", "https://compass.example.com/oauth/callback")
	assert.Equal(t, "https://compass.example.com/oauth/callback", custom.RedirectURL)
}

func TestValidateOAuthConfigMissingCredentials(t *testing.T) {
	assert.Error(t, ValidateOAuthConfig(nil))
	assert.Error(t, ValidateOAuthConfig(NewOAuthConfig("", "secret", "")))
	assert.Error(t, ValidateOAuthConfig(NewOAuthConfig("client", "", "")))
}

type memoryTokenStore struct {
	tokens map[string]*oauth2.Token
	saves  int
}

func newMemoryTokenStore() *memoryTokenStore {
	return &memoryTokenStore{tokens: make(map[string]*oauth2.Token)}
}

func (m *memoryTokenStore) LoadToken(_ context.Context, userID string) (*oauth2.Token, error) {
	token, ok := m.tokens[userID]
	if !ok {
		return nil, errors.New("not found")
	}
	return token, nil
}

func (m *memoryTokenStore) SaveToken(_ context.Context, userID string, token *oauth2.Token) error {
	m.tokens[userID] = token
	m.saves++
	return nil
}

type sequenceTokenSource struct {
	tokens []*oauth2.Token
	i      int
}

func (s *sequenceTokenSource) Token() (*oauth2.Token, error) {
	token := s.tokens[s.i]
	if s.i < len(s.tokens)-1 {
		s.i++
	}
	return token, nil
}

func TestPersistingTokenSourceSavesRefreshedTokens(t *testing.T) {
	initial := &oauth2.Token{AccessToken: "a1", Expiry: time.Now().Add(time.Hour)}
	refreshed := &oauth2.Token{AccessToken: "a2", Expiry: time.Now().Add(2 * time.Hour)}
	store := newMemoryTokenStore()

	ts := newPersistingTokenSource(&sequenceTokenSource{tokens: []*oauth2.Token{initial, refreshed}}, store, "user-1", initial, nil)

	token, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "a1", token.AccessToken)
	assert.Equal(t, 0, store.saves)

	token, err = ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "a2", token.AccessToken)
	assert.Equal(t, 1, store.saves)
	assert.Equal(t, "a2", store.tokens["user-1"].AccessToken)

	// Same token again is not re-saved.
	_, err = ts.Token()
	require.NoError(t, err)
	assert.Equal(t, 1, store.saves)
}
