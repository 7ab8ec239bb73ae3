// ABOUTME: OAuth token storage keyed by user id
// ABOUTME: Tokens are stored as JSON so refreshed tokens can be written back
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

var ErrTokenNotFound = errors.New("oauth token not found")

// TokensRepository owns the oauth_tokens table.
type TokensRepository struct {
	store *Store
}

// NewTokensRepository creates a new token repository.
func NewTokensRepository(store *Store) *TokensRepository {
	return &TokensRepository{store: store}
}

// SaveToken stores or replaces the token of userID.
func (r *TokensRepository) SaveToken(ctx context.Context, userID string, token *oauth2.Token) error {
	if token == nil {
		return fmt.Errorf("token cannot be nil")
	}

	tokenJSON, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}

	_, err = r.store.db.ExecContext(ctx, r.store.rebind(`
		INSERT INTO oauth_tokens (user_id, token, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			token = excluded.token,
			updated_at = excluded.updated_at
	`), userID, string(tokenJSON), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

// LoadToken returns the stored token of userID.
func (r *TokensRepository) LoadToken(ctx context.Context, userID string) (*oauth2.Token, error) {
	var tokenJSON string
	err := r.store.db.QueryRowContext(ctx, r.store.rebind(`
		SELECT token FROM oauth_tokens WHERE user_id = ?
	`), userID).Scan(&tokenJSON)
	if err == sql.ErrNoRows {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}

	var token oauth2.Token
	if err := json.Unmarshal([]byte(tokenJSON), &token); err != nil {
		return nil, fmt.Errorf("failed to decode token: %w", err)
	}
	return &token, nil
}

// DeleteToken forgets the token of userID.
func (r *TokensRepository) DeleteToken(ctx context.Context, userID string) error {
	_, err := r.store.db.ExecContext(ctx, r.store.rebind(`DELETE FROM oauth_tokens WHERE user_id = ?`), userID)
	if err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}
