// ABOUTME: Watch channel manager for Google Calendar push notifications
// ABOUTME: Creates, resolves, renews and tears down channels and signs their tokens
package sync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/harperreed/compass-sync/db"
	"github.com/harperreed/compass-sync/models"
)

// ChannelStore persists watch channels.
type ChannelStore interface {
	Create(ctx context.Context, ch *models.WatchChannel) error
	Get(ctx context.Context, channelID string) (*models.WatchChannel, error)
	ListByCalendar(ctx context.Context, userID, calendarID string) ([]*models.WatchChannel, error)
	ListExpiringBefore(ctx context.Context, cutoff time.Time) ([]*models.WatchChannel, error)
	Delete(ctx context.Context, channelID string) error
}

// WatchConfig controls channel creation and renewal.
type WatchConfig struct {
	// Address is the public URL the provider posts notifications to.
	Address string
	// Secret signs channel tokens.
	Secret string
	// MinBuffer is the shortest lifetime a stored channel may have.
	MinBuffer time.Duration
	// RenewLead is how far ahead of expiration a channel is replaced.
	RenewLead time.Duration
	// TTL is requested from the provider; zero uses the provider default.
	TTL time.Duration
}

const (
	DefaultMinBuffer = 5 * time.Minute
	DefaultRenewLead = 24 * time.Hour
)

// WatchManager owns the lifecycle of push channels.
type WatchManager struct {
	provider Provider
	channels ChannelStore
	cfg      WatchConfig
	logger   *log.Logger
	now      func() time.Time
}

// NewWatchManager creates a watch manager.
func NewWatchManager(provider Provider, channels ChannelStore, cfg WatchConfig, logger *log.Logger) *WatchManager {
	if cfg.MinBuffer <= 0 {
		cfg.MinBuffer = DefaultMinBuffer
	}
	if cfg.RenewLead <= 0 {
		cfg.RenewLead = DefaultRenewLead
	}
	if logger == nil {
		logger = log.Default()
	}

	return &WatchManager{
		provider: provider,
		channels: channels,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Create opens a channel for (userID, calendarID). It fails with
// ErrWatchAlreadyExists while an unexpired channel is on record; expired
// leftovers are cleaned up first.
func (m *WatchManager) Create(ctx context.Context, userID, calendarID string) (*models.WatchChannel, error) {
	existing, err := m.channels.ListByCalendar(ctx, userID, calendarID)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}

	now := m.now()
	for _, ch := range existing {
		if !ch.Expired(now) {
			return nil, fmt.Errorf("%w: %s for %s/%s", ErrWatchAlreadyExists, ch.ChannelID, userID, calendarID)
		}
	}
	for _, ch := range existing {
		if err := m.Delete(ctx, ch.ChannelID); err != nil {
			m.logger.Warn("failed to clean up expired channel", "channel", ch.ChannelID, "err", err)
		}
	}

	return m.subscribe(ctx, userID, calendarID)
}

// subscribe opens a new provider channel and records it. Expirations closer
// than MinBuffer are clamped so the channel is never stored already expiring.
func (m *WatchManager) subscribe(ctx context.Context, userID, calendarID string) (*models.WatchChannel, error) {
	channelID := uuid.NewString()

	resp, err := m.provider.Watch(ctx, userID, calendarID, WatchRequest{
		ChannelID: channelID,
		Address:   m.cfg.Address,
		Token:     ChannelToken(m.cfg.Secret, channelID),
		TTL:       m.cfg.TTL,
	})
	if err != nil {
		return nil, err
	}

	now := m.now()
	expiration := resp.Expiration
	if floor := now.Add(m.cfg.MinBuffer); expiration.Before(floor) {
		m.logger.Debug("clamping channel expiration", "channel", channelID, "provider", expiration, "clamped", floor)
		expiration = floor
	}

	ch := &models.WatchChannel{
		ChannelID:  channelID,
		ResourceID: resp.ResourceID,
		UserID:     userID,
		CalendarID: calendarID,
		Expiration: expiration,
		CreatedAt:  now,
	}
	if err := m.channels.Create(ctx, ch); err != nil {
		if stopErr := m.provider.StopWatch(ctx, userID, channelID, resp.ResourceID); stopErr != nil {
			m.logger.Warn("failed to stop unrecorded channel", "channel", channelID, "err", stopErr)
		}
		return nil, fmt.Errorf("failed to record channel: %w", err)
	}

	m.logger.Info("watch channel opened", "user", userID, "calendar", calendarID, "channel", channelID, "expires", expiration)
	return ch, nil
}

// Resolve maps a notification's channel and resource ids to the
// (user, calendar) it belongs to.
func (m *WatchManager) Resolve(ctx context.Context, channelID, resourceID string) (*models.WatchChannel, error) {
	ch, err := m.channels.Get(ctx, channelID)
	if errors.Is(err, db.ErrChannelNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, channelID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load channel: %w", err)
	}
	if resourceID != "" && ch.ResourceID != resourceID {
		return nil, fmt.Errorf("%w: %s has resource %s, not %s", ErrUnknownChannel, channelID, ch.ResourceID, resourceID)
	}
	return ch, nil
}

// RenewIfExpiringSoon replaces ch when it expires within RenewLead. The new
// channel is recorded before the old one is stopped, so there is no window
// without an active channel. It returns the channel now in effect and whether
// a renewal happened.
func (m *WatchManager) RenewIfExpiringSoon(ctx context.Context, ch *models.WatchChannel) (*models.WatchChannel, bool, error) {
	if ch.Expiration.Sub(m.now()) > m.cfg.RenewLead {
		return ch, false, nil
	}

	next, err := m.subscribe(ctx, ch.UserID, ch.CalendarID)
	if err != nil {
		return ch, false, fmt.Errorf("failed to renew channel %s: %w", ch.ChannelID, err)
	}

	if err := m.Delete(ctx, ch.ChannelID); err != nil {
		m.logger.Warn("failed to stop replaced channel", "channel", ch.ChannelID, "err", err)
	}

	m.logger.Info("watch channel renewed", "user", ch.UserID, "calendar", ch.CalendarID, "old", ch.ChannelID, "new", next.ChannelID)
	return next, true, nil
}

// ListExpiring returns channels due for renewal.
func (m *WatchManager) ListExpiring(ctx context.Context) ([]*models.WatchChannel, error) {
	return m.channels.ListExpiringBefore(ctx, m.now().Add(m.cfg.RenewLead))
}

// Delete stops a channel upstream and removes it locally. Channels the
// provider already forgot, or can no longer be reached for because access
// was revoked, are removed locally all the same.
func (m *WatchManager) Delete(ctx context.Context, channelID string) error {
	ch, err := m.channels.Get(ctx, channelID)
	if errors.Is(err, db.ErrChannelNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load channel: %w", err)
	}

	err = m.provider.StopWatch(ctx, ch.UserID, ch.ChannelID, ch.ResourceID)
	switch {
	case err == nil, errors.Is(err, ErrProviderNotFound), errors.Is(err, ErrAccessRevoked):
	default:
		return err
	}

	return m.channels.Delete(ctx, channelID)
}

// DeleteForCalendar tears down every channel of (userID, calendarID).
func (m *WatchManager) DeleteForCalendar(ctx context.Context, userID, calendarID string) error {
	channels, err := m.channels.ListByCalendar(ctx, userID, calendarID)
	if err != nil {
		return fmt.Errorf("failed to list channels: %w", err)
	}

	var errs []error
	for _, ch := range channels {
		if err := m.Delete(ctx, ch.ChannelID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ValidToken reports whether token is the signature issued for channelID.
func (m *WatchManager) ValidToken(channelID, token string) bool {
	want := ChannelToken(m.cfg.Secret, channelID)
	return hmac.Equal([]byte(want), []byte(token))
}

// ChannelToken signs channelID with secret.
func ChannelToken(secret, channelID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(channelID))
	return hex.EncodeToString(mac.Sum(nil))
}
