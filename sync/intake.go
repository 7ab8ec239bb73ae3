// ABOUTME: HTTP handler for Google Calendar push notifications
// ABOUTME: Verifies channel tokens, resolves channels, and triggers background syncs
package sync

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
)

// Headers Google sets on every push notification.
const (
	HeaderChannelID     = "X-Goog-Channel-ID"
	HeaderChannelToken  = "X-Goog-Channel-Token"
	HeaderResourceID    = "X-Goog-Resource-ID"
	HeaderResourceState = "X-Goog-Resource-State"
	HeaderMessageNumber = "X-Goog-Message-Number"
)

// resourceStateSync is sent once when a channel opens and carries no changes.
const resourceStateSync = "sync"

// Triggerer schedules a background sync.
type Triggerer interface {
	Trigger(userID, calendarID string)
}

// NotificationIntake acknowledges push notifications quickly and hands the
// actual work to the processor. Only a bad channel token is rejected;
// everything else gets a success status so the provider does not retry.
type NotificationIntake struct {
	watches   *WatchManager
	processor Triggerer
	logger    *log.Logger
}

// NewNotificationIntake creates the webhook handler.
func NewNotificationIntake(watches *WatchManager, processor Triggerer, logger *log.Logger) *NotificationIntake {
	if logger == nil {
		logger = log.Default()
	}
	return &NotificationIntake{watches: watches, processor: processor, logger: logger}
}

func (h *NotificationIntake) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"status": "method not allowed"})
		return
	}

	channelID := r.Header.Get(HeaderChannelID)
	resourceID := r.Header.Get(HeaderResourceID)
	state := r.Header.Get(HeaderResourceState)
	logger := h.logger.With("channel", channelID, "resource", resourceID, "state", state, "message", r.Header.Get(HeaderMessageNumber))

	if channelID == "" || !h.watches.ValidToken(channelID, r.Header.Get(HeaderChannelToken)) {
		logger.Warn("rejecting notification with invalid channel token")
		writeJSON(w, http.StatusForbidden, map[string]string{"status": "forbidden"})
		return
	}

	ch, err := h.watches.Resolve(r.Context(), channelID, resourceID)
	if errors.Is(err, ErrUnknownChannel) {
		logger.Info("ignoring notification for unknown channel")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if err != nil {
		// The maintenance sweep picks up whatever this notification announced.
		logger.Error("failed to resolve channel", "err", err)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	if state == resourceStateSync {
		logger.Debug("channel handshake")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	h.processor.Trigger(ch.UserID, ch.CalendarID)
	logger.Debug("sync triggered", "user", ch.UserID, "calendar", ch.CalendarID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
