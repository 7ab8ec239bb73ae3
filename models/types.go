// ABOUTME: Data models for the calendar sync engine
// ABOUTME: Defines CompassEvent, SyncCursor, WatchChannel and related constants
package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// CompassEvent is the locally stored copy of a calendar event.
type CompassEvent struct {
	ID          uuid.UUID         `json:"id"`
	UserID      string            `json:"user_id"`
	CalendarID  string            `json:"calendar_id"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Start       time.Time         `json:"start"`
	End         time.Time         `json:"end"`
	AllDay      bool              `json:"all_day"`
	Origin      string            `json:"origin"`
	Priority    string            `json:"priority"`
	Recurrence  *Recurrence       `json:"recurrence,omitempty"`
	Provider    *ProviderMetadata `json:"provider,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Recurrence describes a series. A base carries only Rules; an instance also
// carries EventID, the internal id of its base.
type Recurrence struct {
	Rules   []string `json:"rule"`
	EventID string   `json:"eventId,omitempty"`
}

// ProviderMetadata ties a CompassEvent to the Google event it mirrors.
type ProviderMetadata struct {
	EventID          string `json:"id"`
	RecurringEventID string `json:"recurringEventId,omitempty"`
	Etag             string `json:"etag,omitempty"`
}

// ProviderEventID returns the mirrored Google event id or "" for local-only events.
func (e *CompassEvent) ProviderEventID() string {
	if e == nil || e.Provider == nil {
		return ""
	}
	return e.Provider.EventID
}

// Clone returns a deep copy.
func (e *CompassEvent) Clone() *CompassEvent {
	if e == nil {
		return nil
	}
	c := *e
	if e.Recurrence != nil {
		r := *e.Recurrence
		r.Rules = slices.Clone(e.Recurrence.Rules)
		c.Recurrence = &r
	}
	if e.Provider != nil {
		p := *e.Provider
		c.Provider = &p
	}
	return &c
}

// SameContent reports whether two events carry the same user-visible content:
// title, description, start, end and recurrence.
func (e *CompassEvent) SameContent(o *CompassEvent) bool {
	if e == nil || o == nil {
		return e == o
	}
	if e.Title != o.Title || e.Description != o.Description || e.AllDay != o.AllDay {
		return false
	}
	if !e.Start.Equal(o.Start) || !e.End.Equal(o.End) {
		return false
	}
	return sameRecurrence(e.Recurrence, o.Recurrence)
}

func sameRecurrence(a, b *Recurrence) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.EventID == b.EventID && slices.Equal(a.Rules, b.Rules)
}

// SyncCursor is the incremental sync position for one (user, calendar).
type SyncCursor struct {
	UserID      string    `json:"user_id"`
	CalendarID  string    `json:"calendar_id"`
	Token       string    `json:"token"`
	ValidSince  time.Time `json:"valid_since"`
	Invalidated bool      `json:"invalidated"`
}

// WatchChannel is a push-notification subscription for one (user, calendar).
type WatchChannel struct {
	ChannelID  string    `json:"channel_id"`
	ResourceID string    `json:"resource_id"`
	UserID     string    `json:"user_id"`
	CalendarID string    `json:"calendar_id"`
	Expiration time.Time `json:"expiration"`
	CreatedAt  time.Time `json:"created_at"`
}

// Expired reports whether the channel is past its expiration at now.
func (c *WatchChannel) Expired(now time.Time) bool {
	return !now.Before(c.Expiration)
}

// Origin constants.
const (
	OriginCompass = "compass"
	OriginGoogle  = "google"
)

// Priority constants.
const (
	PriorityUnassigned    = "unassigned"
	PriorityWork          = "work"
	PrioritySelf          = "self"
	PriorityRelationships = "relationships"
)

// Sync state constants.
const (
	SyncStateIdle               = "idle"
	SyncStatePulling            = "pulling"
	SyncStateDiffing            = "diffing"
	SyncStateApplying           = "applying"
	SyncStateFullResyncRequired = "full_resync_required"
	SyncStateError              = "error"
)
