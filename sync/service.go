// ABOUTME: Calendar connection service used by the CLI and other callers
// ABOUTME: Connect, disconnect, force resync, list mirrored events and publish local events
package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/harperreed/compass-sync/models"
)

// Service is the entry point for callers that manage calendar connections.
type Service struct {
	processor *Processor
	watches   *WatchManager
	provider  Provider
	events    EventStore
	cursors   CursorStore
	state     StateRecorder
	logger    *log.Logger
}

// NewService wires the service from its collaborators.
func NewService(processor *Processor, watches *WatchManager, provider Provider, events EventStore, cursors CursorStore, state StateRecorder, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		processor: processor,
		watches:   watches,
		provider:  provider,
		events:    events,
		cursors:   cursors,
		state:     state,
		logger:    logger,
	}
}

// ConnectCalendar imports (userID, calendarID) and opens a watch channel for
// it. The import runs first so the channel never announces changes to a
// calendar without a cursor. A calendar that already has an active channel
// fails with ErrWatchAlreadyExists after being brought up to date.
func (s *Service) ConnectCalendar(ctx context.Context, userID, calendarID string) (*Result, *models.WatchChannel, error) {
	result, err := s.processor.RunIncrementalSync(ctx, userID, calendarID)
	if err != nil {
		return result, nil, fmt.Errorf("initial import failed: %w", err)
	}

	ch, err := s.watches.Create(ctx, userID, calendarID)
	if err != nil {
		return result, nil, err
	}

	s.logger.Info("calendar connected", "user", userID, "calendar", calendarID, "channel", ch.ChannelID)
	return result, ch, nil
}

// DisconnectCalendar stops watching (userID, calendarID) and drops its cursor
// and sync state. With purge set, mirrored events are deleted as well;
// local-only events are always kept.
func (s *Service) DisconnectCalendar(ctx context.Context, userID, calendarID string, purge bool) error {
	return s.processor.Exclusive(ctx, userID, calendarID, func(ctx context.Context) error {
		if err := s.watches.DeleteForCalendar(ctx, userID, calendarID); err != nil {
			return fmt.Errorf("failed to stop watch channels: %w", err)
		}
		if err := s.cursors.Delete(ctx, userID, calendarID); err != nil {
			return fmt.Errorf("failed to delete cursor: %w", err)
		}
		if err := s.state.DeleteSyncState(ctx, userID, calendarID); err != nil {
			return fmt.Errorf("failed to delete sync state: %w", err)
		}
		if purge {
			n, err := s.events.DeleteMirrored(ctx, userID, calendarID)
			if err != nil {
				return fmt.Errorf("failed to purge events: %w", err)
			}
			s.logger.Info("purged mirrored events", "user", userID, "calendar", calendarID, "count", n)
		}

		s.logger.Info("calendar disconnected", "user", userID, "calendar", calendarID)
		return nil
	})
}

// ForceResync rebuilds the local mirror of (userID, calendarID) from scratch.
func (s *Service) ForceResync(ctx context.Context, userID, calendarID string) (*Result, error) {
	return s.processor.FullResync(ctx, userID, calendarID)
}

// ListEvents returns the stored events of a calendar without provider metadata.
func (s *Service) ListEvents(ctx context.Context, userID, calendarID string) ([]*models.CompassEvent, error) {
	events, err := s.events.ListByCalendar(ctx, userID, calendarID)
	if err != nil {
		return nil, err
	}

	out := make([]*models.CompassEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, RemoveProviderMetadata(ev))
	}
	return out, nil
}

// PublishEvent writes ev upstream and stores it locally with the provider
// metadata the provider assigned. Events without provider metadata are
// inserted; mirrored events are patched.
func (s *Service) PublishEvent(ctx context.Context, ev *models.CompassEvent) (*models.CompassEvent, error) {
	if ev == nil || ev.UserID == "" || ev.CalendarID == "" {
		return nil, errors.New("event needs a user and a calendar")
	}

	var stored *models.CompassEvent
	err := s.processor.Exclusive(ctx, ev.UserID, ev.CalendarID, func(ctx context.Context) error {
		out := ev.Clone()
		payload := ToExternal(out)

		var ws models.WriteSet
		if id := out.ProviderEventID(); id != "" {
			updated, err := s.provider.UpdateEvent(ctx, out.UserID, out.CalendarID, id, payload)
			if err != nil {
				return err
			}
			out.Provider.Etag = updated.Etag
			ws.Updates = append(ws.Updates, out)
		} else {
			created, err := s.provider.InsertEvent(ctx, out.UserID, out.CalendarID, payload)
			if err != nil {
				return err
			}
			out.Provider = &models.ProviderMetadata{
				EventID:          created.Id,
				RecurringEventID: created.RecurringEventId,
				Etag:             created.Etag,
			}
			if out.Origin == "" {
				out.Origin = models.OriginCompass
			}
			if out.Priority == "" {
				out.Priority = models.PriorityUnassigned
			}
			if out.ID == uuid.Nil {
				out.ID = uuid.New()
				ws.Creates = append(ws.Creates, out)
			} else {
				ws.Updates = append(ws.Updates, out)
			}
		}

		if err := s.events.Apply(ctx, ws); err != nil {
			return fmt.Errorf("failed to store published event: %w", err)
		}
		stored = out
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("event published", "user", stored.UserID, "calendar", stored.CalendarID, "event", stored.ID, "provider_id", stored.ProviderEventID())
	return stored, nil
}
