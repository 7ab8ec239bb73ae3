// ABOUTME: Maps Google Calendar events to CompassEvents and back
// ABOUTME: Validates recurrence rules with rrule-go and attaches provider metadata
package sync

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/teambition/rrule-go"
	"google.golang.org/api/calendar/v3"

	"github.com/harperreed/compass-sync/models"
)

const (
	untitledPlaceholder = "untitled"
	dateLayout          = "2006-01-02"
)

// ToInternal maps a non-cancelled external event into a CompassEvent owned by
// userID. The result carries a fresh id; the reconciliation processor swaps in
// the existing internal id when the event is already mirrored. Instances carry
// no Recurrence until diffing links them to a known base.
func ToInternal(userID, calendarID string, e *calendar.Event) (*models.CompassEvent, error) {
	if e == nil {
		return nil, &MappingError{Reason: "nil event"}
	}
	if e.Id == "" {
		return nil, &MappingError{Reason: "missing provider id"}
	}

	start, startAllDay, err := parseEventTime(e.Start)
	if err != nil {
		return nil, &MappingError{EventID: e.Id, Reason: fmt.Sprintf("start: %v", err)}
	}
	end, _, err := parseEventTime(e.End)
	if err != nil {
		return nil, &MappingError{EventID: e.Id, Reason: fmt.Sprintf("end: %v", err)}
	}
	if end.Before(start) {
		return nil, &MappingError{EventID: e.Id, Reason: "end before start"}
	}

	title := e.Summary
	if strings.TrimSpace(title) == "" {
		title = untitledPlaceholder
	}

	ev := &models.CompassEvent{
		ID:          uuid.New(),
		UserID:      userID,
		CalendarID:  calendarID,
		Title:       title,
		Description: e.Description,
		Start:       start,
		End:         end,
		AllDay:      startAllDay,
		Origin:      models.OriginGoogle,
		Priority:    models.PriorityUnassigned,
		Provider: &models.ProviderMetadata{
			EventID:          e.Id,
			RecurringEventID: e.RecurringEventId,
			Etag:             e.Etag,
		},
	}

	switch Classify(e) {
	case KindRecurrenceBase:
		if err := validateRules(e.Recurrence); err != nil {
			return nil, &MappingError{EventID: e.Id, Reason: err.Error()}
		}
		ev.Recurrence = &models.Recurrence{Rules: slices.Clone(e.Recurrence)}
	case KindRecurrenceInstance:
		ev.Recurrence = nil
	case KindCancelled:
		return nil, &MappingError{EventID: e.Id, Reason: "cancelled events carry no content"}
	}

	return ev, nil
}

// ToExternal builds the provider payload for ev. Internal-only fields (ids,
// priority, origin, provider metadata) are not sent; instances are written
// without rules since the provider derives them from the series.
func ToExternal(ev *models.CompassEvent) *calendar.Event {
	if ev == nil {
		return nil
	}

	e := &calendar.Event{
		Summary:     ev.Title,
		Description: ev.Description,
		Start:       formatEventTime(ev.Start, ev.AllDay),
		End:         formatEventTime(ev.End, ev.AllDay),
	}

	if ev.Recurrence != nil && ev.Recurrence.EventID == "" && len(ev.Recurrence.Rules) > 0 {
		e.Recurrence = slices.Clone(ev.Recurrence.Rules)
	}

	return e
}

// RemoveProviderMetadata returns a copy of ev with provider bookkeeping
// stripped, for callers that must not see Google identifiers.
func RemoveProviderMetadata(ev *models.CompassEvent) *models.CompassEvent {
	c := ev.Clone()
	if c != nil {
		c.Provider = nil
	}
	return c
}

func parseEventTime(t *calendar.EventDateTime) (time.Time, bool, error) {
	if t == nil {
		return time.Time{}, false, fmt.Errorf("missing time")
	}

	if t.DateTime != "" {
		parsed, err := time.Parse(time.RFC3339, t.DateTime)
		if err != nil {
			return time.Time{}, false, err
		}
		return parsed, false, nil
	}

	if t.Date != "" {
		parsed, err := time.Parse(dateLayout, t.Date)
		if err != nil {
			return time.Time{}, false, err
		}
		return parsed, true, nil
	}

	return time.Time{}, false, fmt.Errorf("missing date and dateTime")
}

func formatEventTime(t time.Time, allDay bool) *calendar.EventDateTime {
	if allDay {
		return &calendar.EventDateTime{Date: t.Format(dateLayout)}
	}
	return &calendar.EventDateTime{DateTime: t.Format(time.RFC3339)}
}

// validateRules checks RRULE and EXRULE lines. RDATE and EXDATE lines are
// passed through untouched.
func validateRules(lines []string) error {
	for _, line := range lines {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return fmt.Errorf("malformed recurrence line %q", line)
		}
		switch strings.ToUpper(name) {
		case "RRULE", "EXRULE":
			if _, err := rrule.StrToROption(value); err != nil {
				return fmt.Errorf("invalid %s: %w", strings.ToLower(name), err)
			}
		case "RDATE", "EXDATE":
		default:
			if !strings.HasPrefix(strings.ToUpper(name), "RDATE;") && !strings.HasPrefix(strings.ToUpper(name), "EXDATE;") {
				return fmt.Errorf("unsupported recurrence line %q", line)
			}
		}
	}
	return nil
}
