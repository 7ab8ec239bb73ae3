// ABOUTME: Classifies raw Google Calendar events into standalone, series and cancellation kinds
// ABOUTME: Classification is computed once per pulled event and reused by mapper and diff
package sync

import (
	"google.golang.org/api/calendar/v3"
)

// Kind is the classification of an external event.
type Kind int

const (
	KindStandalone Kind = iota
	KindRecurrenceBase
	KindRecurrenceInstance
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindStandalone:
		return "standalone"
	case KindRecurrenceBase:
		return "recurrence_base"
	case KindRecurrenceInstance:
		return "recurrence_instance"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

const statusCancelled = "cancelled"

// Classify returns the kind of e. Rules are checked in order and the first
// match wins, so a cancelled instance that still carries recurringEventId is
// always Cancelled.
func Classify(e *calendar.Event) Kind {
	if e == nil {
		return KindStandalone
	}

	hasRule := len(e.Recurrence) > 0
	hasSeries := e.RecurringEventId != ""

	switch {
	case e.Status == statusCancelled:
		return KindCancelled
	case hasRule && !hasSeries:
		return KindRecurrenceBase
	case !hasRule && hasSeries:
		return KindRecurrenceInstance
	default:
		return KindStandalone
	}
}
