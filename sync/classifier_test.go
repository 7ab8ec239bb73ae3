// ABOUTME: Tests for external event classification
// ABOUTME: Covers rule ordering, including cancelled series members
package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/api/calendar/v3"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		event *calendar.Event
		want  Kind
	}{
		{
			name:  "plain event",
			event: &calendar.Event{Id: "a", Status: "confirmed"},
			want:  KindStandalone,
		},
		{
			name:  "series base",
			event: &calendar.Event{Id: "a", Recurrence: []string{"RRULE:FREQ=DAILY"}},
			want:  KindRecurrenceBase,
		},
		{
			name:  "series instance",
			event: &calendar.Event{Id: "a_20250101", RecurringEventId: "a"},
			want:  KindRecurrenceInstance,
		},
		{
			name:  "cancelled standalone",
			event: &calendar.Event{Id: "b", Status: "cancelled"},
			want:  KindCancelled,
		},
		{
			name:  "cancelled instance wins over instance rule",
			event: &calendar.Event{Id: "a_20250102", Status: "cancelled", RecurringEventId: "a"},
			want:  KindCancelled,
		},
		{
			name:  "cancelled base",
			event: &calendar.Event{Id: "a", Status: "cancelled", Recurrence: []string{"RRULE:FREQ=DAILY"}},
			want:  KindCancelled,
		},
		{
			name:  "rule and series id together",
			event: &calendar.Event{Id: "a_1", Recurrence: []string{"RRULE:FREQ=DAILY"}, RecurringEventId: "a"},
			want:  KindStandalone,
		},
		{
			name:  "nil",
			event: nil,
			want:  KindStandalone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.event))
		})
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "recurrence_instance", KindRecurrenceInstance.String())
	assert.Equal(t, "unknown", Kind(42).String())
}
