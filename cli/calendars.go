// ABOUTME: CLI commands managing calendar connections
// ABOUTME: connect, disconnect, resync, sync, events and publish
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/harperreed/compass-sync/models"
	"github.com/harperreed/compass-sync/sync"
)

const defaultCalendar = "primary"

// calendarFlags registers the --user and --calendar flags every command shares.
func calendarFlags(fs *flag.FlagSet) (userID, calendarID *string) {
	userID = fs.String("user", "", "User ID (required)")
	calendarID = fs.String("calendar", defaultCalendar, "Google calendar ID")
	return userID, calendarID
}

// ConnectCommand imports a calendar and opens a watch channel for it.
func ConnectCommand(app *App, args []string) error {
	fs := flag.NewFlagSet("connect", flag.ExitOnError)
	userID, calendarID := calendarFlags(fs)
	_ = fs.Parse(args)

	if *userID == "" {
		return fmt.Errorf("--user is required")
	}

	result, ch, err := app.Service.ConnectCalendar(context.Background(), *userID, *calendarID)
	if result != nil {
		printResult(os.Stdout, result)
	}
	if err != nil {
		return err
	}

	fmt.Printf("✓ Watching %s (channel %s, expires %s)\n", *calendarID, ch.ChannelID, ch.Expiration.Local().Format(time.RFC1123))
	return nil
}

// DisconnectCommand stops watching a calendar and forgets its cursor.
func DisconnectCommand(app *App, args []string) error {
	fs := flag.NewFlagSet("disconnect", flag.ExitOnError)
	userID, calendarID := calendarFlags(fs)
	purge := fs.Bool("purge", false, "Also delete events mirrored from Google")
	_ = fs.Parse(args)

	if *userID == "" {
		return fmt.Errorf("--user is required")
	}

	if err := app.Service.DisconnectCalendar(context.Background(), *userID, *calendarID, *purge); err != nil {
		return err
	}

	fmt.Printf("✓ Disconnected %s\n", *calendarID)
	return nil
}

// ResyncCommand rebuilds a calendar's mirror from a full listing.
func ResyncCommand(app *App, args []string) error {
	fs := flag.NewFlagSet("resync", flag.ExitOnError)
	userID, calendarID := calendarFlags(fs)
	_ = fs.Parse(args)

	if *userID == "" {
		return fmt.Errorf("--user is required")
	}

	result, err := app.Service.ForceResync(context.Background(), *userID, *calendarID)
	if result != nil {
		printResult(os.Stdout, result)
	}
	return err
}

// SyncCommand runs one incremental sync.
func SyncCommand(app *App, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	userID, calendarID := calendarFlags(fs)
	_ = fs.Parse(args)

	if *userID == "" {
		return fmt.Errorf("--user is required")
	}

	result, err := app.Processor.RunIncrementalSync(context.Background(), *userID, *calendarID)
	if result != nil {
		printResult(os.Stdout, result)
	}
	return err
}

// EventsCommand lists the stored events of a calendar.
func EventsCommand(app *App, args []string) error {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	userID, calendarID := calendarFlags(fs)
	_ = fs.Parse(args)

	if *userID == "" {
		return fmt.Errorf("--user is required")
	}

	events, err := app.Service.ListEvents(context.Background(), *userID, *calendarID)
	if err != nil {
		return err
	}

	printEvents(os.Stdout, events)
	return nil
}

// PublishCommand creates a local event and writes it to Google.
func PublishCommand(app *App, args []string) error {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	userID, calendarID := calendarFlags(fs)
	title := fs.String("title", "", "Event title (required)")
	description := fs.String("description", "", "Event description")
	start := fs.String("start", "", "Start time, RFC3339 or YYYY-MM-DD for all-day (required)")
	end := fs.String("end", "", "End time, same format as --start (required)")
	priority := fs.String("priority", models.PriorityUnassigned, "Priority: unassigned, work, self, relationships")
	_ = fs.Parse(args)

	if *userID == "" || *title == "" || *start == "" || *end == "" {
		return fmt.Errorf("--user, --title, --start and --end are required")
	}

	ev, err := buildEvent(*userID, *calendarID, *title, *description, *start, *end, *priority)
	if err != nil {
		return err
	}

	stored, err := app.Service.PublishEvent(context.Background(), ev)
	if err != nil {
		return err
	}

	fmt.Printf("✓ Published %s (google id %s)\n", stored.ID, stored.ProviderEventID())
	return nil
}

func buildEvent(userID, calendarID, title, description, start, end, priority string) (*models.CompassEvent, error) {
	switch priority {
	case models.PriorityUnassigned, models.PriorityWork, models.PrioritySelf, models.PriorityRelationships:
	default:
		return nil, fmt.Errorf("unknown priority %q", priority)
	}

	startAt, startAllDay, err := parseWhen(start)
	if err != nil {
		return nil, fmt.Errorf("invalid --start: %w", err)
	}
	endAt, endAllDay, err := parseWhen(end)
	if err != nil {
		return nil, fmt.Errorf("invalid --end: %w", err)
	}
	if startAllDay != endAllDay {
		return nil, fmt.Errorf("--start and --end must both be dates or both be times")
	}
	if !endAt.After(startAt) {
		return nil, fmt.Errorf("--end must be after --start")
	}

	return &models.CompassEvent{
		UserID:      userID,
		CalendarID:  calendarID,
		Title:       title,
		Description: description,
		Start:       startAt,
		End:         endAt,
		AllDay:      startAllDay,
		Origin:      models.OriginCompass,
		Priority:    priority,
	}, nil
}

func parseWhen(s string) (time.Time, bool, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, true, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, false, nil
}

func printResult(w io.Writer, r *sync.Result) {
	kind := "incremental"
	if r.FullImport {
		kind = "full"
	}
	_, _ = fmt.Fprintf(w, "%s sync %s: pulled %d, created %d, updated %d, deleted %d, unchanged %d, skipped %d (%s)\n",
		kind, r.RunID, r.Pulled, len(r.Creates), len(r.Updates), len(r.Deletes), r.Unchanged, r.Skipped, r.Duration.Round(time.Millisecond))
}

func printEvents(w io.Writer, events []*models.CompassEvent) {
	if len(events) == 0 {
		_, _ = fmt.Fprintln(w, "No events found.")
		return
	}

	for _, ev := range events {
		when := ev.Start.Local().Format("2006-01-02 15:04")
		if ev.AllDay {
			when = ev.Start.Format(time.DateOnly) + " (all day)"
		}
		line := fmt.Sprintf("%s  %-28s  %-13s  %s", ev.ID, when, ev.Priority, ev.Title)
		if ev.Recurrence != nil && len(ev.Recurrence.Rules) > 0 {
			line += "  ↻"
		}
		_, _ = fmt.Fprintln(w, line)
	}
	_, _ = fmt.Fprintf(w, "\n%d events\n", len(events))
}
