// ABOUTME: Status command rendering calendar sync state, watch channels and recent runs
// ABOUTME: Styled terminal output with lipgloss
package cli

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/harperreed/compass-sync/db"
	"github.com/harperreed/compass-sync/models"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("170")).
			MarginBottom(1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")).
			Underline(true)

	calendarStyle = lipgloss.NewStyle().
			Bold(true).
			Width(32)

	idleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	busyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)
)

// statusReport is everything the status command shows.
type statusReport struct {
	States   []db.SyncState
	Channels []*models.WatchChannel
	Runs     []db.SyncRun
}

// StatusCommand prints sync state for every connected calendar.
func StatusCommand(app *App, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	userID := fs.String("user", "", "Show recent runs for this user")
	calendarID := fs.String("calendar", defaultCalendar, "Calendar for --user")
	runs := fs.Int("runs", 5, "Number of recent runs to show")
	_ = fs.Parse(args)

	ctx := context.Background()

	var report statusReport
	var err error
	if report.States, err = app.States.GetAllSyncStates(ctx); err != nil {
		return err
	}
	if report.Channels, err = app.Channels.ListAll(ctx); err != nil {
		return err
	}
	if *userID != "" {
		if report.Runs, err = app.States.RecentSyncRuns(ctx, *userID, *calendarID, *runs); err != nil {
			return err
		}
	}

	fmt.Print(renderStatus(report, time.Now()))
	return nil
}

func renderStatus(r statusReport, now time.Time) string {
	var s strings.Builder

	s.WriteString(titleStyle.Render("Google Calendar Sync"))
	s.WriteString("\n\n")

	if len(r.States) == 0 {
		s.WriteString(mutedStyle.Render("No calendars connected. Run 'compass-sync connect' first."))
		s.WriteString("\n")
		return s.String()
	}

	s.WriteString(headerStyle.Render("Calendars"))
	s.WriteString("\n\n")

	for _, state := range r.States {
		var row strings.Builder
		row.WriteString("  ")
		row.WriteString(calendarStyle.Render(state.UserID + "/" + state.CalendarID))

		switch state.Status {
		case models.SyncStateIdle:
			row.WriteString(idleStyle.Render("  ✓ Idle"))
		case models.SyncStateError:
			row.WriteString(errorStyle.Render("  ✗ Error"))
			if state.ErrorMessage != nil {
				row.WriteString(errorStyle.Render(": " + *state.ErrorMessage))
			}
		case models.SyncStateFullResyncRequired:
			row.WriteString(busyStyle.Render("  ! Full resync required"))
		default:
			row.WriteString(busyStyle.Render("  ⟳ " + state.Status))
		}
		if state.LastSyncTime != nil {
			row.WriteString(mutedStyle.Render(" • Last synced " + formatTimeSince(now, *state.LastSyncTime)))
		}

		s.WriteString(row.String())
		s.WriteString("\n")
	}
	s.WriteString("\n")

	s.WriteString(headerStyle.Render("Watch Channels"))
	s.WriteString("\n\n")
	if len(r.Channels) == 0 {
		s.WriteString(mutedStyle.Render("  No active channels"))
		s.WriteString("\n")
	}
	for _, ch := range r.Channels {
		expiry := idleStyle.Render("expires in " + ch.Expiration.Sub(now).Round(time.Minute).String())
		if ch.Expired(now) {
			expiry = errorStyle.Render("expired")
		}
		fmt.Fprintf(&s, "  %s %s  %s\n", calendarStyle.Render(ch.UserID+"/"+ch.CalendarID), mutedStyle.Render(ch.ChannelID), expiry)
	}

	if len(r.Runs) > 0 {
		s.WriteString("\n")
		s.WriteString(headerStyle.Render("Recent Runs"))
		s.WriteString("\n\n")
		for _, run := range r.Runs {
			kind := "incremental"
			if run.FullImport {
				kind = "full"
			}
			line := fmt.Sprintf("  %s  %-11s  +%d ~%d -%d  (%d pulled, %d skipped)",
				formatTimeSince(now, run.FinishedAt), kind, run.Created, run.Updated, run.Deleted, run.Pulled, run.Skipped)
			if run.ErrorMessage != nil {
				s.WriteString(errorStyle.Render(line + "  " + *run.ErrorMessage))
			} else {
				s.WriteString(line)
			}
			s.WriteString("\n")
		}
	}

	return s.String()
}

func formatTimeSince(now, t time.Time) string {
	duration := now.Sub(t)

	switch {
	case duration < time.Minute:
		return "just now"
	case duration < time.Hour:
		minutes := int(duration.Minutes())
		if minutes == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", minutes)
	case duration < 24*time.Hour:
		hours := int(duration.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	default:
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	}
}
