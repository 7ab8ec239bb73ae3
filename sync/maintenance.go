// ABOUTME: Periodic maintenance for watch channels and sync cursors
// ABOUTME: Renews expiring channels, resyncs invalidated cursors and backstops missed notifications
package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"
)

// MaintenanceConfig controls the sweep schedule and retry backoff.
type MaintenanceConfig struct {
	// Schedule is a cron spec; descriptors such as "@every 5m" are accepted.
	Schedule    string
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Workers bounds how many calendars are processed at once.
	Workers int
}

const (
	DefaultMaintenanceSchedule = "@every 5m"
	DefaultBackoffBase         = 30 * time.Second
	DefaultBackoffMax          = 30 * time.Minute
	DefaultMaintenanceWorkers  = 4
)

// SweepReport counts what one maintenance pass did.
type SweepReport struct {
	Renewed     int
	RenewFailed int
	Resynced    int
	Synced      int
	SyncFailed  int
	BackedOff   int
}

type backoffEntry struct {
	failures int
	until    time.Time
}

// MaintenanceJob runs periodic sweeps. Every calendar is handled on its own;
// one failing calendar never stops the rest of the sweep.
type MaintenanceJob struct {
	processor *Processor
	watches   *WatchManager
	cursors   CursorStore
	cfg       MaintenanceConfig
	logger    *log.Logger
	now       func() time.Time

	mu      gosync.Mutex
	backoff map[flightKey]backoffEntry
	cron    *cron.Cron
}

// NewMaintenanceJob creates a maintenance job.
func NewMaintenanceJob(processor *Processor, watches *WatchManager, cursors CursorStore, cfg MaintenanceConfig, logger *log.Logger) *MaintenanceJob {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultMaintenanceSchedule
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultMaintenanceWorkers
	}
	if logger == nil {
		logger = log.Default()
	}

	return &MaintenanceJob{
		processor: processor,
		watches:   watches,
		cursors:   cursors,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		backoff:   make(map[flightKey]backoffEntry),
	}
}

// Start schedules sweeps until ctx is done or Stop is called. A sweep that is
// still running when the next one is due causes that one to be skipped.
func (m *MaintenanceJob) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(m.cfg.Schedule, func() { m.Sweep(ctx) }); err != nil {
		return fmt.Errorf("invalid maintenance schedule %q: %w", m.cfg.Schedule, err)
	}

	m.mu.Lock()
	m.cron = c
	m.mu.Unlock()

	c.Start()
	m.logger.Info("maintenance scheduled", "schedule", m.cfg.Schedule)

	go func() {
		<-ctx.Done()
		m.Stop()
	}()
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (m *MaintenanceJob) Stop() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

// Sweep runs one maintenance pass: channel renewal first, then cursors.
func (m *MaintenanceJob) Sweep(ctx context.Context) SweepReport {
	var report SweepReport
	var reportMu gosync.Mutex
	count := func(f func(r *SweepReport)) {
		reportMu.Lock()
		f(&report)
		reportMu.Unlock()
	}

	channels, err := m.watches.ListExpiring(ctx)
	if err != nil {
		m.logger.Error("failed to list expiring channels", "err", err)
	}
	m.each(ctx, len(channels), func(i int) {
		ch := channels[i]
		key := flightKey{userID: ch.UserID, calendarID: ch.CalendarID}
		if m.backingOff(key) {
			count(func(r *SweepReport) { r.BackedOff++ })
			return
		}

		_, renewed, err := m.watches.RenewIfExpiringSoon(ctx, ch)
		if err != nil {
			m.recordFailure(key, err)
			m.logger.Warn("channel renewal failed", "channel", ch.ChannelID, "user", ch.UserID, "calendar", ch.CalendarID, "err", err)
			if errors.Is(err, ErrAccessRevoked) {
				if err := m.watches.Delete(ctx, ch.ChannelID); err != nil {
					m.logger.Warn("failed to drop channel after revocation", "channel", ch.ChannelID, "err", err)
				}
			}
			count(func(r *SweepReport) { r.RenewFailed++ })
			return
		}
		m.clearFailure(key)
		if renewed {
			count(func(r *SweepReport) { r.Renewed++ })
		}
	})

	cursors, err := m.cursors.List(ctx, false)
	if err != nil {
		m.logger.Error("failed to list cursors", "err", err)
	}
	m.each(ctx, len(cursors), func(i int) {
		cursor := cursors[i]
		key := flightKey{userID: cursor.UserID, calendarID: cursor.CalendarID}
		if m.backingOff(key) {
			count(func(r *SweepReport) { r.BackedOff++ })
			return
		}

		result, err := m.processor.refresh(ctx, cursor.UserID, cursor.CalendarID, cursor.Invalidated)
		if err != nil {
			m.recordFailure(key, err)
			count(func(r *SweepReport) { r.SyncFailed++ })
			return
		}

		m.clearFailure(key)
		if result == nil {
			// Disconnected since the cursor listing.
			return
		}
		count(func(r *SweepReport) {
			if cursor.Invalidated {
				r.Resynced++
			} else {
				r.Synced++
			}
		})
	})

	m.logger.Info("maintenance sweep finished",
		"renewed", report.Renewed,
		"renew_failed", report.RenewFailed,
		"resynced", report.Resynced,
		"synced", report.Synced,
		"sync_failed", report.SyncFailed,
		"backed_off", report.BackedOff,
	)
	return report
}

// each runs fn for 0..n-1 on at most cfg.Workers goroutines.
func (m *MaintenanceJob) each(ctx context.Context, n int, fn func(i int)) {
	sem := make(chan struct{}, m.cfg.Workers)
	var wg gosync.WaitGroup

	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(i)
		}(i)
	}
	wg.Wait()
}

func (m *MaintenanceJob) backingOff(key flightKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.backoff[key]
	return ok && m.now().Before(entry.until)
}

// recordFailure schedules exponential backoff for ErrProviderUnavailable.
// Other errors are retried on the next sweep.
func (m *MaintenanceJob) recordFailure(key flightKey, err error) {
	if !errors.Is(err, ErrProviderUnavailable) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.backoff[key]
	entry.failures++
	entry.until = m.now().Add(backoffDelay(m.cfg.BackoffBase, m.cfg.BackoffMax, entry.failures))
	m.backoff[key] = entry
}

func (m *MaintenanceJob) clearFailure(key flightKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.backoff, key)
}

// backoffDelay is base doubled per prior failure, capped at max.
func backoffDelay(base, ceiling time.Duration, failures int) time.Duration {
	delay := base
	for i := 1; i < failures && delay < ceiling; i++ {
		delay *= 2
	}
	return min(delay, ceiling)
}
