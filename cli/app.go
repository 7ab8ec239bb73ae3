// ABOUTME: Wires configuration, storage and the sync engine into one App for CLI commands
// ABOUTME: Builds the logger and the Google provider from configuration
package cli

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"

	"github.com/harperreed/compass-sync/config"
	"github.com/harperreed/compass-sync/db"
	"github.com/harperreed/compass-sync/sync"
)

// App holds every collaborator a command may need.
type App struct {
	Config *config.Config
	Logger *log.Logger

	Store    *db.Store
	Events   *db.EventsRepository
	Cursors  *db.CursorsRepository
	Channels *db.ChannelsRepository
	States   *db.SyncStateRepository
	Tokens   *db.TokensRepository

	Provider  sync.Provider
	Watches   *sync.WatchManager
	Processor *sync.Processor
	Service   *sync.Service
}

// NewLogger returns a stderr logger at the configured level.
func NewLogger(level string) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          config.AppName,
	})
	if lvl, err := log.ParseLevel(level); err == nil {
		logger.SetLevel(lvl)
	}
	return logger
}

// OpenApp opens the configured database and wires the Google-backed engine.
func OpenApp(cfg *config.Config, logger *log.Logger) (*App, error) {
	store, err := db.OpenDSN(cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	tokens := db.NewTokensRepository(store)
	oauthConfig := sync.NewOAuthConfig(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURL)
	provider := sync.NewGoogleProvider(sync.NewServiceFactory(oauthConfig, tokens, logger), logger)

	return NewApp(cfg, logger, store, provider), nil
}

// NewApp wires an App around an open store and a provider.
func NewApp(cfg *config.Config, logger *log.Logger, store *db.Store, provider sync.Provider) *App {
	app := &App{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Events:   db.NewEventsRepository(store),
		Cursors:  db.NewCursorsRepository(store),
		Channels: db.NewChannelsRepository(store),
		States:   db.NewSyncStateRepository(store),
		Tokens:   db.NewTokensRepository(store),
		Provider: provider,
	}

	app.Watches = sync.NewWatchManager(provider, app.Channels, sync.WatchConfig{
		Address:   cfg.Webhook.Address,
		Secret:    cfg.Webhook.Secret,
		MinBuffer: cfg.Watch.MinBuffer,
		RenewLead: cfg.Watch.RenewLead,
		TTL:       cfg.Watch.TTL,
	}, logger)
	app.Processor = sync.NewProcessor(provider, app.Events, app.Cursors, app.States, app.Watches,
		sync.ProcessorConfig{Timeout: cfg.Sync.Timeout}, logger)
	app.Service = sync.NewService(app.Processor, app.Watches, provider, app.Events, app.Cursors, app.States, logger)

	return app
}

// Maintenance builds the periodic maintenance job.
func (a *App) Maintenance() *sync.MaintenanceJob {
	return sync.NewMaintenanceJob(a.Processor, a.Watches, a.Cursors, sync.MaintenanceConfig{
		Schedule:    a.Config.Maintenance.Schedule,
		BackoffBase: a.Config.Maintenance.BackoffBase,
		BackoffMax:  a.Config.Maintenance.BackoffMax,
		Workers:     a.Config.Maintenance.Workers,
	}, a.Logger)
}

// Close releases the database.
func (a *App) Close() error {
	return a.Store.Close()
}
