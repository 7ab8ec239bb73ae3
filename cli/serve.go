// ABOUTME: Long-running server command: webhook intake, status page and maintenance sweeps
// ABOUTME: Stops on SIGINT/SIGTERM after in-flight requests and sweeps finish
package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/harperreed/compass-sync/sync"
	"github.com/harperreed/compass-sync/web"
)

// ServeCommand runs the webhook server and the maintenance job.
func ServeCommand(app *App, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	listen := fs.String("listen", app.Config.Webhook.Listen, "HTTP listen address")
	sweepNow := fs.Bool("sweep-now", true, "Run one maintenance sweep at startup")
	_ = fs.Parse(args)

	if err := app.Config.ValidateServe(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Background syncs started by notifications stop with the server.
	app.Processor.SetBaseContext(ctx)

	intake := sync.NewNotificationIntake(app.Watches, app.Processor, app.Logger)
	server, err := web.NewServer(intake, app.States, app.Channels, app.Logger)
	if err != nil {
		return err
	}

	job := app.Maintenance()
	if err := job.Start(ctx); err != nil {
		return err
	}
	defer job.Stop()

	if *sweepNow {
		go func() {
			report := job.Sweep(ctx)
			app.Logger.Info("startup sweep finished",
				"renewed", report.Renewed, "synced", report.Synced, "resynced", report.Resynced,
				"failed", report.SyncFailed+report.RenewFailed)
		}()
	}

	app.Logger.Info("serving", "listen", *listen, "webhook", app.Config.Webhook.Address)
	if err := server.ListenAndServe(ctx, *listen); err != nil {
		return err
	}

	app.Logger.Info("shutting down")
	return nil
}
