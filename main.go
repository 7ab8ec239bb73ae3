// ABOUTME: Entry point for the compass-sync CLI
// ABOUTME: Loads configuration, wires the app and routes to subcommands
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/harperreed/compass-sync/cli"
	"github.com/harperreed/compass-sync/config"
)

const version = "0.2.0"

func main() {
	// Global flags
	showVersion := flag.Bool("version", false, "Show version and exit")
	configPath := flag.String("config", config.DefaultConfigPath(), "Config file path")
	dsn := flag.String("db", "", "Database DSN (overrides config)")
	writeConfig := flag.Bool("write-config", false, "Write the effective config to --config and exit")

	// Parse global flags but don't fail on unknown (for subcommands)
	_ = flag.CommandLine.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("compass-sync version %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := cli.NewLogger(cfg.LogLevel)

	if *writeConfig {
		if err := config.Save(*configPath, cfg); err != nil {
			logger.Fatal("failed to write config", "err", err)
		}
		logger.Info("config written", "path", *configPath)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(0)
	}

	commands := map[string]func(*cli.App, []string) error{
		"auth":       cli.AuthCommand,
		"connect":    cli.ConnectCommand,
		"disconnect": cli.DisconnectCommand,
		"resync":     cli.ResyncCommand,
		"sync":       cli.SyncCommand,
		"events":     cli.EventsCommand,
		"publish":    cli.PublishCommand,
		"status":     cli.StatusCommand,
		"serve":      cli.ServeCommand,
	}

	command := args[0]
	run, ok := commands[command]
	if !ok {
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}

	app, err := cli.OpenApp(cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", "err", err)
	}

	err = run(app, args[1:])
	_ = app.Close()
	if err != nil {
		logger.Fatal(command+" failed", "err", err)
	}
}

func printUsage() {
	fmt.Printf(`compass-sync v%s - Google Calendar sync engine

USAGE:
  compass-sync [global flags] <command> [flags]

GLOBAL FLAGS:
  --version              Show version and exit
  --config <path>        Config file (default: ~/.config/compass-sync/config.yaml)
  --db <dsn>             Database DSN, SQLite path or postgres:// URL
  --write-config         Write the effective config to --config and exit

COMMANDS:
  auth                   Authorize Google Calendar access for a user
    --user <id>            User ID (required)
    --no-browser           Print the URL instead of opening a browser

  connect                Import a calendar and start watching it
  disconnect             Stop watching a calendar
    --purge                Also delete events mirrored from Google
  resync                 Rebuild a calendar from a full listing
  sync                   Run one incremental sync
  events                 List stored events
    --user <id>            User ID (required for all calendar commands)
    --calendar <id>        Calendar ID (default: primary)

  publish                Create an event locally and on Google
    --title <text>         Event title (required)
    --start <time>         RFC3339 time or YYYY-MM-DD (required)
    --end <time>           RFC3339 time or YYYY-MM-DD (required)
    --priority <p>         unassigned, work, self or relationships

  status                 Show sync state, channels and recent runs
    --user <id>            Include recent runs for this user

  serve                  Run the webhook server and maintenance sweeps
    --listen <addr>        Listen address (default from config)

ENVIRONMENT:
  GOOGLE_CLIENT_ID, GOOGLE_CLIENT_SECRET   OAuth client credentials
  COMPASS_WEBHOOK_ADDRESS                  Public notification URL
  COMPASS_WEBHOOK_SECRET                   Channel token signing secret
  COMPASS_DATABASE_DSN                     Database DSN
  A .env file in the working directory is loaded first.

EXAMPLES:
  compass-sync auth --user alice
  compass-sync connect --user alice
  compass-sync serve
  compass-sync status --user alice

`, version)
}
