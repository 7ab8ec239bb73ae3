// ABOUTME: Application configuration loaded from YAML, .env files and environment variables
// ABOUTME: Provides defaults, normalization and validation for every sync component
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adrg/xdg"
	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// AppName names the XDG config and data directories.
const AppName = "compass-sync"

// Config is the top-level application configuration.
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Google      GoogleConfig      `yaml:"google"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	Watch       WatchConfig       `yaml:"watch"`
	Sync        SyncConfig        `yaml:"sync"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	// DSN is a SQLite path or a postgres:// URL.
	DSN string `yaml:"dsn"`
}

// GoogleConfig holds OAuth client credentials.
type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
}

// WebhookConfig configures the notification endpoint.
type WebhookConfig struct {
	// Listen is the local HTTP listen address.
	Listen string `yaml:"listen"`
	// Address is the public HTTPS URL registered with Google.
	Address string `yaml:"address"`
	// Secret signs channel tokens.
	Secret string `yaml:"secret"`
}

// WatchConfig tunes watch channel lifetimes.
type WatchConfig struct {
	MinBuffer time.Duration `yaml:"min_buffer"`
	RenewLead time.Duration `yaml:"renew_lead"`
	TTL       time.Duration `yaml:"ttl"`
}

// SyncConfig tunes reconciliation runs.
type SyncConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// MaintenanceConfig tunes the periodic sweep.
type MaintenanceConfig struct {
	Schedule    string        `yaml:"schedule"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
	Workers     int           `yaml:"workers"`
}

// DefaultConfigPath returns the XDG config file location.
func DefaultConfigPath() string {
	return filepath.Join(xdg.ConfigHome, AppName, "config.yaml")
}

// DefaultDatabasePath returns the XDG SQLite database location.
func DefaultDatabasePath() string {
	return filepath.Join(xdg.DataHome, AppName, "compass.db")
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{DSN: DefaultDatabasePath()},
		Google:   GoogleConfig{RedirectURL: "http://localhost:8080/oauth/callback"},
		Webhook:  WebhookConfig{Listen: "127.0.0.1:8080"},
		Watch: WatchConfig{
			MinBuffer: 5 * time.Minute,
			RenewLead: 24 * time.Hour,
			TTL:       7 * 24 * time.Hour,
		},
		Sync: SyncConfig{Timeout: 2 * time.Minute},
		Maintenance: MaintenanceConfig{
			Schedule:    "@every 5m",
			BackoffBase: 30 * time.Second,
			BackoffMax:  30 * time.Minute,
			Workers:     4,
		},
		LogLevel: "info",
	}
}

// Normalize fills zero values with defaults so partial files behave.
func (c *Config) Normalize() {
	d := DefaultConfig()

	if c.Database.DSN == "" {
		c.Database.DSN = d.Database.DSN
	}
	if c.Google.RedirectURL == "" {
		c.Google.RedirectURL = d.Google.RedirectURL
	}
	if c.Webhook.Listen == "" {
		c.Webhook.Listen = d.Webhook.Listen
	}
	if c.Watch.MinBuffer <= 0 {
		c.Watch.MinBuffer = d.Watch.MinBuffer
	}
	if c.Watch.RenewLead <= 0 {
		c.Watch.RenewLead = d.Watch.RenewLead
	}
	if c.Watch.TTL < 0 {
		c.Watch.TTL = 0
	}
	if c.Sync.Timeout <= 0 {
		c.Sync.Timeout = d.Sync.Timeout
	}
	if c.Maintenance.Schedule == "" {
		c.Maintenance.Schedule = d.Maintenance.Schedule
	}
	if c.Maintenance.BackoffBase <= 0 {
		c.Maintenance.BackoffBase = d.Maintenance.BackoffBase
	}
	if c.Maintenance.BackoffMax <= 0 {
		c.Maintenance.BackoffMax = d.Maintenance.BackoffMax
	}
	if c.Maintenance.Workers <= 0 {
		c.Maintenance.Workers = d.Maintenance.Workers
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	var errs []error

	if _, err := cron.ParseStandard(c.Maintenance.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("maintenance.schedule: %w", err))
	}
	if c.Maintenance.BackoffMax < c.Maintenance.BackoffBase {
		errs = append(errs, errors.New("maintenance.backoff_max must not be below backoff_base"))
	}
	if c.Watch.RenewLead <= c.Watch.MinBuffer {
		errs = append(errs, errors.New("watch.renew_lead must exceed watch.min_buffer"))
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}

	return errors.Join(errs...)
}

// ValidateServe additionally checks what the webhook server needs.
func (c *Config) ValidateServe() error {
	var errs []error
	if err := c.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Webhook.Address == "" {
		errs = append(errs, errors.New("webhook.address is required"))
	}
	if c.Webhook.Secret == "" {
		errs = append(errs, errors.New("webhook.secret is required"))
	}
	if c.Google.ClientID == "" || c.Google.ClientSecret == "" {
		errs = append(errs, errors.New("google client credentials are required"))
	}
	return errors.Join(errs...)
}

// Load reads configuration from path. A .env file in the working directory is
// loaded first, and environment variables override file values. A missing
// config file yields the defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			cfg = &Config{}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return cfg, nil
}

// Save writes cfg to path with 0600 permissions, creating parent directories.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// applyEnvOverrides applies environment variable overrides:
//   - COMPASS_DATABASE_DSN
//   - GOOGLE_CLIENT_ID, GOOGLE_CLIENT_SECRET, GOOGLE_REDIRECT_URL
//   - COMPASS_WEBHOOK_LISTEN, COMPASS_WEBHOOK_ADDRESS, COMPASS_WEBHOOK_SECRET
//   - COMPASS_SYNC_TIMEOUT
//   - COMPASS_MAINTENANCE_SCHEDULE, COMPASS_MAINTENANCE_WORKERS
//   - COMPASS_LOG_LEVEL
func applyEnvOverrides(cfg *Config) error {
	strings := map[string]*string{
		"COMPASS_DATABASE_DSN":         &cfg.Database.DSN,
		"GOOGLE_CLIENT_ID":             &cfg.Google.ClientID,
		"GOOGLE_CLIENT_SECRET":         &cfg.Google.ClientSecret,
		"GOOGLE_REDIRECT_URL":          &cfg.Google.RedirectURL,
		"COMPASS_WEBHOOK_LISTEN":       &cfg.Webhook.Listen,
		"COMPASS_WEBHOOK_ADDRESS":      &cfg.Webhook.Address,
		"COMPASS_WEBHOOK_SECRET":       &cfg.Webhook.Secret,
		"COMPASS_MAINTENANCE_SCHEDULE": &cfg.Maintenance.Schedule,
		"COMPASS_LOG_LEVEL":            &cfg.LogLevel,
	}
	for key, dst := range strings {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("COMPASS_SYNC_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("COMPASS_SYNC_TIMEOUT: %w", err)
		}
		cfg.Sync.Timeout = d
	}
	if v := os.Getenv("COMPASS_MAINTENANCE_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("COMPASS_MAINTENANCE_WORKERS: %w", err)
		}
		cfg.Maintenance.Workers = n
	}

	return nil
}
