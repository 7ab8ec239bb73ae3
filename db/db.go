// ABOUTME: Database connection management and initialization
// ABOUTME: Opens SQLite (WAL mode) or Postgres stores selected by DSN scheme
package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Store wraps a database handle together with the SQL dialect it speaks.
type Store struct {
	db     *sql.DB
	driver string
}

// NewStore wraps an already opened database. The schema is not touched.
func NewStore(database *sql.DB, driver string) *Store {
	return &Store{db: database, driver: driver}
}

// OpenDatabase opens the SQLite database at path, creating its directory and schema.
func OpenDatabase(path string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	// Open database with WAL mode
	database, err := sql.Open(DriverSQLite, path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	// Configure connection pool for SQLite (avoid database locked errors)
	database.SetMaxOpenConns(1)

	store := NewStore(database, DriverSQLite)
	if err := store.InitSchema(); err != nil {
		_ = database.Close()
		return nil, err
	}

	return store, nil
}

// OpenDSN opens a store from a DSN. postgres:// and postgresql:// select
// Postgres; file: URLs and bare paths select SQLite.
func OpenDSN(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("database dsn cannot be empty")
	}

	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database dsn: %w", err)
	}

	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		database, err := sql.Open(DriverPostgres, dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		if err := database.Ping(); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		store := NewStore(database, DriverPostgres)
		if err := store.InitSchema(); err != nil {
			_ = database.Close()
			return nil, err
		}
		return store, nil
	case "file":
		path := parsed.Path
		if path == "" {
			path = parsed.Opaque
		}
		return OpenDatabase(path)
	case "":
		return OpenDatabase(dsn)
	default:
		return nil, fmt.Errorf("unsupported database scheme %q", parsed.Scheme)
	}
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Driver returns the driver name the store was opened with.
func (s *Store) Driver() string {
	return s.driver
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders into $n for Postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
