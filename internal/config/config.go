// Package config loads protosync settings from environment variables with
// defaults, and validates them on startup so misconfiguration fails fast.
package config

import (
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Database DatabaseConfig
	Source   SourceConfig
	Sync     SyncConfig
	Logging  LoggingConfig
}

// DatabaseConfig holds store connection settings.
type DatabaseConfig struct {
	// URL selects the store: postgres://... uses PostgreSQL, sqlite://path
	// or file:path uses an embedded SQLite database.
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	// MaxConns is the maximum number of pooled connections (default: 10)
	MaxConns int `env:"DB_MAX_CONNS" default:"10"`

	// MinConns is the minimum number of connections kept open (default: 1)
	MinConns int `env:"DB_MIN_CONNS" default:"1"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// Store drivers selected by the URL scheme.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Driver returns the store driver for URL, or "" when the scheme is unknown.
func (d DatabaseConfig) Driver() string {
	u := strings.ToLower(d.URL)
	switch {
	case strings.HasPrefix(u, "postgres://"), strings.HasPrefix(u, "postgresql://"):
		return DriverPostgres
	case strings.HasPrefix(u, "sqlite://"), strings.HasPrefix(u, "file:"):
		return DriverSQLite
	}
	return ""
}

// SQLitePath returns the database path of a SQLite URL.
func (d DatabaseConfig) SQLitePath() string {
	if strings.HasPrefix(strings.ToLower(d.URL), "sqlite://") {
		return d.URL[len("sqlite://"):]
	}
	return d.URL
}

// SourceConfig selects and configures the spreadsheet source.
type SourceConfig struct {
	// Kind is the source type: csv or sheets (default: csv)
	Kind string `env:"SOURCE_KIND" default:"csv"`

	// Path is the CSV file read by the csv source.
	Path string `env:"SOURCE_PATH"`

	SpreadsheetID   string `env:"SHEETS_SPREADSHEET_ID"`
	Range           string `env:"SHEETS_RANGE" default:"A:Z"`
	CredentialsFile string `env:"SHEETS_CREDENTIALS_FILE" envAlt:"GOOGLE_APPLICATION_CREDENTIALS"`
	APIKey          string `env:"SHEETS_API_KEY"`

	// FetchTimeout bounds the whole fetch (default: 60s)
	FetchTimeout time.Duration `env:"SOURCE_FETCH_TIMEOUT" default:"60s"`
}

// SyncConfig tunes reconciliation runs.
type SyncConfig struct {
	// ChunkSize is the number of operations per bulk write (default: 500)
	ChunkSize int `env:"SYNC_CHUNK_SIZE" default:"500"`

	// OpTimeout bounds each store call (default: 30s)
	OpTimeout time.Duration `env:"SYNC_OP_TIMEOUT" default:"30s"`

	// RunTimeout bounds a whole run (default: 15m)
	RunTimeout time.Duration `env:"SYNC_RUN_TIMEOUT" default:"15m"`

	// ChunksPerSecond paces bulk writes; 0 disables pacing.
	ChunksPerSecond float64 `env:"SYNC_CHUNKS_PER_SECOND" default:"0"`

	// AutoRepair runs dedup after a run that found duplicate stored keys (default: true)
	AutoRepair bool `env:"SYNC_AUTO_REPAIR" default:"true"`

	// RulesFile overrides the embedded business rules.
	RulesFile string `env:"SYNC_RULES_FILE"`

	// ErrorSamples caps the errors listed in a run report (default: 50)
	ErrorSamples int `env:"SYNC_ERROR_SAMPLES" default:"50"`
}

// MaxChunkSize is the largest accepted SYNC_CHUNK_SIZE.
const MaxChunkSize = 5000

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}
