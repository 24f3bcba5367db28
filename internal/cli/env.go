package cli

import (
	"context"
	"fmt"

	"github.com/JonMunkholm/protosync/internal/config"
	"github.com/JonMunkholm/protosync/internal/logging"
	"github.com/JonMunkholm/protosync/internal/normalize"
	"github.com/JonMunkholm/protosync/internal/source"
	"github.com/JonMunkholm/protosync/internal/store"
	"github.com/JonMunkholm/protosync/internal/store/postgres"
	"github.com/JonMunkholm/protosync/internal/store/sqlite"
)

type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

// loadConfig reads the environment and configures logging for the command.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, &configError{err: err}
	}

	level := cfg.Logging.Level
	if opts.Verbose {
		level = "debug"
	}
	logging.Setup(level, cfg.Logging.Format)
	return cfg, nil
}

// OpenStore opens the store selected by the database URL scheme.
func OpenStore(ctx context.Context, db config.DatabaseConfig) (store.Store, error) {
	switch db.Driver() {
	case config.DriverPostgres:
		s, err := postgres.Open(ctx, postgres.Options{
			URL:             db.URL,
			MaxConns:        db.MaxConns,
			MinConns:        db.MinConns,
			MaxConnLifetime: db.MaxConnLifetime,
			MaxConnIdleTime: db.MaxConnIdleTime,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	case config.DriverSQLite:
		s, err := sqlite.Open(db.SQLitePath())
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unsupported database url scheme")
}

func openSource(ctx context.Context, cfg config.SourceConfig) (source.Source, error) {
	src, err := source.Open(ctx, cfg.Kind, source.Options{
		Path:            cfg.Path,
		SpreadsheetID:   cfg.SpreadsheetID,
		Range:           cfg.Range,
		CredentialsFile: cfg.CredentialsFile,
		APIKey:          cfg.APIKey,
	})
	if err != nil {
		return nil, &configError{err: err}
	}
	return src, nil
}

// loadRules returns the rules at path, or the embedded rules when path is
// empty.
func loadRules(path string) (*normalize.Rules, error) {
	if path == "" {
		return normalize.DefaultRules()
	}
	return normalize.LoadRules(path)
}
