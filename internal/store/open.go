package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/qrelscope/qrelscope/internal/config"
	"github.com/qrelscope/qrelscope/internal/db"
	"github.com/qrelscope/qrelscope/internal/fulltext"
	"github.com/qrelscope/qrelscope/internal/pkg/logger"
	"github.com/qrelscope/qrelscope/internal/pkg/security"
)

// DBConfig converts the database section of the application configuration.
func DBConfig(cfg config.DatabaseConfig) db.Config {
	return db.Config{
		Driver:       db.Driver(cfg.Driver),
		DSN:          cfg.DSN,
		MaxOpenConns: cfg.MaxOpenConns,
	}
}

// Open connects to the configured database, migrating it first when
// migrate is set, and returns a service over it. Closing the service's DB
// is left to the caller.
func Open(ctx context.Context, cfg *config.Config, migrate bool, log *logger.Logger) (*Service, error) {
	if log == nil {
		log = logger.Discard()
	}
	dbCfg := DBConfig(cfg.Database)

	dialect, err := fulltext.New(cfg.Database.FullText)
	if err != nil {
		return nil, err
	}

	log.Info("Opening database",
		"driver", cfg.Database.Driver,
		"dsn", security.RedactDSN(cfg.Database.DSN),
		"fulltext", dialect.Name(),
	)

	if dir := sqliteDir(dbCfg); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	if migrate {
		if err := db.Migrate(ctx, dbCfg); err != nil {
			return nil, fmt.Errorf("migrating database: %w", err)
		}
	}

	database, err := db.Open(ctx, dbCfg)
	if err != nil {
		return nil, err
	}

	svcCfg := ServiceConfig{
		Languages:    cfg.Languages,
		DefaultLimit: cfg.Search.DefaultLimit,
		MaxLimit:     cfg.Search.MaxLimit,
		Highlight: fulltext.Highlight{
			Open:   cfg.Search.HighlightOpen,
			Close:  cfg.Search.HighlightClose,
			Length: cfg.Search.SnippetLength,
		},
	}
	return NewService(database, dialect, svcCfg, log), nil
}

// sqliteDir returns the directory holding a file-backed SQLite database.
func sqliteDir(cfg db.Config) string {
	if cfg.Driver != db.DriverSQLite {
		return ""
	}
	path, _, _ := strings.Cut(strings.TrimPrefix(cfg.DSN, "file:"), "?")
	if path == "" || strings.HasPrefix(path, ":memory:") {
		return ""
	}
	if dir := filepath.Dir(path); dir != "." {
		return dir
	}
	return ""
}
