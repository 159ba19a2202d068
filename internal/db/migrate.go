package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

// Migrate applies all pending schema migrations for the configured engine.
// It uses its own connection because closing the migrator closes the handle.
func Migrate(ctx context.Context, cfg Config) error {
	driverName, dsn, err := driverDSN(cfg)
	if err != nil {
		return err
	}

	conn, err := sql.Open(driverName, dsn)
	if err != nil {
		return fmt.Errorf("opening database for migrations: %w", err)
	}
	defer conn.Close()

	if err := conn.PingContext(ctx); err != nil {
		return fmt.Errorf("connecting to database for migrations: %w", err)
	}

	var (
		instance database.Driver
		dir      string
	)
	switch cfg.Driver {
	case DriverSQLite:
		instance, err = sqlitemigrate.WithInstance(conn, &sqlitemigrate.Config{})
		dir = "migrations/sqlite"
	case DriverPostgres:
		instance, err = pgxmigrate.WithInstance(conn, &pgxmigrate.Config{})
		dir = "migrations/postgres"
	}
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}

	source, err := iofs.New(migrationFS, dir)
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, string(cfg.Driver), instance)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
