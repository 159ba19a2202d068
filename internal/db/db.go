// Package db provides the relational storage handle, transactions, and migrations.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "modernc.org/sqlite"             // registers the "sqlite" driver
)

// Driver identifies the SQL engine.
type Driver string

const (
	// DriverSQLite is the embedded engine with FTS5.
	DriverSQLite Driver = "sqlite"
	// DriverPostgres is PostgreSQL, optionally with ParadeDB.
	DriverPostgres Driver = "postgres"
)

// Config configures a database handle.
type Config struct {
	Driver       Driver
	DSN          string
	MaxOpenConns int
}

// DB is a database handle. Every operation borrows a transaction from it.
type DB struct {
	sql    *sql.DB
	driver Driver
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	driverName, dsn, err := driverDSN(cfg)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", cfg.Driver, err)
	}

	maxOpen := cfg.MaxOpenConns
	if cfg.Driver == DriverSQLite && maxOpen == 0 {
		// one writer at a time; readers share it
		maxOpen = 1
	}
	if maxOpen > 0 {
		conn.SetMaxOpenConns(maxOpen)
	}
	conn.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connecting to %s database: %w", cfg.Driver, err)
	}

	return &DB{sql: conn, driver: cfg.Driver}, nil
}

// driverDSN maps a config to the registered database/sql driver name and DSN.
func driverDSN(cfg Config) (string, string, error) {
	switch cfg.Driver {
	case DriverSQLite:
		return "sqlite", sqliteDSN(cfg.DSN), nil
	case DriverPostgres:
		return "pgx", cfg.DSN, nil
	default:
		return "", "", fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}
}

// sqliteDSN turns a file path into a DSN with the pragmas the schema relies on.
func sqliteDSN(path string) string {
	if strings.Contains(path, "_pragma=") {
		return path
	}
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// Driver returns the engine in use.
func (d *DB) Driver() Driver {
	return d.driver
}

// Ping checks the connection.
func (d *DB) Ping(ctx context.Context) error {
	return d.sql.PingContext(ctx)
}

// Close closes the underlying pool.
func (d *DB) Close() error {
	return d.sql.Close()
}

// WithTx runs fn in a read-write transaction. The transaction commits when fn
// returns nil and the context is still live; otherwise it rolls back.
func (d *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	return d.run(ctx, nil, fn)
}

// ReadTx runs fn in a transaction used only for reads, so a count and a page
// observe the same snapshot.
func (d *DB) ReadTx(ctx context.Context, fn func(tx *Tx) error) error {
	var opts *sql.TxOptions
	if d.driver == DriverPostgres {
		opts = &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead}
	}
	return d.run(ctx, opts, fn)
}

func (d *DB) run(ctx context.Context, opts *sql.TxOptions, fn func(tx *Tx) error) error {
	sqlTx, err := d.sql.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()

	if err := fn(&Tx{tx: sqlTx, driver: d.driver}); err != nil {
		return err
	}

	// a caller that went away must not get a partial commit
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	committed = true
	return nil
}

// Tx is a transaction handle passed explicitly through each operation.
// Queries are written with ? placeholders and rebound for the driver.
type Tx struct {
	tx     *sql.Tx
	driver Driver
}

// Driver returns the engine the transaction runs on.
func (t *Tx) Driver() Driver {
	return t.driver
}

// ExecContext executes a statement.
func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, Rebind(t.driver, query), args...)
}

// QueryContext runs a query returning rows.
func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, Rebind(t.driver, query), args...)
}

// QueryRowContext runs a query returning at most one row.
func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, Rebind(t.driver, query), args...)
}

// Rebind rewrites ? placeholders to $n for PostgreSQL. Question marks inside
// single-quoted literals are left alone.
func Rebind(driver Driver, query string) string {
	if driver != DriverPostgres || !strings.Contains(query, "?") {
		return query
	}

	var sb strings.Builder
	sb.Grow(len(query) + 16)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case ch == '\'':
			inQuote = !inQuote
			sb.WriteByte(ch)
		case ch == '?' && !inQuote:
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
		default:
			sb.WriteByte(ch)
		}
	}
	return sb.String()
}
