// Package database provides the relational client shared by every store:
// PostgreSQL for multi-process deployments, SQLite for single-node ones,
// with embedded migrations applied at startup.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
	_ "modernc.org/sqlite"             // cgo-free sqlite driver
)

// Dialect identifies the SQL backend in use.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Config holds database connection settings.
type Config struct {
	// URL is a postgres:// URL, a sqlite:// URL, or a bare SQLite path/DSN.
	URL string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Client wraps the sql.DB handle together with its dialect.
type Client struct {
	db      *sql.DB
	dialect Dialect
}

// DB returns the underlying connection pool.
func (c *Client) DB() *sql.DB { return c.db }

// Dialect returns the backend dialect.
func (c *Client) Dialect() Dialect { return c.dialect }

// Close closes the connection pool.
func (c *Client) Close() error { return c.db.Close() }

// ParseDialect determines the dialect from a database URL.
func ParseDialect(url string) (Dialect, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return DialectPostgres, nil
	case strings.HasPrefix(url, "sqlite://"), strings.HasPrefix(url, "file:"),
		strings.HasSuffix(url, ".db"), url == ":memory:":
		return DialectSQLite, nil
	}
	return "", fmt.Errorf("unrecognized database URL %q (want postgres:// or sqlite://)", url)
}

// NewClient opens the database, configures the pool, verifies connectivity,
// and applies pending migrations.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	dialect, err := ParseDialect(cfg.URL)
	if err != nil {
		return nil, err
	}

	var db *sql.DB
	switch dialect {
	case DialectPostgres:
		db, err = sql.Open("pgx", cfg.URL)
	case DialectSQLite:
		dsn := strings.TrimPrefix(cfg.URL, "sqlite://")
		db, err = sql.Open("sqlite", sqliteDSN(dsn))
	}
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if dialect == DialectSQLite {
		// SQLite tolerates exactly one writer; a single connection avoids
		// SQLITE_BUSY storms from concurrent workers.
		db.SetMaxOpenConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	client := &Client{db: db, dialect: dialect}
	if err := client.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying migrations: %w", err)
	}
	return client, nil
}

// sqliteDSN appends the pragmas every connection needs. Foreign keys are off
// by default in SQLite; busy_timeout papers over transient writer contention.
func sqliteDSN(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// WithTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise.
func (c *Client) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
