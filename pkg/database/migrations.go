package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"embed"
)

//go:embed migrations/postgres migrations/sqlite
var migrationsFS embed.FS

// Migrate applies all pending migrations for the client's dialect. Migration
// SQL is embedded per dialect so the binary is self-contained.
func (c *Client) Migrate(ctx context.Context) error {
	dir := "migrations/postgres"
	if c.dialect == DialectSQLite {
		dir = "migrations/sqlite"
	}

	source, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("reading embedded migrations: %w", err)
	}

	var m *migrate.Migrate
	switch c.dialect {
	case DialectPostgres:
		driver, err := migratepg.WithInstance(c.db, &migratepg.Config{})
		if err != nil {
			return fmt.Errorf("creating postgres migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", source, "postgres", driver)
		if err != nil {
			return fmt.Errorf("creating migrate instance: %w", err)
		}
	case DialectSQLite:
		driver, err := migratesqlite.WithInstance(c.db, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("creating sqlite migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", source, "sqlite", driver)
		if err != nil {
			return fmt.Errorf("creating migrate instance: %w", err)
		}
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}

	// Close only the source. m.Close() would also close the shared *sql.DB
	// handed to WithInstance.
	if err := source.Close(); err != nil {
		return fmt.Errorf("closing migration source: %w", err)
	}
	return nil
}
