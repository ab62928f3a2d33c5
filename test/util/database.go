// Package util provides shared database helpers for tests.
package util

import (
	"context"
	"crypto/rand"
	stdsql "database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/brigadehq/brigade/pkg/database"
	"github.com/brigadehq/brigade/pkg/store"
)

var (
	// Shared connection string for all PostgreSQL-backed tests.
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error

	sqliteSeq atomic.Int64
)

// NewTestClient opens a migrated database client for one test.
//
// The default backend is in-memory SQLite, which needs no external service
// and keeps the store suite fast. Setting TEST_POSTGRES=1 (or CI_DATABASE_URL
// in CI) switches to PostgreSQL with a per-test schema, exercising the $N
// rebinding and FOR UPDATE paths the SQLite dialect skips.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()
	if os.Getenv("CI_DATABASE_URL") != "" || os.Getenv("TEST_POSTGRES") != "" {
		return newPostgresClient(t)
	}
	return newSQLiteClient(t)
}

// NewTestStore opens a migrated store for one test.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	return store.New(NewTestClient(t))
}

func newSQLiteClient(t *testing.T) *database.Client {
	t.Helper()
	// A unique shared-cache name per test keeps the schema alive across the
	// pool's single connection without bleeding state between tests.
	dsn := fmt.Sprintf("file:brigadetest%d?mode=memory&cache=shared", sqliteSeq.Add(1))
	client, err := database.NewClient(context.Background(), database.Config{URL: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func newPostgresClient(t *testing.T) *database.Client {
	t.Helper()
	ctx := context.Background()

	connStr := getOrCreateSharedDatabase(t)
	schemaName := generateSchemaName(t)

	admin, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)
	_, err = admin.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %s", schemaName))
	require.NoError(t, err)
	require.NoError(t, admin.Close())

	client, err := database.NewClient(ctx, database.Config{
		URL: addSearchPath(connStr, schemaName),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
		admin, err := stdsql.Open("pgx", connStr)
		if err != nil {
			return
		}
		_, _ = admin.ExecContext(context.Background(),
			fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schemaName))
		_ = admin.Close()
	})
	return client
}

// getOrCreateSharedDatabase returns the shared PostgreSQL connection string:
// CI_DATABASE_URL when set, otherwise a package-scoped testcontainer.
func getOrCreateSharedDatabase(t *testing.T) string {
	if ciURL := os.Getenv("CI_DATABASE_URL"); ciURL != "" {
		return ciURL
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		t.Log("Starting shared PostgreSQL testcontainer")

		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("starting postgres container: %w", err)
			return
		}
		connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = fmt.Errorf("resolving connection string: %w", err)
			return
		}
		sharedConnStr = connStr
	})

	require.NoError(t, containerErr, "failed to start shared test container")
	return sharedConnStr
}

// generateSchemaName builds a unique, PostgreSQL-safe schema name from the
// test name plus a random suffix.
func generateSchemaName(t *testing.T) string {
	name := strings.ToLower(t.Name())
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	if len(name) > 40 {
		name = name[:40]
	}
	suffix := make([]byte, 4)
	_, err := rand.Read(suffix)
	require.NoError(t, err)
	return fmt.Sprintf("test_%s_%s", name, hex.EncodeToString(suffix))
}

// addSearchPath pins every pooled connection to the test schema.
func addSearchPath(connStr, schema string) string {
	sep := "?"
	if strings.Contains(connStr, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%ssearch_path=%s", connStr, sep, schema)
}
