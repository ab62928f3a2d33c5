// Package store implements data access over the relational database. All
// SQL lives here, written once with ? placeholders and rebound to $N for
// PostgreSQL. Callers receive models and sentinel errors, never sql rows.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	sqlite "modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/brigadehq/brigade/pkg/database"
)

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when a uniqueness constraint rejects a write.
	ErrAlreadyExists = errors.New("entity already exists")
)

// Store provides data access for every entity family. It is safe for
// concurrent use; methods taking a *sql.Tx participate in the caller's
// transaction.
type Store struct {
	client *database.Client
	db     *sql.DB
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store over the given database client.
func New(client *database.Client, opts ...Option) *Store {
	s := &Store{
		client: client,
		db:     client.DB(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Client returns the underlying database client.
func (s *Store) Client() *database.Client { return s.client }

// Now returns the store's current UTC time.
func (s *Store) Now() time.Time { return s.now().UTC() }

// WithTx runs fn inside a transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.client.WithTx(ctx, fn)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q returns tx when non-nil, else the pooled handle.
func (s *Store) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return s.db
}

// rebind converts ? placeholders to $N for PostgreSQL. SQLite takes ? as-is.
func (s *Store) rebind(query string) string {
	if s.client.Dialect() != database.DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// forUpdate appends a row lock clause on PostgreSQL. SQLite serializes
// writers at the connection level, so no clause is needed there.
func (s *Store) forUpdate(query string) string {
	if s.client.Dialect() == database.DialectPostgres {
		return query + " FOR UPDATE"
	}
	return query
}

// IsUniqueViolation reports whether err is a uniqueness constraint failure
// on either backend.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		code := sqErr.Code()
		return code == sqlitelib.SQLITE_CONSTRAINT_UNIQUE ||
			code == sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY ||
			code == sqlitelib.SQLITE_CONSTRAINT
	}
	return false
}

// mapWriteErr converts driver-level constraint failures to sentinels.
func mapWriteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsUniqueViolation(err) {
		return fmt.Errorf("%s: %w", op, ErrAlreadyExists)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// mapReadErr converts sql.ErrNoRows to ErrNotFound.
func mapReadErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// nullTime converts *time.Time to a driver value.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// timePtr converts a scanned NullTime back to *time.Time in UTC.
func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}

// nullInt64 converts *int64 to a driver value.
func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// int64Ptr converts a scanned NullInt64 back to *int64.
func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

// intPtr converts a scanned NullInt64 back to *int.
func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

// nullString converts a possibly empty string to a nullable driver value.
// Used for UUID columns where PostgreSQL rejects '' as a uuid.
func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
