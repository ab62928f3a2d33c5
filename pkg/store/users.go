package store

import (
	"context"
	"database/sql"

	"github.com/brigadehq/brigade/pkg/models"
)

const userColumns = "id, email, role, provider, provider_subject, created_at"

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Email, &u.Role, &u.Provider, &u.ProviderSubject, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

// CreateUser inserts a new user.
func (s *Store) CreateUser(ctx context.Context, email string, role models.UserRole, provider, subject string) (*models.User, error) {
	now := s.Now()
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO users (email, role, provider, provider_subject, created_at)
		 VALUES (?, ?, ?, ?, ?) RETURNING id`),
		email, role, provider, subject, now).Scan(&id)
	if err != nil {
		return nil, mapWriteErr("creating user", err)
	}
	return &models.User{ID: id, Email: email, Role: role, Provider: provider, ProviderSubject: subject, CreatedAt: now}, nil
}

// GetUser returns a user by id.
func (s *Store) GetUser(ctx context.Context, id int64) (*models.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+userColumns+` FROM users WHERE id = ?`), id))
	return u, mapReadErr("getting user", err)
}

// GetUserByEmail returns a user by email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+userColumns+` FROM users WHERE email = ?`), email))
	return u, mapReadErr("getting user by email", err)
}

// GetOrCreateUser looks a user up by email, creating it with the given role
// when absent. Concurrent callers converge on the existing row.
func (s *Store) GetOrCreateUser(ctx context.Context, email string, role models.UserRole) (*models.User, error) {
	u, err := s.GetUserByEmail(ctx, email)
	if err == nil {
		return u, nil
	}
	u, err = s.CreateUser(ctx, email, role, "", "")
	if err == nil {
		return u, nil
	}
	// Lost the insert race; the other writer's row wins.
	return s.GetUserByEmail(ctx, email)
}

// SetUserRole updates a user's role.
func (s *Store) SetUserRole(ctx context.Context, id int64, role models.UserRole) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE users SET role = ? WHERE id = ?`), role, id)
	if err != nil {
		return mapWriteErr("updating user role", err)
	}
	return requireRow(res, "updating user role")
}

// requireRow converts a zero-row update into ErrNotFound.
func requireRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return mapWriteErr(op, err)
	}
	if n == 0 {
		return mapReadErr(op, sql.ErrNoRows)
	}
	return nil
}
