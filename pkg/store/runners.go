package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/brigadehq/brigade/pkg/models"
)

const runnerColumns = `id, owner_id, name, labels, capabilities, status, auth_secret_hash,
	last_heartbeat, created_at, updated_at`

func scanRunner(row interface{ Scan(...any) error }) (*models.Runner, error) {
	var r models.Runner
	var heartbeat sql.NullTime
	err := row.Scan(&r.ID, &r.OwnerID, &r.Name, &r.Labels, &r.Capabilities, &r.Status,
		&r.AuthSecretHash, &heartbeat, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.LastHeartbeat = timePtr(heartbeat)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

// CreateRunner registers a new runner. Names are unique per owner.
func (s *Store) CreateRunner(ctx context.Context, r *models.Runner) (*models.Runner, error) {
	now := s.Now()
	if r.Status == "" {
		r.Status = models.RunnerStatusOffline
	}
	if r.Capabilities == nil {
		r.Capabilities = models.StringList{"exec.readonly"}
	}
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO runners (owner_id, name, labels, capabilities, status, auth_secret_hash,
		 created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		r.OwnerID, r.Name, r.Labels, r.Capabilities, r.Status, r.AuthSecretHash, now, now).Scan(&id)
	if err != nil {
		return nil, mapWriteErr("creating runner", err)
	}
	out := *r
	out.ID = id
	out.CreatedAt = now
	out.UpdatedAt = now
	return &out, nil
}

// GetRunner returns a runner by id.
func (s *Store) GetRunner(ctx context.Context, id int64) (*models.Runner, error) {
	r, err := scanRunner(s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+runnerColumns+` FROM runners WHERE id = ?`), id))
	return r, mapReadErr("getting runner", err)
}

// GetRunnerByName returns an owner's runner by name.
func (s *Store) GetRunnerByName(ctx context.Context, ownerID int64, name string) (*models.Runner, error) {
	r, err := scanRunner(s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+runnerColumns+` FROM runners WHERE owner_id = ? AND name = ?`), ownerID, name))
	return r, mapReadErr("getting runner by name", err)
}

// ListRunners returns an owner's runners. ownerID 0 lists all.
func (s *Store) ListRunners(ctx context.Context, ownerID int64) ([]*models.Runner, error) {
	query := `SELECT ` + runnerColumns + ` FROM runners`
	args := []any{}
	if ownerID != 0 {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, mapReadErr("listing runners", err)
	}
	defer rows.Close()

	var out []*models.Runner
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, mapReadErr("scanning runner", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetRunnerStatus updates connectivity state; online transitions also bump
// the heartbeat.
func (s *Store) SetRunnerStatus(ctx context.Context, id int64, status models.RunnerStatus) error {
	now := s.Now()
	var err error
	if status == models.RunnerStatusOnline {
		_, err = s.db.ExecContext(ctx, s.rebind(
			`UPDATE runners SET status = ?, last_heartbeat = ?, updated_at = ? WHERE id = ?`),
			status, now, now, id)
	} else {
		_, err = s.db.ExecContext(ctx, s.rebind(
			`UPDATE runners SET status = ?, updated_at = ? WHERE id = ?`), status, now, id)
	}
	return mapWriteErr("updating runner status", err)
}

// TouchRunnerHeartbeat records a heartbeat.
func (s *Store) TouchRunnerHeartbeat(ctx context.Context, id int64) error {
	now := s.Now()
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE runners SET last_heartbeat = ?, updated_at = ? WHERE id = ?`), now, now, id)
	return mapWriteErr("touching runner heartbeat", err)
}

// UpdateRunner applies label/capability updates.
func (s *Store) UpdateRunner(ctx context.Context, id int64, labels models.JSONMap, capabilities models.StringList) (*models.Runner, error) {
	r, err := s.GetRunner(ctx, id)
	if err != nil {
		return nil, err
	}
	if labels != nil {
		r.Labels = labels
	}
	if capabilities != nil {
		r.Capabilities = capabilities
	}
	now := s.Now()
	_, err = s.db.ExecContext(ctx, s.rebind(
		`UPDATE runners SET labels = ?, capabilities = ?, updated_at = ? WHERE id = ?`),
		r.Labels, r.Capabilities, now, id)
	if err != nil {
		return nil, mapWriteErr("updating runner", err)
	}
	r.UpdatedAt = now
	return r, nil
}

// MarkAllRunnersOffline resets connectivity at startup; runners re-announce
// themselves when they reconnect. Revoked runners stay revoked.
func (s *Store) MarkAllRunnersOffline(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE runners SET status = ?, updated_at = ? WHERE status = ?`),
		models.RunnerStatusOffline, s.Now(), models.RunnerStatusOnline)
	return mapWriteErr("marking runners offline", err)
}

// CreateEnrollToken stores the hash of a new single-use enrollment token.
func (s *Store) CreateEnrollToken(ctx context.Context, ownerID int64, tokenHash string, expiresAt time.Time) (*models.RunnerEnrollToken, error) {
	now := s.Now()
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO runner_enroll_tokens (owner_id, token_hash, expires_at, created_at)
		 VALUES (?, ?, ?, ?) RETURNING id`),
		ownerID, tokenHash, expiresAt.UTC(), now).Scan(&id)
	if err != nil {
		return nil, mapWriteErr("creating enroll token", err)
	}
	return &models.RunnerEnrollToken{ID: id, OwnerID: ownerID, TokenHash: tokenHash, ExpiresAt: expiresAt.UTC(), CreatedAt: now}, nil
}

// ConsumeEnrollToken atomically marks an unexpired, unused token as used and
// returns it. ErrNotFound means invalid, expired, or already used.
func (s *Store) ConsumeEnrollToken(ctx context.Context, tokenHash string) (*models.RunnerEnrollToken, error) {
	now := s.Now()
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE runner_enroll_tokens SET used_at = ?
		 WHERE token_hash = ? AND used_at IS NULL AND expires_at > ?`),
		now, tokenHash, now)
	if err != nil {
		return nil, mapWriteErr("consuming enroll token", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, mapWriteErr("consuming enroll token", err)
	}
	if n == 0 {
		return nil, mapReadErr("consuming enroll token", sql.ErrNoRows)
	}
	var t models.RunnerEnrollToken
	var usedAt sql.NullTime
	err = s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, owner_id, token_hash, expires_at, used_at, created_at
		 FROM runner_enroll_tokens WHERE token_hash = ?`), tokenHash).
		Scan(&t.ID, &t.OwnerID, &t.TokenHash, &t.ExpiresAt, &usedAt, &t.CreatedAt)
	if err != nil {
		return nil, mapReadErr("reading enroll token", err)
	}
	t.UsedAt = timePtr(usedAt)
	t.ExpiresAt = t.ExpiresAt.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}
