package store

import (
	"context"
	"database/sql"

	"github.com/brigadehq/brigade/pkg/models"
)

const triggerColumns = "id, owner_id, fiche_id, type, secret, created_at"

func scanTrigger(row interface{ Scan(...any) error }) (*models.Trigger, error) {
	var t models.Trigger
	err := row.Scan(&t.ID, &t.OwnerID, &t.FicheID, &t.Type, &t.Secret, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

// CreateTrigger inserts a trigger for a fiche.
func (s *Store) CreateTrigger(ctx context.Context, ownerID, ficheID int64, typ models.TriggerType, secret string) (*models.Trigger, error) {
	now := s.Now()
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO triggers (owner_id, fiche_id, type, secret, created_at)
		 VALUES (?, ?, ?, ?, ?) RETURNING id`),
		ownerID, ficheID, typ, secret, now).Scan(&id)
	if err != nil {
		return nil, mapWriteErr("creating trigger", err)
	}
	return &models.Trigger{ID: id, OwnerID: ownerID, FicheID: ficheID, Type: typ, Secret: secret, CreatedAt: now}, nil
}

// GetTrigger returns a trigger by id.
func (s *Store) GetTrigger(ctx context.Context, id int64) (*models.Trigger, error) {
	t, err := scanTrigger(s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+triggerColumns+` FROM triggers WHERE id = ?`), id))
	return t, mapReadErr("getting trigger", err)
}

// ListTriggers returns an owner's triggers.
func (s *Store) ListTriggers(ctx context.Context, ownerID int64) ([]*models.Trigger, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+triggerColumns+` FROM triggers WHERE owner_id = ? ORDER BY id`), ownerID)
	if err != nil {
		return nil, mapReadErr("listing triggers", err)
	}
	defer rows.Close()

	var out []*models.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, mapReadErr("scanning trigger", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTrigger removes a trigger.
func (s *Store) DeleteTrigger(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM triggers WHERE id = ?`), id)
	if err != nil {
		return mapWriteErr("deleting trigger", err)
	}
	return requireRow(res, "deleting trigger")
}

// CreateDeviceToken stores the hash of a device ingest token, replacing any
// existing token for the same device.
func (s *Store) CreateDeviceToken(ctx context.Context, ownerID int64, deviceID, tokenHash string) (*models.DeviceToken, error) {
	now := s.Now()
	_, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM device_tokens WHERE owner_id = ? AND device_id = ?`), ownerID, deviceID)
	if err != nil {
		return nil, mapWriteErr("replacing device token", err)
	}
	var id int64
	err = s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO device_tokens (owner_id, device_id, token_hash, created_at)
		 VALUES (?, ?, ?, ?) RETURNING id`),
		ownerID, deviceID, tokenHash, now).Scan(&id)
	if err != nil {
		return nil, mapWriteErr("creating device token", err)
	}
	return &models.DeviceToken{ID: id, OwnerID: ownerID, DeviceID: deviceID, TokenHash: tokenHash, CreatedAt: now}, nil
}

// FindDeviceToken resolves a device token hash to its row, bumping
// last_used_at.
func (s *Store) FindDeviceToken(ctx context.Context, tokenHash string) (*models.DeviceToken, error) {
	var t models.DeviceToken
	var lastUsed sql.NullTime
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, owner_id, device_id, token_hash, created_at, last_used_at
		 FROM device_tokens WHERE token_hash = ?`), tokenHash).
		Scan(&t.ID, &t.OwnerID, &t.DeviceID, &t.TokenHash, &t.CreatedAt, &lastUsed)
	if err != nil {
		return nil, mapReadErr("finding device token", err)
	}
	t.LastUsedAt = timePtr(lastUsed)
	t.CreatedAt = t.CreatedAt.UTC()
	_, _ = s.db.ExecContext(ctx, s.rebind(
		`UPDATE device_tokens SET last_used_at = ? WHERE id = ?`), s.Now(), t.ID)
	return &t, nil
}
