package store

import (
	"context"
	"database/sql"

	"github.com/brigadehq/brigade/pkg/models"
)

const threadColumns = "id, owner_id, fiche_id, title, type, fiche_state, created_at, updated_at"

func scanThread(row interface{ Scan(...any) error }) (*models.Thread, error) {
	var t models.Thread
	err := row.Scan(&t.ID, &t.OwnerID, &t.FicheID, &t.Title, &t.Type, &t.FicheState,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}

// CreateThread inserts a new thread bound to a fiche.
func (s *Store) CreateThread(ctx context.Context, ownerID, ficheID int64, title string, typ models.ThreadType) (*models.Thread, error) {
	now := s.Now()
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO threads (owner_id, fiche_id, title, type, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`),
		ownerID, ficheID, title, typ, now, now).Scan(&id)
	if err != nil {
		return nil, mapWriteErr("creating thread", err)
	}
	return &models.Thread{ID: id, OwnerID: ownerID, FicheID: ficheID, Title: title, Type: typ, CreatedAt: now, UpdatedAt: now}, nil
}

// GetThread returns a thread by id.
func (s *Store) GetThread(ctx context.Context, id int64) (*models.Thread, error) {
	t, err := scanThread(s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+threadColumns+` FROM threads WHERE id = ?`), id))
	return t, mapReadErr("getting thread", err)
}

// FindThreadByType returns the newest thread of the given type for a fiche,
// or ErrNotFound.
func (s *Store) FindThreadByType(ctx context.Context, ficheID int64, typ models.ThreadType) (*models.Thread, error) {
	t, err := scanThread(s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+threadColumns+` FROM threads WHERE fiche_id = ? AND type = ?
		 ORDER BY id DESC LIMIT 1`), ficheID, typ))
	return t, mapReadErr("finding thread", err)
}

// ListThreads returns an owner's threads, newest first. ownerID 0 lists all.
func (s *Store) ListThreads(ctx context.Context, ownerID int64) ([]*models.Thread, error) {
	query := `SELECT ` + threadColumns + ` FROM threads`
	args := []any{}
	if ownerID != 0 {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY id DESC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, mapReadErr("listing threads", err)
	}
	defer rows.Close()

	var out []*models.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, mapReadErr("scanning thread", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateThread applies the non-nil fields of req.
func (s *Store) UpdateThread(ctx context.Context, id int64, req *models.UpdateThreadRequest) (*models.Thread, error) {
	t, err := s.GetThread(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Title != nil {
		t.Title = *req.Title
	}
	now := s.Now()
	_, err = s.db.ExecContext(ctx, s.rebind(
		`UPDATE threads SET title = ?, updated_at = ? WHERE id = ?`), t.Title, now, id)
	if err != nil {
		return nil, mapWriteErr("updating thread", err)
	}
	t.UpdatedAt = now
	return t, nil
}

// SaveThreadState persists the fiche checkpoint blob for a thread.
func (s *Store) SaveThreadState(ctx context.Context, id int64, state models.JSONMap) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE threads SET fiche_state = ?, updated_at = ? WHERE id = ?`), state, s.Now(), id)
	if err != nil {
		return mapWriteErr("saving thread state", err)
	}
	return requireRow(res, "saving thread state")
}

// LoadThreadState returns the fiche checkpoint blob for a thread.
func (s *Store) LoadThreadState(ctx context.Context, id int64) (models.JSONMap, error) {
	var state models.JSONMap
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT fiche_state FROM threads WHERE id = ?`), id).Scan(&state)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, mapReadErr("loading thread state", err)
		}
		return nil, mapReadErr("loading thread state", err)
	}
	return state, nil
}

// DeleteThread removes a thread; messages and courses cascade.
func (s *Store) DeleteThread(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM threads WHERE id = ?`), id)
	if err != nil {
		return mapWriteErr("deleting thread", err)
	}
	return requireRow(res, "deleting thread")
}
