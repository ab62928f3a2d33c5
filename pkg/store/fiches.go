package store

import (
	"context"

	"github.com/brigadehq/brigade/pkg/models"
)

const ficheColumns = `id, owner_id, name, system_instructions, task_instructions, model,
	reasoning_effort, allowed_tools, config, schedule, status, is_concierge,
	created_at, updated_at`

func scanFiche(row interface{ Scan(...any) error }) (*models.Fiche, error) {
	var f models.Fiche
	err := row.Scan(&f.ID, &f.OwnerID, &f.Name, &f.SystemInstructions, &f.TaskInstructions,
		&f.Model, &f.ReasoningEffort, &f.AllowedTools, &f.Config, &f.Schedule,
		&f.Status, &f.IsConcierge, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	f.CreatedAt = f.CreatedAt.UTC()
	f.UpdatedAt = f.UpdatedAt.UTC()
	return &f, nil
}

// CreateFiche inserts a new fiche for the owner.
func (s *Store) CreateFiche(ctx context.Context, ownerID int64, req *models.CreateFicheRequest, isConcierge bool) (*models.Fiche, error) {
	now := s.Now()
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO fiches (owner_id, name, system_instructions, task_instructions, model,
		 reasoning_effort, allowed_tools, config, schedule, status, is_concierge, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		ownerID, req.Name, req.SystemInstructions, req.TaskInstructions, req.Model,
		req.ReasoningEffort, req.AllowedTools, req.Config, req.Schedule,
		models.FicheStatusIdle, isConcierge, now, now).Scan(&id)
	if err != nil {
		return nil, mapWriteErr("creating fiche", err)
	}
	return s.GetFiche(ctx, id)
}

// GetFiche returns a fiche by id.
func (s *Store) GetFiche(ctx context.Context, id int64) (*models.Fiche, error) {
	f, err := scanFiche(s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+ficheColumns+` FROM fiches WHERE id = ?`), id))
	return f, mapReadErr("getting fiche", err)
}

// GetFicheByName returns an owner's fiche by name.
func (s *Store) GetFicheByName(ctx context.Context, ownerID int64, name string) (*models.Fiche, error) {
	f, err := scanFiche(s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+ficheColumns+` FROM fiches WHERE owner_id = ? AND name = ?`), ownerID, name))
	return f, mapReadErr("getting fiche by name", err)
}

// ListFiches returns an owner's fiches, newest first. ownerID 0 lists all
// (admin scope).
func (s *Store) ListFiches(ctx context.Context, ownerID int64) ([]*models.Fiche, error) {
	query := `SELECT ` + ficheColumns + ` FROM fiches`
	args := []any{}
	if ownerID != 0 {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY id DESC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, mapReadErr("listing fiches", err)
	}
	defer rows.Close()

	var out []*models.Fiche
	for rows.Next() {
		f, err := scanFiche(rows)
		if err != nil {
			return nil, mapReadErr("scanning fiche", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ListScheduledFiches returns all fiches with a non-empty cron schedule.
func (s *Store) ListScheduledFiches(ctx context.Context) ([]*models.Fiche, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+ficheColumns+` FROM fiches WHERE schedule IS NOT NULL AND schedule <> '' ORDER BY id`))
	if err != nil {
		return nil, mapReadErr("listing scheduled fiches", err)
	}
	defer rows.Close()

	var out []*models.Fiche
	for rows.Next() {
		f, err := scanFiche(rows)
		if err != nil {
			return nil, mapReadErr("scanning fiche", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// UpdateFiche applies the non-nil fields of req.
func (s *Store) UpdateFiche(ctx context.Context, id int64, req *models.UpdateFicheRequest) (*models.Fiche, error) {
	f, err := s.GetFiche(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		f.Name = *req.Name
	}
	if req.SystemInstructions != nil {
		f.SystemInstructions = *req.SystemInstructions
	}
	if req.TaskInstructions != nil {
		f.TaskInstructions = *req.TaskInstructions
	}
	if req.Model != nil {
		f.Model = *req.Model
	}
	if req.ReasoningEffort != nil {
		f.ReasoningEffort = *req.ReasoningEffort
	}
	if req.AllowedTools != nil {
		f.AllowedTools = *req.AllowedTools
	}
	if req.Config != nil {
		f.Config = *req.Config
	}
	if req.Schedule != nil {
		f.Schedule = req.Schedule
	}
	now := s.Now()
	_, err = s.db.ExecContext(ctx, s.rebind(
		`UPDATE fiches SET name = ?, system_instructions = ?, task_instructions = ?, model = ?,
		 reasoning_effort = ?, allowed_tools = ?, config = ?, schedule = ?, updated_at = ?
		 WHERE id = ?`),
		f.Name, f.SystemInstructions, f.TaskInstructions, f.Model, f.ReasoningEffort,
		f.AllowedTools, f.Config, f.Schedule, now, id)
	if err != nil {
		return nil, mapWriteErr("updating fiche", err)
	}
	f.UpdatedAt = now
	return f, nil
}

// SetFicheStatus updates the fiche's run status.
func (s *Store) SetFicheStatus(ctx context.Context, id int64, status models.FicheStatus) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE fiches SET status = ?, updated_at = ? WHERE id = ?`), status, s.Now(), id)
	if err != nil {
		return mapWriteErr("updating fiche status", err)
	}
	return requireRow(res, "updating fiche status")
}

// DeleteFiche removes a fiche; threads, messages, and courses cascade.
func (s *Store) DeleteFiche(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM fiches WHERE id = ?`), id)
	if err != nil {
		return mapWriteErr("deleting fiche", err)
	}
	return requireRow(res, "deleting fiche")
}
