package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/brigadehq/brigade/pkg/models"
)

const courseColumns = `id, owner_id, fiche_id, thread_id, status, trigger_type, trace_id,
	continuation_of_course_id, started_at, finished_at, duration_ms, total_tokens,
	total_cost_usd, summary, error, created_at, updated_at`

func scanCourse(row interface{ Scan(...any) error }) (*models.Course, error) {
	var c models.Course
	var contOf, durationMS sql.NullInt64
	var startedAt, finishedAt sql.NullTime
	err := row.Scan(&c.ID, &c.OwnerID, &c.FicheID, &c.ThreadID, &c.Status, &c.Trigger,
		&c.TraceID, &contOf, &startedAt, &finishedAt, &durationMS, &c.TotalTokens,
		&c.TotalCostUSD, &c.Summary, &c.Error, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.ContinuationOfCourseID = int64Ptr(contOf)
	c.DurationMS = int64Ptr(durationMS)
	c.StartedAt = timePtr(startedAt)
	c.FinishedAt = timePtr(finishedAt)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

// CreateCourse inserts a new course row.
func (s *Store) CreateCourse(ctx context.Context, tx *sql.Tx, c *models.Course) (*models.Course, error) {
	now := s.Now()
	if c.Status == "" {
		c.Status = models.CourseStatusQueued
	}
	var started sql.NullTime
	if c.Status == models.CourseStatusRunning {
		started = sql.NullTime{Time: now, Valid: true}
	}
	var id int64
	err := s.q(tx).QueryRowContext(ctx, s.rebind(
		`INSERT INTO courses (owner_id, fiche_id, thread_id, status, trigger_type, trace_id,
		 continuation_of_course_id, started_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		c.OwnerID, c.FicheID, c.ThreadID, c.Status, c.Trigger, c.TraceID,
		nullInt64(c.ContinuationOfCourseID), started, now, now).Scan(&id)
	if err != nil {
		return nil, mapWriteErr("creating course", err)
	}
	out := *c
	out.ID = id
	out.StartedAt = timePtr(started)
	out.CreatedAt = now
	out.UpdatedAt = now
	return &out, nil
}

// GetCourse returns a course by id.
func (s *Store) GetCourse(ctx context.Context, id int64) (*models.Course, error) {
	return s.getCourse(ctx, nil, id, false)
}

// GetCourseForUpdate returns a course by id, locking the row on PostgreSQL.
// Must run inside tx; the lock also serializes event seq assignment and
// barrier mutations for the course.
func (s *Store) GetCourseForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*models.Course, error) {
	return s.getCourse(ctx, tx, id, true)
}

func (s *Store) getCourse(ctx context.Context, tx *sql.Tx, id int64, lock bool) (*models.Course, error) {
	query := `SELECT ` + courseColumns + ` FROM courses WHERE id = ?`
	if lock {
		query = s.forUpdate(query)
	}
	c, err := scanCourse(s.q(tx).QueryRowContext(ctx, s.rebind(query), id))
	return c, mapReadErr("getting course", err)
}

// ListCourses returns courses filtered by owner and optional status, newest
// first. ownerID 0 lists all owners.
func (s *Store) ListCourses(ctx context.Context, ownerID int64, status models.CourseStatus, limit int) ([]*models.Course, error) {
	query := `SELECT ` + courseColumns + ` FROM courses WHERE 1=1`
	args := []any{}
	if ownerID != 0 {
		query += ` AND owner_id = ?`
		args = append(args, ownerID)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, mapReadErr("listing courses", err)
	}
	defer rows.Close()

	var out []*models.Course
	for rows.Next() {
		c, err := scanCourse(rows)
		if err != nil {
			return nil, mapReadErr("scanning course", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetCourseStatus transitions a course's status and maintains the timing
// columns: running sets started_at, terminal statuses set finished_at and
// duration_ms.
func (s *Store) SetCourseStatus(ctx context.Context, tx *sql.Tx, id int64, status models.CourseStatus, errMsg string) error {
	now := s.Now()
	var query string
	var args []any
	switch {
	case status == models.CourseStatusRunning:
		query = `UPDATE courses SET status = ?, updated_at = ?, started_at = COALESCE(started_at, ?), error = '' WHERE id = ?`
		args = []any{status, now, now, id}
	case status.Terminal():
		c, err := s.getCourse(ctx, tx, id, false)
		if err != nil {
			return err
		}
		var durationMS sql.NullInt64
		if c.StartedAt != nil {
			durationMS = sql.NullInt64{Int64: now.Sub(*c.StartedAt).Milliseconds(), Valid: true}
		}
		query = `UPDATE courses SET status = ?, updated_at = ?, finished_at = ?, duration_ms = ?, error = ? WHERE id = ?`
		args = []any{status, now, now, durationMS, errMsg, id}
	default:
		query = `UPDATE courses SET status = ?, updated_at = ? WHERE id = ?`
		args = []any{status, now, id}
	}
	res, err := s.q(tx).ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return mapWriteErr("updating course status", err)
	}
	return requireRow(res, "updating course status")
}

// TransitionCourseStatus updates status only when the course currently holds
// from. Returns false when another writer got there first.
func (s *Store) TransitionCourseStatus(ctx context.Context, tx *sql.Tx, id int64, from, to models.CourseStatus) (bool, error) {
	res, err := s.q(tx).ExecContext(ctx, s.rebind(
		`UPDATE courses SET status = ?, updated_at = ? WHERE id = ? AND status = ?`),
		to, s.Now(), id, from)
	if err != nil {
		return false, mapWriteErr("transitioning course status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, mapWriteErr("transitioning course status", err)
	}
	return n > 0, nil
}

// FinishCourse records the terminal result of a course.
func (s *Store) FinishCourse(ctx context.Context, id int64, status models.CourseStatus, summary, errMsg string, tokens int64, costUSD float64) error {
	c, err := s.GetCourse(ctx, id)
	if err != nil {
		return err
	}
	now := s.Now()
	var durationMS sql.NullInt64
	if c.StartedAt != nil {
		durationMS = sql.NullInt64{Int64: now.Sub(*c.StartedAt).Milliseconds(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE courses SET status = ?, summary = ?, error = ?, finished_at = ?, duration_ms = ?,
		 total_tokens = total_tokens + ?, total_cost_usd = total_cost_usd + ?, updated_at = ?
		 WHERE id = ?`),
		status, summary, errMsg, now, durationMS, tokens, costUSD, now, id)
	if err != nil {
		return mapWriteErr("finishing course", err)
	}
	return requireRow(res, "finishing course")
}

// AddCourseUsage accumulates token and cost totals on a course.
func (s *Store) AddCourseUsage(ctx context.Context, id int64, tokens int64, costUSD float64) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE courses SET total_tokens = total_tokens + ?, total_cost_usd = total_cost_usd + ?, updated_at = ?
		 WHERE id = ?`), tokens, costUSD, s.Now(), id)
	return mapWriteErr("adding course usage", err)
}

// CreateContinuation inserts the successor course for parent inside tx. The
// unique constraint on continuation_of_course_id makes this idempotent:
// when another writer already created the continuation, the existing row is
// returned and created is false.
func (s *Store) CreateContinuation(ctx context.Context, tx *sql.Tx, parent *models.Course) (*models.Course, bool, error) {
	cont := &models.Course{
		OwnerID:                parent.OwnerID,
		FicheID:                parent.FicheID,
		ThreadID:               parent.ThreadID,
		Status:                 models.CourseStatusQueued,
		Trigger:                models.TriggerContinuation,
		TraceID:                parent.TraceID,
		ContinuationOfCourseID: &parent.ID,
	}
	created, err := s.CreateCourse(ctx, tx, cont)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, ErrAlreadyExists) {
		return nil, false, err
	}
	existing, exErr := s.GetContinuation(ctx, tx, parent.ID)
	if exErr != nil {
		return nil, false, fmt.Errorf("continuation conflict but no existing row: %w", exErr)
	}
	return existing, false, nil
}

// GetContinuation returns the course continuing parent, or ErrNotFound.
func (s *Store) GetContinuation(ctx context.Context, tx *sql.Tx, parentID int64) (*models.Course, error) {
	c, err := scanCourse(s.q(tx).QueryRowContext(ctx, s.rebind(
		`SELECT `+courseColumns+` FROM courses WHERE continuation_of_course_id = ?`), parentID))
	return c, mapReadErr("getting continuation", err)
}

// RootCourse follows continuation back-pointers to the chain's first course.
func (s *Store) RootCourse(ctx context.Context, id int64) (*models.Course, error) {
	c, err := s.GetCourse(ctx, id)
	if err != nil {
		return nil, err
	}
	for c.ContinuationOfCourseID != nil {
		parent, err := s.GetCourse(ctx, *c.ContinuationOfCourseID)
		if err != nil {
			return nil, err
		}
		c = parent
	}
	return c, nil
}

// ContinuationChain returns the course and all its successors in order.
func (s *Store) ContinuationChain(ctx context.Context, id int64) ([]*models.Course, error) {
	c, err := s.GetCourse(ctx, id)
	if err != nil {
		return nil, err
	}
	chain := []*models.Course{c}
	for {
		next, err := s.GetContinuation(ctx, nil, chain[len(chain)-1].ID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return chain, nil
			}
			return nil, err
		}
		chain = append(chain, next)
	}
}

// FailStrandedCourses marks running courses as failed at startup. Returns
// the affected course ids so barrier teardown can follow.
func (s *Store) FailStrandedCourses(ctx context.Context, reason string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id FROM courses WHERE status = ?`), models.CourseStatusRunning)
	if err != nil {
		return nil, mapReadErr("finding stranded courses", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, mapReadErr("scanning stranded course", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := s.Now()
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, s.rebind(
			`UPDATE courses SET status = ?, error = ?, finished_at = ?, updated_at = ? WHERE id = ?`),
			models.CourseStatusFailed, reason, now, now, id); err != nil {
			return nil, mapWriteErr("failing stranded course", err)
		}
	}
	return ids, nil
}
