package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/brigadehq/brigade/pkg/models"
)

const commisJobColumns = `id, owner_id, concierge_course_id, tool_call_id, commis_id, task,
	model, execution_mode, git_repo, status, trace_id, result_summary, artifacts_path,
	error, acknowledged, started_at, finished_at, created_at, updated_at`

func scanCommisJob(row interface{ Scan(...any) error }) (*models.CommisJob, error) {
	var j models.CommisJob
	var courseID sql.NullInt64
	var startedAt, finishedAt sql.NullTime
	err := row.Scan(&j.ID, &j.OwnerID, &courseID, &j.ToolCallID, &j.CommisID, &j.Task,
		&j.Model, &j.ExecutionMode, &j.GitRepo, &j.Status, &j.TraceID, &j.ResultSummary,
		&j.ArtifactsPath, &j.Error, &j.Acknowledged, &startedAt, &finishedAt,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.ConciergeCourseID = int64Ptr(courseID)
	j.StartedAt = timePtr(startedAt)
	j.FinishedAt = timePtr(finishedAt)
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return &j, nil
}

// CreateCommisJob inserts a commis job in status created. When the partial
// unique index on (concierge_course_id, tool_call_id) fires, the existing
// row is returned instead, making spawn retries idempotent.
func (s *Store) CreateCommisJob(ctx context.Context, job *models.CommisJob) (*models.CommisJob, error) {
	now := s.Now()
	if job.Status == "" {
		job.Status = models.CommisStatusCreated
	}
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO commis_jobs (owner_id, concierge_course_id, tool_call_id, commis_id, task,
		 model, execution_mode, git_repo, status, trace_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		job.OwnerID, nullInt64(job.ConciergeCourseID), job.ToolCallID, job.CommisID, job.Task,
		job.Model, job.ExecutionMode, job.GitRepo, job.Status, job.TraceID, now, now).Scan(&id)
	if err != nil {
		if IsUniqueViolation(err) && job.ConciergeCourseID != nil && job.ToolCallID != "" {
			return s.FindCommisJobByToolCall(ctx, *job.ConciergeCourseID, job.ToolCallID)
		}
		return nil, mapWriteErr("creating commis job", err)
	}
	out := *job
	out.ID = id
	out.CreatedAt = now
	out.UpdatedAt = now
	return &out, nil
}

// GetCommisJob returns a commis job by id.
func (s *Store) GetCommisJob(ctx context.Context, id int64) (*models.CommisJob, error) {
	j, err := scanCommisJob(s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+commisJobColumns+` FROM commis_jobs WHERE id = ?`), id))
	return j, mapReadErr("getting commis job", err)
}

// FindCommisJobByToolCall returns the commis job spawned by a specific
// concierge tool call.
func (s *Store) FindCommisJobByToolCall(ctx context.Context, courseID int64, toolCallID string) (*models.CommisJob, error) {
	j, err := scanCommisJob(s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+commisJobColumns+` FROM commis_jobs
		 WHERE concierge_course_id = ? AND tool_call_id = ?`), courseID, toolCallID))
	return j, mapReadErr("finding commis job by tool call", err)
}

// ListCommisJobs returns an owner's commis jobs, newest first, optionally
// filtered by status.
func (s *Store) ListCommisJobs(ctx context.Context, ownerID int64, status models.CommisJobStatus, limit int) ([]*models.CommisJob, error) {
	query := `SELECT ` + commisJobColumns + ` FROM commis_jobs WHERE owner_id = ?`
	args := []any{ownerID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.listCommisJobs(ctx, nil, query, args...)
}

// ListCommisJobsForCourse returns the commis jobs spawned by a course. It
// accepts a tx because barrier resolution reads it mid-transaction, where
// going back to the pool would starve the single-connection SQLite backend.
func (s *Store) ListCommisJobsForCourse(ctx context.Context, tx *sql.Tx, courseID int64) ([]*models.CommisJob, error) {
	return s.listCommisJobs(ctx, tx,
		`SELECT `+commisJobColumns+` FROM commis_jobs WHERE concierge_course_id = ? ORDER BY id`, courseID)
}

// ListUnacknowledgedResults returns terminal, unacknowledged commis jobs for
// an owner. This is the concierge inbox.
func (s *Store) ListUnacknowledgedResults(ctx context.Context, ownerID int64) ([]*models.CommisJob, error) {
	return s.listCommisJobs(ctx, nil,
		`SELECT `+commisJobColumns+` FROM commis_jobs
		 WHERE owner_id = ? AND acknowledged = ? AND status IN (?, ?) ORDER BY id`,
		ownerID, false, models.CommisStatusSuccess, models.CommisStatusFailed)
}

func (s *Store) listCommisJobs(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]*models.CommisJob, error) {
	rows, err := s.q(tx).QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, mapReadErr("listing commis jobs", err)
	}
	defer rows.Close()

	var out []*models.CommisJob
	for rows.Next() {
		j, err := scanCommisJob(rows)
		if err != nil {
			return nil, mapReadErr("scanning commis job", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// TransitionCommisJobs flips every listed job from one status to another
// inside tx. Jobs not in the from status are skipped.
func (s *Store) TransitionCommisJobs(ctx context.Context, tx *sql.Tx, ids []int64, from, to models.CommisJobStatus) error {
	now := s.Now()
	for _, id := range ids {
		if _, err := s.q(tx).ExecContext(ctx, s.rebind(
			`UPDATE commis_jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`),
			to, now, id, from); err != nil {
			return mapWriteErr("transitioning commis job", err)
		}
	}
	return nil
}

// StartCommisJob marks a commis job running.
func (s *Store) StartCommisJob(ctx context.Context, id int64) error {
	now := s.Now()
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE commis_jobs SET status = ?, started_at = ?, updated_at = ? WHERE id = ?`),
		models.CommisStatusRunning, now, now, id)
	if err != nil {
		return mapWriteErr("starting commis job", err)
	}
	return requireRow(res, "starting commis job")
}

// FinishCommisJob records the terminal result of a commis job.
func (s *Store) FinishCommisJob(ctx context.Context, id int64, status models.CommisJobStatus, summary, errMsg, artifactsPath string) error {
	if !status.Terminal() {
		return errors.New("finishing commis job: status is not terminal")
	}
	now := s.Now()
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE commis_jobs SET status = ?, result_summary = ?, error = ?, artifacts_path = ?,
		 finished_at = ?, updated_at = ? WHERE id = ?`),
		status, summary, errMsg, artifactsPath, now, now, id)
	if err != nil {
		return mapWriteErr("finishing commis job", err)
	}
	return requireRow(res, "finishing commis job")
}

// AcknowledgeCommisResults marks the given jobs as surfaced to the owner.
func (s *Store) AcknowledgeCommisResults(ctx context.Context, ids []int64) error {
	now := s.Now()
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, s.rebind(
			`UPDATE commis_jobs SET acknowledged = ?, updated_at = ? WHERE id = ?`),
			true, now, id); err != nil {
			return mapWriteErr("acknowledging commis result", err)
		}
	}
	return nil
}
