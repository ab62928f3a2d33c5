package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/brigadehq/brigade/pkg/models"
)

const runnerJobColumns = `id, runner_id, owner_id, worker_id, course_id, command, timeout_secs,
	status, exit_code, stdout_tail, stderr_tail, error, started_at, finished_at, created_at`

func scanRunnerJob(row interface{ Scan(...any) error }) (*models.RunnerJob, error) {
	var j models.RunnerJob
	var courseID, exitCode sql.NullInt64
	var startedAt, finishedAt sql.NullTime
	err := row.Scan(&j.ID, &j.RunnerID, &j.OwnerID, &j.WorkerID, &courseID, &j.Command,
		&j.TimeoutSecs, &j.Status, &exitCode, &j.StdoutTail, &j.StderrTail, &j.Error,
		&startedAt, &finishedAt, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	j.CourseID = int64Ptr(courseID)
	j.ExitCode = intPtr(exitCode)
	j.StartedAt = timePtr(startedAt)
	j.FinishedAt = timePtr(finishedAt)
	j.CreatedAt = j.CreatedAt.UTC()
	return &j, nil
}

// CreateRunnerJob inserts a runner job in status running with started_at set.
func (s *Store) CreateRunnerJob(ctx context.Context, j *models.RunnerJob) (*models.RunnerJob, error) {
	now := s.Now()
	if j.Status == "" {
		j.Status = models.RunnerJobRunning
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO runner_jobs (id, runner_id, owner_id, worker_id, course_id, command,
		 timeout_secs, status, started_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		j.ID, j.RunnerID, j.OwnerID, j.WorkerID, nullInt64(j.CourseID), j.Command,
		j.TimeoutSecs, j.Status, now, now)
	if err != nil {
		return nil, mapWriteErr("creating runner job", err)
	}
	out := *j
	out.StartedAt = &now
	out.CreatedAt = now
	return &out, nil
}

// GetRunnerJob returns a runner job by id.
func (s *Store) GetRunnerJob(ctx context.Context, id string) (*models.RunnerJob, error) {
	j, err := scanRunnerJob(s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+runnerJobColumns+` FROM runner_jobs WHERE id = ?`), id))
	return j, mapReadErr("getting runner job", err)
}

// FinishRunnerJob records the terminal outcome of a runner job.
func (s *Store) FinishRunnerJob(ctx context.Context, id string, status models.RunnerJobStatus, exitCode *int, stdoutTail, stderrTail, errMsg string) error {
	now := s.Now()
	var exit sql.NullInt64
	if exitCode != nil {
		exit = sql.NullInt64{Int64: int64(*exitCode), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE runner_jobs SET status = ?, exit_code = ?, stdout_tail = ?, stderr_tail = ?,
		 error = ?, finished_at = ? WHERE id = ?`),
		status, exit, stdoutTail, stderrTail, errMsg, now, id)
	if err != nil {
		return mapWriteErr("finishing runner job", err)
	}
	return requireRow(res, "finishing runner job")
}

// ListRunnerJobs returns the newest jobs for a runner.
func (s *Store) ListRunnerJobs(ctx context.Context, runnerID int64, limit int) ([]*models.RunnerJob, error) {
	query := `SELECT ` + runnerJobColumns + ` FROM runner_jobs WHERE runner_id = ? ORDER BY created_at DESC`
	args := []any{runnerID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, mapReadErr("listing runner jobs", err)
	}
	defer rows.Close()

	var out []*models.RunnerJob
	for rows.Next() {
		j, err := scanRunnerJob(rows)
		if err != nil {
			return nil, mapReadErr("scanning runner job", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// TimeoutOverdueRunnerJobs marks running jobs as timed out once their
// deadline plus grace has passed. Returns the affected job ids.
func (s *Store) TimeoutOverdueRunnerJobs(ctx context.Context, grace time.Duration) ([]string, error) {
	now := s.Now()
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, started_at, timeout_secs FROM runner_jobs WHERE status = ?`),
		models.RunnerJobRunning)
	if err != nil {
		return nil, mapReadErr("finding overdue runner jobs", err)
	}
	defer rows.Close()

	var overdue []string
	for rows.Next() {
		var id string
		var startedAt sql.NullTime
		var timeoutSecs int
		if err := rows.Scan(&id, &startedAt, &timeoutSecs); err != nil {
			return nil, mapReadErr("scanning overdue runner job", err)
		}
		if !startedAt.Valid {
			continue
		}
		deadline := startedAt.Time.Add(time.Duration(timeoutSecs)*time.Second + grace)
		if now.After(deadline) {
			overdue = append(overdue, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range overdue {
		if err := s.FinishRunnerJob(ctx, id, models.RunnerJobTimeout, nil, "", "", "job exceeded timeout"); err != nil {
			return nil, err
		}
	}
	return overdue, nil
}
