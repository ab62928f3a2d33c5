package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/brigadehq/brigade/pkg/models"
)

const barrierColumns = "id, course_id, job_ids, created_at, updated_at"

func scanBarrier(row interface{ Scan(...any) error }) (*models.CommisBarrier, error) {
	var b models.CommisBarrier
	err := row.Scan(&b.ID, &b.CourseID, &b.JobIDs, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return &b, nil
}

// CreateBarrier inserts the barrier for a deferred course inside tx. The
// unique constraint on course_id enforces at most one barrier per course.
func (s *Store) CreateBarrier(ctx context.Context, tx *sql.Tx, courseID int64, jobIDs models.Int64List) (*models.CommisBarrier, error) {
	now := s.Now()
	var id int64
	err := s.q(tx).QueryRowContext(ctx, s.rebind(
		`INSERT INTO commis_barriers (course_id, job_ids, created_at, updated_at)
		 VALUES (?, ?, ?, ?) RETURNING id`),
		courseID, jobIDs, now, now).Scan(&id)
	if err != nil {
		return nil, mapWriteErr("creating barrier", err)
	}
	return &models.CommisBarrier{ID: id, CourseID: courseID, JobIDs: jobIDs, CreatedAt: now, UpdatedAt: now}, nil
}

// GetBarrier returns the barrier for a course, or ErrNotFound.
func (s *Store) GetBarrier(ctx context.Context, courseID int64) (*models.CommisBarrier, error) {
	b, err := scanBarrier(s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+barrierColumns+` FROM commis_barriers WHERE course_id = ?`), courseID))
	return b, mapReadErr("getting barrier", err)
}

// GetBarrierForUpdate returns the barrier locked for mutation inside tx.
func (s *Store) GetBarrierForUpdate(ctx context.Context, tx *sql.Tx, courseID int64) (*models.CommisBarrier, error) {
	b, err := scanBarrier(s.q(tx).QueryRowContext(ctx, s.rebind(s.forUpdate(
		`SELECT `+barrierColumns+` FROM commis_barriers WHERE course_id = ?`)), courseID))
	return b, mapReadErr("locking barrier", err)
}

// FindBarrierByJob returns the barrier whose outstanding set contains jobID.
// The JSON membership test is dialect-specific.
func (s *Store) FindBarrierByJob(ctx context.Context, tx *sql.Tx, jobID int64) (*models.CommisBarrier, error) {
	// Scan all barriers; installations have few outstanding barriers at a
	// time, so a table scan beats dialect-specific JSON operators.
	rows, err := s.q(tx).QueryContext(ctx, s.rebind(
		`SELECT `+barrierColumns+` FROM commis_barriers ORDER BY id`))
	if err != nil {
		return nil, mapReadErr("finding barrier by job", err)
	}
	defer rows.Close()

	for rows.Next() {
		b, err := scanBarrier(rows)
		if err != nil {
			return nil, mapReadErr("scanning barrier", err)
		}
		if b.JobIDs.Contains(jobID) {
			return b, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nil, mapReadErr("finding barrier by job", sql.ErrNoRows)
}

// UpdateBarrierJobs replaces the outstanding job set inside tx.
func (s *Store) UpdateBarrierJobs(ctx context.Context, tx *sql.Tx, id int64, jobIDs models.Int64List) error {
	res, err := s.q(tx).ExecContext(ctx, s.rebind(
		`UPDATE commis_barriers SET job_ids = ?, updated_at = ? WHERE id = ?`),
		jobIDs, s.Now(), id)
	if err != nil {
		return mapWriteErr("updating barrier jobs", err)
	}
	return requireRow(res, "updating barrier jobs")
}

// DeleteBarrier removes a barrier inside tx.
func (s *Store) DeleteBarrier(ctx context.Context, tx *sql.Tx, id int64) error {
	res, err := s.q(tx).ExecContext(ctx, s.rebind(
		`DELETE FROM commis_barriers WHERE id = ?`), id)
	if err != nil {
		return mapWriteErr("deleting barrier", err)
	}
	return requireRow(res, "deleting barrier")
}

// ListBarriersForCourses returns the barriers of the given courses. Used by
// startup recovery to tear down barriers of stranded runs.
func (s *Store) ListBarriersForCourses(ctx context.Context, courseIDs []int64) ([]*models.CommisBarrier, error) {
	var out []*models.CommisBarrier
	for _, courseID := range courseIDs {
		b, err := s.GetBarrier(ctx, courseID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
