package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/brigadehq/brigade/pkg/models"
)

const courseEventColumns = "id, course_id, seq, event_type, payload, created_at"

func scanCourseEvent(row interface{ Scan(...any) error }) (*models.CourseEvent, error) {
	var e models.CourseEvent
	err := row.Scan(&e.ID, &e.CourseID, &e.Seq, &e.EventType, &e.Payload, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

// AppendCourseEvent inserts the next event for a course, assigning the
// per-course sequence number under the course row lock so concurrent
// appenders cannot collide. Seq starts at 1.
func (s *Store) AppendCourseEvent(ctx context.Context, courseID int64, eventType string, payload models.JSONMap) (*models.CourseEvent, error) {
	var event *models.CourseEvent
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		// Lock the course row; this serializes seq assignment per course.
		if _, err := s.GetCourseForUpdate(ctx, tx, courseID); err != nil {
			return err
		}
		var maxSeq sql.NullInt64
		if err := tx.QueryRowContext(ctx, s.rebind(
			`SELECT MAX(seq) FROM course_events WHERE course_id = ?`), courseID).Scan(&maxSeq); err != nil {
			return mapReadErr("reading max seq", err)
		}
		seq := maxSeq.Int64 + 1
		now := s.Now()
		var id int64
		if err := tx.QueryRowContext(ctx, s.rebind(
			`INSERT INTO course_events (course_id, seq, event_type, payload, created_at)
			 VALUES (?, ?, ?, ?, ?) RETURNING id`),
			courseID, seq, eventType, payload, now).Scan(&id); err != nil {
			return mapWriteErr("appending course event", err)
		}
		event = &models.CourseEvent{
			ID: id, CourseID: courseID, Seq: seq,
			EventType: eventType, Payload: payload, CreatedAt: now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

// ListCourseEventsAfter returns the events of a course with seq greater than
// afterSeq, in seq order.
func (s *Store) ListCourseEventsAfter(ctx context.Context, courseID, afterSeq int64) ([]*models.CourseEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+courseEventColumns+` FROM course_events
		 WHERE course_id = ? AND seq > ? ORDER BY seq`), courseID, afterSeq)
	if err != nil {
		return nil, mapReadErr("listing course events", err)
	}
	defer rows.Close()

	var out []*models.CourseEvent
	for rows.Next() {
		e, err := scanCourseEvent(rows)
		if err != nil {
			return nil, mapReadErr("scanning course event", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteCourseEventsBefore removes events older than cutoff for courses that
// reached a terminal status. Used by the retention sweep.
func (s *Store) DeleteCourseEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM course_events WHERE created_at < ? AND course_id IN
		 (SELECT id FROM courses WHERE status IN (?, ?))`),
		cutoff.UTC(), models.CourseStatusSuccess, models.CourseStatusFailed)
	if err != nil {
		return 0, mapWriteErr("deleting old course events", err)
	}
	return res.RowsAffected()
}
