package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/brigadehq/brigade/pkg/bus"
	"github.com/brigadehq/brigade/pkg/events"
	"github.com/brigadehq/brigade/pkg/models"
	"github.com/brigadehq/brigade/pkg/store"
)

// CourseService manages course lifecycle operations that do not belong to
// an executing run: listing, cancellation, and crash recovery.
type CourseService struct {
	store *store.Store
	log   *events.Log
}

// NewCourseService creates a CourseService.
func NewCourseService(s *store.Store, log *events.Log) *CourseService {
	return &CourseService{store: s, log: log}
}

// CourseDetail is a course plus its continuation chain and commis jobs.
type CourseDetail struct {
	Course *models.Course      `json:"course"`
	Chain  []*models.Course    `json:"chain,omitempty"`
	Commis []*models.CommisJob `json:"commis_jobs,omitempty"`
}

// Get returns one course with its chain and spawned commis jobs.
func (s *CourseService) Get(ctx context.Context, caller *models.User, id int64) (*CourseDetail, error) {
	course, err := s.store.GetCourse(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if err := requireOwner(caller, course.OwnerID); err != nil {
		return nil, err
	}
	chain, err := s.store.ContinuationChain(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	commis, err := s.store.ListCommisJobsForCourse(ctx, nil, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return &CourseDetail{Course: course, Chain: chain, Commis: commis}, nil
}

// List returns the caller's courses, optionally filtered by status.
func (s *CourseService) List(ctx context.Context, caller *models.User, status models.CourseStatus, limit int) ([]*models.Course, error) {
	ownerID := caller.ID
	if caller.IsAdmin() {
		ownerID = 0
	}
	courses, err := s.store.ListCourses(ctx, ownerID, status, limit)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return courses, nil
}

// Cancel fails a non-terminal course and cascade-cancels any commis jobs
// still held by its barrier. The executing runner observes the failed
// status at its next poll and stops.
func (s *CourseService) Cancel(ctx context.Context, caller *models.User, id int64) error {
	course, err := s.store.GetCourse(ctx, id)
	if err != nil {
		return mapStoreErr(err)
	}
	if err := requireOwner(caller, course.OwnerID); err != nil {
		return err
	}
	if course.Status.Terminal() {
		return fmt.Errorf("%w: course is already %s", ErrInvalidState, course.Status)
	}

	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		return s.store.SetCourseStatus(ctx, tx, id, models.CourseStatusFailed, "cancelled by user")
	})
	if err != nil {
		return mapStoreErr(err)
	}

	if err := s.cancelBarrierJobs(ctx, id); err != nil {
		slog.Error("Failed to cascade-cancel barrier jobs", "course_id", id, "error", err)
	}

	streamID := id
	if root, err := s.store.RootCourse(ctx, id); err == nil {
		streamID = root.ID
	}
	if _, err := s.log.Append(ctx, streamID, bus.EventCourseCancelled, models.JSONMap{
		"course_id": id,
		"reason":    "cancelled by user",
	}); err != nil {
		slog.Error("Failed to append cancel event", "course_id", id, "error", err)
	}
	return nil
}

// cancelBarrierJobs tears down the course's barrier and cancels every
// non-terminal job it still references.
func (s *CourseService) cancelBarrierJobs(ctx context.Context, courseID int64) error {
	barrier, err := s.store.GetBarrier(ctx, courseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	for _, jobID := range barrier.JobIDs {
		job, err := s.store.GetCommisJob(ctx, jobID)
		if err != nil {
			continue
		}
		if job.Status.Terminal() {
			continue
		}
		if err := s.store.FinishCommisJob(ctx, jobID, models.CommisStatusCancelled, "", "parent course cancelled", ""); err != nil {
			slog.Error("Failed to cancel commis job", "commis_job_id", jobID, "error", err)
		}
	}
	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		return s.store.DeleteBarrier(ctx, tx, barrier.ID)
	})
}

// Recover runs the startup crash-recovery sequence: fail courses stranded
// in running, tear down their barriers, reset expired queue leases, and
// mark every runner offline. Order matters; a barrier whose course is
// already failed must not later fire a continuation.
func (s *CourseService) Recover(ctx context.Context) error {
	stranded, err := s.store.FailStrandedCourses(ctx, "server restarted during execution")
	if err != nil {
		return fmt.Errorf("failing stranded courses: %w", err)
	}
	if len(stranded) > 0 {
		slog.Warn("Failed stranded courses at startup", "count", len(stranded))
		barriers, err := s.store.ListBarriersForCourses(ctx, stranded)
		if err != nil {
			return fmt.Errorf("listing stranded barriers: %w", err)
		}
		for _, barrier := range barriers {
			if err := s.cancelBarrierJobs(ctx, barrier.CourseID); err != nil {
				slog.Error("Failed to tear down stranded barrier", "course_id", barrier.CourseID, "error", err)
			}
		}
	}

	reset, err := s.store.ResetExpiredLeases(ctx)
	if err != nil {
		return fmt.Errorf("resetting expired leases: %w", err)
	}
	if reset > 0 {
		slog.Warn("Reset expired queue leases at startup", "count", reset)
	}

	if err := s.store.MarkAllRunnersOffline(ctx); err != nil {
		return fmt.Errorf("marking runners offline: %w", err)
	}
	return nil
}
