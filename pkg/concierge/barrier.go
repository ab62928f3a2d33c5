package concierge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/brigadehq/brigade/pkg/models"
	"github.com/brigadehq/brigade/pkg/queue"
	"github.com/brigadehq/brigade/pkg/store"
)

// BarrierManager resolves commis completions against their parent course's
// barrier and schedules the continuation once the set empties.
type BarrierManager struct {
	store *store.Store
}

// NewBarrierManager creates a BarrierManager.
func NewBarrierManager(s *store.Store) *BarrierManager {
	return &BarrierManager{store: s}
}

// Release removes jobID from its barrier. When the barrier empties, one
// transaction creates the continuation course, injects the tool-role
// messages carrying every commis summary, deletes the barrier, and enqueues
// the continuation run. Concurrent releases converge: the continuation row
// is unique per parent and only its creator injects messages.
func (m *BarrierManager) Release(ctx context.Context, jobID int64) error {
	return m.store.WithTx(ctx, func(tx *sql.Tx) error {
		barrier, err := m.store.FindBarrierByJob(ctx, tx, jobID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Already released, or the barrier was torn down by a
				// cancel. Nothing to resolve.
				return nil
			}
			return err
		}

		// Lock the parent course row: it serializes barrier mutations with
		// event appends and concurrent releases.
		parent, err := m.store.GetCourseForUpdate(ctx, tx, barrier.CourseID)
		if err != nil {
			return err
		}

		// The scan above ran before the lock, so a concurrent release may
		// have shrunk the set or resolved the barrier since. Re-read under
		// the lock and work from that snapshot.
		barrier, err = m.store.GetBarrierForUpdate(ctx, tx, barrier.CourseID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		if !barrier.JobIDs.Contains(jobID) {
			return nil
		}

		remaining := barrier.JobIDs.Without(jobID)
		if len(remaining) > 0 {
			return m.store.UpdateBarrierJobs(ctx, tx, barrier.ID, remaining)
		}

		cont, created, err := m.store.CreateContinuation(ctx, tx, parent)
		if err != nil {
			return err
		}
		if created {
			if err := m.injectResults(ctx, tx, parent); err != nil {
				return err
			}
		}
		if err := m.store.DeleteBarrier(ctx, tx, barrier.ID); err != nil {
			return err
		}
		if _, _, err := m.store.EnqueueJob(ctx, tx, queue.JobCourseRun, queue.CourseDedupeKey(cont.ID),
			m.store.Now(), 3, models.JSONMap{"course_id": cont.ID}); err != nil {
			return err
		}
		slog.Info("Barrier cleared, continuation scheduled",
			"parent_course_id", parent.ID, "continuation_course_id", cont.ID)
		return nil
	})
}

// injectResults writes one tool-role message per commis job of the parent
// course so the resumed turn sees every worker's outcome exactly once.
func (m *BarrierManager) injectResults(ctx context.Context, tx *sql.Tx, parent *models.Course) error {
	jobs, err := m.store.ListCommisJobsForCourse(ctx, tx, parent.ID)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if !job.Status.Terminal() || job.ToolCallID == "" {
			continue
		}
		content := commisResultContent(job)
		if _, err := m.store.AppendMessage(ctx, tx, &models.ThreadMessage{
			ThreadID:   parent.ThreadID,
			Role:       models.RoleTool,
			Content:    content,
			ToolCallID: job.ToolCallID,
		}); err != nil {
			return fmt.Errorf("injecting result for job %d: %w", job.ID, err)
		}
	}
	return nil
}

func commisResultContent(job *models.CommisJob) string {
	switch job.Status {
	case models.CommisStatusSuccess:
		return fmt.Sprintf(`{"ok":true,"data":{"job_id":%d,"summary":%q}}`, job.ID, job.ResultSummary)
	case models.CommisStatusCancelled:
		return fmt.Sprintf(`{"ok":false,"error_type":"execution_error","user_message":"commis job %d was cancelled"}`, job.ID)
	default:
		return fmt.Sprintf(`{"ok":false,"error_type":"execution_error","user_message":%q}`, job.Error)
	}
}
