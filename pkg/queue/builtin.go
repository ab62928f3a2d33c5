package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/brigadehq/brigade/pkg/bus"
	"github.com/brigadehq/brigade/pkg/models"
	"github.com/brigadehq/brigade/pkg/store"
)

// healthReportWindow is how far back the health report looks when judging
// a job as failing.
const healthReportWindow = 24 * time.Hour

// RegisterBuiltinJobs registers the maintenance jobs every deployment runs:
// the retention sweep and the job health report.
func RegisterBuiltinJobs(r *Registry, s *store.Store, b *bus.Bus, retention time.Duration) {
	r.Register(&JobConfig{
		ID:             "retention-sweep",
		Cron:           "0 3 * * *",
		Enabled:        true,
		TimeoutSeconds: 600,
		MaxAttempts:    3,
		Description:    "Deletes course events and finished queue entries past the retention window.",
		Handler:        retentionSweep(s, retention),
	})
	r.Register(&JobConfig{
		ID:             "job-health-report",
		Cron:           "0 * * * *",
		Enabled:        true,
		TimeoutSeconds: 120,
		MaxAttempts:    2,
		Description:    "Flags jobs whose recent attempts all failed.",
		Handler:        jobHealthReport(s, b),
	})
}

func retentionSweep(s *store.Store, retention time.Duration) Handler {
	return func(ctx context.Context, job *Job) error {
		cutoff := s.Now().Add(-retention)
		events, err := s.DeleteCourseEventsBefore(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("sweeping course events: %w", err)
		}
		entries, err := s.DeleteFinishedQueueEntries(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("sweeping queue entries: %w", err)
		}
		job.Logger.Info("Retention sweep complete", "cutoff", cutoff,
			"course_events_deleted", events, "queue_entries_deleted", entries)
		return nil
	}
}

// jobHealthReport publishes an error event per job whose entire recent
// history is dead entries. Delivery beyond the bus is someone else's
// concern.
func jobHealthReport(s *store.Store, b *bus.Bus) Handler {
	return func(ctx context.Context, job *Job) error {
		stats, err := s.QueueStats(ctx, healthReportWindow)
		if err != nil {
			return fmt.Errorf("reading queue stats: %w", err)
		}
		failing := 0
		for jobID, st := range stats {
			if st.RecentTotal == 0 || st.RecentDead < st.RecentTotal {
				continue
			}
			failing++
			job.Logger.Error("Job failing consistently",
				"failing_job_id", jobID, "recent_dead", st.RecentDead, "last_error", st.LastError)
			b.Publish(bus.Event{
				Type: bus.EventError,
				Payload: models.JSONMap{
					"source":      "job-health-report",
					"job_id":      jobID,
					"recent_dead": st.RecentDead,
					"last_error":  st.LastError,
				},
			})
		}
		job.Logger.Info("Job health report complete", "jobs", len(stats), "failing", failing)
		return nil
	}
}
