package concierge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/brigadehq/brigade/pkg/bus"
	"github.com/brigadehq/brigade/pkg/config"
	"github.com/brigadehq/brigade/pkg/events"
	"github.com/brigadehq/brigade/pkg/fiche"
	"github.com/brigadehq/brigade/pkg/models"
	"github.com/brigadehq/brigade/pkg/queue"
	"github.com/brigadehq/brigade/pkg/store"
	"github.com/brigadehq/brigade/pkg/tools"
)

// Executor runs queued courses. Webhook courses, scheduled fiche runs, and
// barrier continuations all arrive here through the course-run job; the
// course row carries everything needed to resume.
type Executor struct {
	store   *store.Store
	log     *events.Log
	runner  *fiche.Runner
	service *Service
	creds   tools.CredentialResolver
}

// NewExecutor wires the course executor.
func NewExecutor(s *store.Store, log *events.Log, runner *fiche.Runner, service *Service, creds tools.CredentialResolver) *Executor {
	return &Executor{store: s, log: log, runner: runner, service: service, creds: creds}
}

// CourseRunHandler returns the queue handler executing one course.
func (e *Executor) CourseRunHandler() queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		courseID := payloadInt64(job.Entry.Payload, "course_id")
		if courseID <= 0 {
			return fmt.Errorf("course-run payload missing course_id")
		}
		return e.runCourse(ctx, job, courseID)
	}
}

func (e *Executor) runCourse(ctx context.Context, job *queue.Job, courseID int64) error {
	course, err := e.store.GetCourse(ctx, courseID)
	if err != nil {
		return fmt.Errorf("loading course %d: %w", courseID, err)
	}
	if course.Status.Terminal() {
		job.Logger.Info("Course already finished, skipping", "course_id", courseID, "status", course.Status)
		return nil
	}
	// queued→running on first pick-up; a retried entry finds the course
	// already running and proceeds, the runner resumes from the checkpoint.
	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, terr := e.store.TransitionCourseStatus(ctx, tx, courseID, models.CourseStatusQueued, models.CourseStatusRunning)
		return terr
	})
	if err != nil {
		return fmt.Errorf("starting course %d: %w", courseID, err)
	}

	f, err := e.store.GetFiche(ctx, course.FicheID)
	if err != nil {
		return fmt.Errorf("loading fiche %d: %w", course.FicheID, err)
	}
	thread, err := e.store.GetThread(ctx, course.ThreadID)
	if err != nil {
		return fmt.Errorf("loading thread %d: %w", course.ThreadID, err)
	}

	// Continuations narrate onto the originating course's stream.
	streamID := courseID
	if root, err := e.store.RootCourse(ctx, courseID); err == nil {
		streamID = root.ID
	}
	em := events.NewEmitter(e.log, events.IdentityConcierge, streamID, course.OwnerID, course.TraceID, uuid.NewString())

	ec := &tools.ExecContext{
		OwnerID:        course.OwnerID,
		ThreadID:       thread.ID,
		CourseID:       course.ID,
		StreamCourseID: streamID,
		TraceID:        course.TraceID,
		Model:          f.Model,
		Credentials:    e.creds,
	}

	res, runErr := e.runner.Run(ctx, f, thread, ec, em)

	var interrupted *fiche.Interrupted
	switch {
	case runErr == nil:
		tokens := res.Usage.InputTokens + res.Usage.OutputTokens
		summary := truncate(res.Summary, summaryLimit)
		if err := e.store.FinishCourse(context.Background(), course.ID, models.CourseStatusSuccess, summary, "", tokens, 0); err != nil {
			return fmt.Errorf("finishing course %d: %w", course.ID, err)
		}
		em.Emit(context.Background(), bus.EventCourseComplete, models.JSONMap{
			"course_id": course.ID,
			"result":    truncate(res.Summary, 2000),
		})
		return nil

	case errors.As(runErr, &interrupted):
		if err := e.service.DeferCourse(context.Background(), course.ID, interrupted.JobIDs); err != nil {
			return err
		}
		em.Emit(context.Background(), bus.EventCourseDeferred, models.JSONMap{
			"course_id":    course.ID,
			"reason":       deferReason,
			"close_stream": false,
			"job_ids":      interrupted.JobIDs,
		})
		return nil

	case errors.Is(runErr, fiche.ErrCanceled):
		// Cancel already moved the course to failed and emitted.
		return nil

	default:
		if job.Entry.Attempts < job.Entry.MaxAttempts {
			// Leave the course running; the retried entry resumes it.
			return runErr
		}
		errMsg := truncate(runErr.Error(), 2000)
		if err := e.store.FinishCourse(context.Background(), course.ID, models.CourseStatusFailed, "", errMsg, 0, 0); err != nil {
			job.Logger.Error("Failed to fail course", "course_id", course.ID, "error", err)
		}
		em.Error(context.Background(), tools.ErrTypeExecution, errMsg)
		return runErr
	}
}

// scheduleScanCron fires the scan every minute; each due fiche gets its own
// deduplicated course-run entry so a missed scan cannot double-fire.
const (
	JobScheduleScan  = "fiche-schedule-scan"
	scheduleScanCron = "* * * * *"
)

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// RegisterScheduleScan registers the builtin job that turns fiche cron
// schedules into queued courses.
func (e *Executor) RegisterScheduleScan(r *queue.Registry) {
	r.Register(&queue.JobConfig{
		ID:          JobScheduleScan,
		Cron:        scheduleScanCron,
		Enabled:     true,
		Description: "Starts courses for fiches whose schedule is due.",
		Handler:     e.scheduleScan,
	})
}

func (e *Executor) scheduleScan(ctx context.Context, job *queue.Job) error {
	fiches, err := e.store.ListScheduledFiches(ctx)
	if err != nil {
		return fmt.Errorf("listing scheduled fiches: %w", err)
	}
	// The entry's scheduled_for is the minute this scan covers, which keeps
	// a delayed pick-up from firing the wrong minute.
	minute := job.Entry.ScheduledFor.UTC().Truncate(time.Minute)
	for _, f := range fiches {
		if f.Schedule == nil {
			continue
		}
		sched, err := scheduleParser.Parse(*f.Schedule)
		if err != nil {
			job.Logger.Warn("Skipping fiche with invalid schedule", "fiche_id", f.ID, "schedule", *f.Schedule)
			continue
		}
		if !sched.Next(minute.Add(-time.Second)).Equal(minute) {
			continue
		}
		if err := e.startScheduledCourse(ctx, f, minute); err != nil {
			job.Logger.Error("Failed to start scheduled course", "fiche_id", f.ID, "error", err)
		}
	}
	return nil
}

func (e *Executor) startScheduledCourse(ctx context.Context, f *models.Fiche, minute time.Time) error {
	thread, err := e.store.FindThreadByType(ctx, f.ID, models.ThreadTypeSchedule)
	if err != nil {
		thread, err = e.store.CreateThread(ctx, f.OwnerID, f.ID, "schedule", models.ThreadTypeSchedule)
		if err != nil {
			return fmt.Errorf("creating schedule thread: %w", err)
		}
	}
	course, err := e.store.CreateCourse(ctx, nil, &models.Course{
		OwnerID:  f.OwnerID,
		FicheID:  f.ID,
		ThreadID: thread.ID,
		Status:   models.CourseStatusQueued,
		Trigger:  models.TriggerSchedule,
		TraceID:  uuid.NewString(),
	})
	if err != nil {
		return fmt.Errorf("creating scheduled course: %w", err)
	}
	task := f.TaskInstructions
	if task == "" {
		task = "Execute your scheduled task."
	}
	if _, err := e.store.AppendMessage(ctx, nil, &models.ThreadMessage{
		ThreadID: thread.ID,
		Role:     models.RoleUserMsg,
		Content:  task,
	}); err != nil {
		return fmt.Errorf("appending scheduled task: %w", err)
	}
	dedupe := fmt.Sprintf("fiche:%d:%s", f.ID, minute.Format(time.RFC3339))
	if _, _, err := e.store.EnqueueJob(ctx, nil, queue.JobCourseRun, dedupe,
		minute, 3, models.JSONMap{"course_id": course.ID}); err != nil {
		return fmt.Errorf("enqueueing scheduled course: %w", err)
	}
	return nil
}

// ManifestHandler builds the handler for a jobs-manifest entry: the task
// runs as a concierge turn for the deployment owner. A deferred turn keeps
// running through the barrier machinery after the entry completes.
func (e *Executor) ManifestHandler(mj config.ManifestJob) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		email := e.service.cfg.OwnerEmail
		if email == "" {
			email = "dev@local"
		}
		owner, err := e.store.GetOrCreateUser(ctx, email, models.RoleAdmin)
		if err != nil {
			return fmt.Errorf("resolving manifest job owner: %w", err)
		}
		res, err := e.service.Chat(ctx, &Request{
			Owner:            owner,
			Task:             mj.Task,
			ReturnOnDeferred: true,
		})
		if err != nil {
			return err
		}
		job.Logger.Info("Manifest job turn finished",
			"manifest_job_id", mj.ID, "course_id", res.CourseID, "status", res.Status)
		return nil
	}
}

// payloadInt64 reads an id out of a queue payload. Payloads round-trip
// through JSON, so numbers come back as float64.
func payloadInt64(payload models.JSONMap, key string) int64 {
	switch v := payload[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	}
	return 0
}
