// Package commis executes delegated worker jobs. Each job gets a dedicated
// fiche and thread, runs through the shared fiche runner, and reports back
// through the parent course's barrier.
package commis

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/brigadehq/brigade/pkg/bus"
	"github.com/brigadehq/brigade/pkg/concierge"
	"github.com/brigadehq/brigade/pkg/events"
	"github.com/brigadehq/brigade/pkg/fiche"
	"github.com/brigadehq/brigade/pkg/models"
	"github.com/brigadehq/brigade/pkg/queue"
	"github.com/brigadehq/brigade/pkg/store"
	"github.com/brigadehq/brigade/pkg/tools"
)

const (
	// summaryLimit caps the persisted result summary.
	summaryLimit = 10 * 1024

	// jobTimeoutSeconds bounds one commis job end to end.
	jobTimeoutSeconds = 1800

	commisSystemPrompt = `You are a commis: a worker agent executing one
self-contained task delegated by the concierge. Complete the task, then
reply with a concise summary of what you did and what the outcome was.
Your final message is delivered verbatim to the concierge.`

	workspacePromptSuffix = `
The task operates on a git repository. Use runner_exec in workspace mode;
the repository below is cloned into the workspace before your commands run.
Repository: %s`
)

// commisTools is the allowlist every commis fiche gets. Workers never spawn
// other workers.
var commisTools = models.StringList{"runner_exec", "peek_worker_output", "get_current_time"}

// Worker executes queued commis jobs.
type Worker struct {
	store    *store.Store
	log      *events.Log
	runner   *fiche.Runner
	barriers *concierge.BarrierManager
	creds    tools.CredentialResolver
}

// NewWorker wires the commis worker.
func NewWorker(s *store.Store, log *events.Log, runner *fiche.Runner, barriers *concierge.BarrierManager, creds tools.CredentialResolver) *Worker {
	return &Worker{store: s, log: log, runner: runner, barriers: barriers, creds: creds}
}

// Register adds the commis-run job to the registry.
func (w *Worker) Register(r *queue.Registry) {
	r.Register(&queue.JobConfig{
		ID:             queue.JobCommisRun,
		Enabled:        true,
		TimeoutSeconds: jobTimeoutSeconds,
		MaxAttempts:    3,
		Description:    "Executes one delegated commis job.",
		Handler:        w.Handle,
	})
}

// Handle runs one commis job to a terminal status and releases the parent
// barrier. Retried entries resume the same thread from its checkpoint.
func (w *Worker) Handle(ctx context.Context, qjob *queue.Job) error {
	jobID := payloadInt64(qjob.Entry.Payload, "commis_job_id")
	if jobID <= 0 {
		return fmt.Errorf("commis-run payload missing commis_job_id")
	}
	job, err := w.store.GetCommisJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("loading commis job %d: %w", jobID, err)
	}
	if job.Status.Terminal() {
		qjob.Logger.Info("Commis job already finished, skipping", "commis_job_id", jobID, "status", job.Status)
		return nil
	}
	if job.ConciergeCourseID == nil {
		return w.finish(ctx, nil, job, models.CommisStatusFailed, "", "commis job has no parent course")
	}

	// Events narrate onto the originating concierge course's stream.
	streamID := *job.ConciergeCourseID
	if root, err := w.store.RootCourse(ctx, streamID); err == nil {
		streamID = root.ID
	}
	em := events.NewEmitter(w.log, events.IdentityCommis, streamID, job.OwnerID, job.TraceID, uuid.NewString())

	if err := w.store.StartCommisJob(ctx, job.ID); err != nil {
		return fmt.Errorf("starting commis job %d: %w", job.ID, err)
	}
	em.Emit(ctx, bus.EventCommisStarted, models.JSONMap{
		"job_id":    job.ID,
		"commis_id": job.CommisID,
	})

	f, thread, err := w.ensureWorkspace(ctx, job)
	if err != nil {
		return w.finish(ctx, em, job, models.CommisStatusFailed, "", err.Error())
	}

	ec := &tools.ExecContext{
		OwnerID:        job.OwnerID,
		ThreadID:       thread.ID,
		CourseID:       *job.ConciergeCourseID,
		StreamCourseID: streamID,
		TraceID:        job.TraceID,
		Model:          job.Model,
		Credentials:    w.creds,
	}

	res, runErr := w.runner.Run(ctx, f, thread, ec, em)
	switch {
	case runErr == nil:
		return w.finish(ctx, em, job, models.CommisStatusSuccess, res.Summary, "")
	case errors.Is(runErr, fiche.ErrCanceled):
		return w.finish(ctx, em, job, models.CommisStatusCancelled, "", "parent course cancelled")
	default:
		if qjob.Entry.Attempts < qjob.Entry.MaxAttempts {
			return runErr
		}
		return w.finish(ctx, em, job, models.CommisStatusFailed, "", runErr.Error())
	}
}

// ensureWorkspace finds or creates the job's dedicated fiche and thread and
// seeds the task message. Idempotent across retries.
func (w *Worker) ensureWorkspace(ctx context.Context, job *models.CommisJob) (*models.Fiche, *models.Thread, error) {
	f, err := w.store.GetFicheByName(ctx, job.OwnerID, job.CommisID)
	if errors.Is(err, store.ErrNotFound) {
		prompt := commisSystemPrompt
		if job.ExecutionMode == models.ExecModeWorkspace {
			prompt += fmt.Sprintf(workspacePromptSuffix, job.GitRepo)
		}
		f, err = w.store.CreateFiche(ctx, job.OwnerID, &models.CreateFicheRequest{
			Name:               job.CommisID,
			SystemInstructions: prompt,
			Model:              job.Model,
			AllowedTools:       commisTools,
			Config: models.JSONMap{
				"execution_mode": string(job.ExecutionMode),
				"git_repo":       job.GitRepo,
			},
		}, false)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("preparing commis fiche: %w", err)
	}

	thread, err := w.store.FindThreadByType(ctx, f.ID, models.ThreadTypeCommis)
	if errors.Is(err, store.ErrNotFound) {
		thread, err = w.store.CreateThread(ctx, job.OwnerID, f.ID, job.CommisID, models.ThreadTypeCommis)
		if err == nil {
			_, err = w.store.AppendMessage(ctx, nil, &models.ThreadMessage{
				ThreadID: thread.ID,
				Role:     models.RoleUserMsg,
				Content:  job.Task,
			})
		}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("preparing commis thread: %w", err)
	}
	return f, thread, nil
}

// finish records the terminal status, emits the completion event, and
// releases the parent barrier. Terminal writes run on a fresh context so a
// timed-out job still lands its result.
func (w *Worker) finish(ctx context.Context, em *events.Emitter, job *models.CommisJob, status models.CommisJobStatus, summary, errMsg string) error {
	base := context.Background()
	if err := w.store.FinishCommisJob(base, job.ID, status, truncate(summary, summaryLimit), errMsg, ""); err != nil {
		return fmt.Errorf("finishing commis job %d: %w", job.ID, err)
	}
	if em != nil {
		switch status {
		case models.CommisStatusSuccess:
			em.Emit(base, bus.EventCommisComplete, models.JSONMap{
				"job_id":  job.ID,
				"summary": truncate(summary, 2000),
			})
		default:
			em.Emit(base, bus.EventCommisFailed, models.JSONMap{
				"job_id": job.ID,
				"status": string(status),
				"error":  errMsg,
			})
		}
	}
	if err := w.barriers.Release(base, job.ID); err != nil {
		return fmt.Errorf("releasing barrier for job %d: %w", job.ID, err)
	}
	return nil
}

func payloadInt64(payload models.JSONMap, key string) int64 {
	switch v := payload[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	}
	return 0
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
