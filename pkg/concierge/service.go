// Package concierge implements the long-lived assistant: the chat turn
// protocol, the two-phase commis spawn commit, the barrier that parks a
// deferred course, and the continuation that resumes it.
package concierge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/brigadehq/brigade/pkg/bus"
	"github.com/brigadehq/brigade/pkg/config"
	"github.com/brigadehq/brigade/pkg/events"
	"github.com/brigadehq/brigade/pkg/fiche"
	"github.com/brigadehq/brigade/pkg/models"
	"github.com/brigadehq/brigade/pkg/queue"
	"github.com/brigadehq/brigade/pkg/services"
	"github.com/brigadehq/brigade/pkg/store"
	"github.com/brigadehq/brigade/pkg/tools"
)

const (
	// conciergeFicheName is the singleton per-owner concierge fiche.
	conciergeFicheName = "concierge"

	// summaryLimit caps the persisted course summary.
	summaryLimit = 10 * 1024

	// deferReason is the payload reason on supervisor_deferred events.
	deferReason = "waiting_for_worker"

	conciergeSystemPrompt = `You are the concierge: a persistent assistant that manages
long-running operational work for your owner. You can answer directly, or
delegate self-contained tasks to commis workers with spawn_commis and
resume once their results arrive. Prefer delegation for anything that
involves remote execution or takes more than a few seconds. Be concise.`
)

// Request is one concierge chat turn.
type Request struct {
	Owner            *models.User
	Task             string
	Timeout          time.Duration
	ReturnOnDeferred bool
	Model            string
	ReasoningEffort  string
}

// Result is the outcome of a concierge turn.
type Result struct {
	CourseID   int64               `json:"course_id"`
	ThreadID   int64               `json:"thread_id"`
	Status     models.CourseStatus `json:"status"`
	Result     string              `json:"result,omitempty"`
	Error      string              `json:"error,omitempty"`
	DurationMS int64               `json:"duration_ms"`
}

// Service runs concierge turns and owns the deferred/continuation policy.
type Service struct {
	store  *store.Store
	log    *events.Log
	runner *fiche.Runner
	creds  tools.CredentialResolver
	cfg    *config.Config
}

// NewService wires the concierge service.
func NewService(s *store.Store, log *events.Log, runner *fiche.Runner, creds tools.CredentialResolver, cfg *config.Config) *Service {
	return &Service{store: s, log: log, runner: runner, creds: creds, cfg: cfg}
}

// Chat executes one concierge turn for the owner. On deferral the result
// status is deferred; with ReturnOnDeferred false the call blocks until the
// continuation chain reaches a terminal course or ctx expires.
func (s *Service) Chat(ctx context.Context, req *Request) (*Result, error) {
	if strings.TrimSpace(req.Task) == "" {
		return nil, services.NewValidationError("task", "is required")
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.cfg.ConciergeTimeout
	}

	f, err := s.ensureConciergeFiche(ctx, req.Owner.ID)
	if err != nil {
		return nil, err
	}
	thread, err := s.ensureConciergeThread(ctx, f)
	if err != nil {
		return nil, err
	}

	inbox, err := s.store.ListUnacknowledgedResults(ctx, req.Owner.ID)
	if err != nil {
		return nil, fmt.Errorf("reading commis inbox: %w", err)
	}
	if len(inbox) > 0 {
		if _, err := s.store.AppendMessage(ctx, nil, &models.ThreadMessage{
			ThreadID: thread.ID,
			Role:     models.RoleSystem,
			Content:  inboxMessage(inbox),
		}); err != nil {
			return nil, fmt.Errorf("injecting commis inbox: %w", err)
		}
	}

	course, err := s.store.CreateCourse(ctx, nil, &models.Course{
		OwnerID:  req.Owner.ID,
		FicheID:  f.ID,
		ThreadID: thread.ID,
		Status:   models.CourseStatusRunning,
		Trigger:  models.TriggerAPI,
		TraceID:  uuid.NewString(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating course: %w", err)
	}

	if _, err := s.store.AppendMessage(ctx, nil, &models.ThreadMessage{
		ThreadID: thread.ID,
		Role:     models.RoleUserMsg,
		Content:  req.Task,
	}); err != nil {
		return nil, fmt.Errorf("appending task: %w", err)
	}

	if len(inbox) > 0 {
		ids := make([]int64, len(inbox))
		for i, job := range inbox {
			ids[i] = job.ID
		}
		if err := s.store.AcknowledgeCommisResults(ctx, ids); err != nil {
			slog.Error("Failed to acknowledge commis results", "error", err)
		}
	}

	em := events.NewEmitter(s.log, events.IdentityConcierge, course.ID, req.Owner.ID, course.TraceID, uuid.NewString())
	em.Emit(ctx, bus.EventCourseCreated, models.JSONMap{"course_id": course.ID})

	model := req.Model
	if model == "" {
		model = f.Model
	}
	ec := &tools.ExecContext{
		OwnerID:         req.Owner.ID,
		ThreadID:        thread.ID,
		CourseID:        course.ID,
		StreamCourseID:  course.ID,
		TraceID:         course.TraceID,
		Model:           model,
		ReasoningEffort: req.ReasoningEffort,
		Credentials:     s.creds,
	}

	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	res, runErr := s.runner.Run(runCtx, f, thread, ec, em)
	cancel()
	duration := time.Since(start).Milliseconds()

	out := &Result{CourseID: course.ID, ThreadID: thread.ID, DurationMS: duration}

	var interrupted *fiche.Interrupted
	switch {
	case runErr == nil:
		summary := truncate(res.Summary, summaryLimit)
		tokens := res.Usage.InputTokens + res.Usage.OutputTokens
		if err := s.store.FinishCourse(ctx, course.ID, models.CourseStatusSuccess, summary, "", tokens, 0); err != nil {
			return nil, fmt.Errorf("finishing course: %w", err)
		}
		em.Emit(ctx, bus.EventCourseComplete, models.JSONMap{"result": truncate(res.Summary, 2000)})
		out.Status = models.CourseStatusSuccess
		out.Result = res.Summary
		return out, nil

	case errors.As(runErr, &interrupted):
		if err := s.DeferCourse(ctx, course.ID, interrupted.JobIDs); err != nil {
			return nil, err
		}
		em.Emit(ctx, bus.EventCourseDeferred, models.JSONMap{
			"reason":       deferReason,
			"close_stream": false,
			"job_ids":      interrupted.JobIDs,
		})
		if req.ReturnOnDeferred {
			out.Status = models.CourseStatusDeferred
			return out, nil
		}
		return s.awaitOutcome(ctx, course.ID, start)

	case errors.Is(runErr, fiche.ErrCanceled):
		out.Status = models.CourseStatusFailed
		out.Error = "cancelled"
		return out, nil

	case errors.Is(runErr, context.DeadlineExceeded):
		if _, berr := s.store.GetBarrier(ctx, course.ID); berr == nil {
			_ = s.setStatus(ctx, course.ID, models.CourseStatusDeferred, "")
			em.Emit(ctx, bus.EventCourseDeferred, models.JSONMap{"reason": deferReason, "close_stream": false})
			out.Status = models.CourseStatusDeferred
			return out, nil
		}
		errMsg := fmt.Sprintf("concierge turn timed out after %v", timeout)
		if err := s.store.FinishCourse(ctx, course.ID, models.CourseStatusFailed, "", errMsg, 0, 0); err != nil {
			slog.Error("Failed to fail timed-out course", "course_id", course.ID, "error", err)
		}
		em.Error(ctx, tools.ErrTypeExecution, errMsg)
		out.Status = models.CourseStatusFailed
		out.Error = errMsg
		return out, nil

	default:
		errMsg := truncate(runErr.Error(), 2000)
		if err := s.store.FinishCourse(ctx, course.ID, models.CourseStatusFailed, "", errMsg, 0, 0); err != nil {
			slog.Error("Failed to fail course", "course_id", course.ID, "error", err)
		}
		em.Error(ctx, tools.ErrTypeExecution, errMsg)
		out.Status = models.CourseStatusFailed
		out.Error = errMsg
		return out, nil
	}
}

// DeferCourse is phase two of the spawn commit, one transaction: create the
// barrier, flip the jobs created→queued, enqueue their execution, and park
// the course as deferred. Spawn events land after commit.
func (s *Service) DeferCourse(ctx context.Context, courseID int64, jobIDs []int64) error {
	jobIDs = dedupeIDs(jobIDs)
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.store.GetCourseForUpdate(ctx, tx, courseID); err != nil {
			return err
		}
		if _, err := s.store.CreateBarrier(ctx, tx, courseID, jobIDs); err != nil {
			if !errors.Is(err, store.ErrAlreadyExists) {
				return err
			}
		}
		if err := s.store.TransitionCommisJobs(ctx, tx, jobIDs, models.CommisStatusCreated, models.CommisStatusQueued); err != nil {
			return err
		}
		for _, jobID := range jobIDs {
			if _, _, err := s.store.EnqueueJob(ctx, tx, queue.JobCommisRun, queue.CommisDedupeKey(jobID),
				s.store.Now(), 3, models.JSONMap{"commis_job_id": jobID}); err != nil {
				return err
			}
		}
		return s.store.SetCourseStatus(ctx, tx, courseID, models.CourseStatusDeferred, "")
	})
	if err != nil {
		return fmt.Errorf("deferring course %d: %w", courseID, err)
	}

	streamID := courseID
	if root, err := s.store.RootCourse(ctx, courseID); err == nil {
		streamID = root.ID
	}
	for _, jobID := range jobIDs {
		if _, err := s.log.Append(ctx, streamID, bus.EventCommisSpawned, models.JSONMap{
			"job_id": jobID,
		}); err != nil {
			slog.Error("Failed to append commis_spawned", "job_id", jobID, "error", err)
		}
	}
	return nil
}

// awaitOutcome blocks until the continuation chain of courseID reaches a
// terminal course, then reports that course's outcome.
func (s *Service) awaitOutcome(ctx context.Context, courseID int64, start time.Time) (*Result, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return &Result{
				CourseID:   courseID,
				Status:     models.CourseStatusDeferred,
				DurationMS: time.Since(start).Milliseconds(),
			}, nil
		case <-ticker.C:
			chain, err := s.store.ContinuationChain(ctx, courseID)
			if err != nil {
				return nil, err
			}
			tail := chain[len(chain)-1]
			if !tail.Status.Terminal() {
				continue
			}
			return &Result{
				CourseID:   courseID,
				ThreadID:   tail.ThreadID,
				Status:     tail.Status,
				Result:     tail.Summary,
				Error:      tail.Error,
				DurationMS: time.Since(start).Milliseconds(),
			}, nil
		}
	}
}

func (s *Service) ensureConciergeFiche(ctx context.Context, ownerID int64) (*models.Fiche, error) {
	f, err := s.store.GetFicheByName(ctx, ownerID, conciergeFicheName)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	f, err = s.store.CreateFiche(ctx, ownerID, &models.CreateFicheRequest{
		Name:               conciergeFicheName,
		SystemInstructions: conciergeSystemPrompt,
		Model:              s.cfg.DefaultConciergeModel,
		AllowedTools:       models.StringList{"*"},
	}, true)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return s.store.GetFicheByName(ctx, ownerID, conciergeFicheName)
		}
		return nil, err
	}
	return f, nil
}

func (s *Service) ensureConciergeThread(ctx context.Context, f *models.Fiche) (*models.Thread, error) {
	thread, err := s.store.FindThreadByType(ctx, f.ID, models.ThreadTypeConcierge)
	if err == nil {
		return thread, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return s.store.CreateThread(ctx, f.OwnerID, f.ID, "concierge", models.ThreadTypeConcierge)
}

func (s *Service) setStatus(ctx context.Context, courseID int64, status models.CourseStatus, errMsg string) error {
	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		return s.store.SetCourseStatus(ctx, tx, courseID, status, errMsg)
	})
}

func inboxMessage(jobs []*models.CommisJob) string {
	var b strings.Builder
	b.WriteString("Commis results completed since your last turn:\n")
	for _, job := range jobs {
		switch job.Status {
		case models.CommisStatusSuccess:
			fmt.Fprintf(&b, "- job %d (%s): success: %s\n", job.ID, job.CommisID, truncate(job.ResultSummary, 500))
		default:
			fmt.Fprintf(&b, "- job %d (%s): %s: %s\n", job.ID, job.CommisID, job.Status, truncate(job.Error, 500))
		}
	}
	return b.String()
}

// dedupeIDs drops repeats while keeping order. spawn_commis and
// wait_for_commis can both register the same job in one step.
func dedupeIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
