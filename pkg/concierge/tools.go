package concierge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/google/uuid"

	"github.com/brigadehq/brigade/pkg/config"
	"github.com/brigadehq/brigade/pkg/models"
	"github.com/brigadehq/brigade/pkg/store"
	"github.com/brigadehq/brigade/pkg/tools"
)

// commisListLimit caps list_commis responses.
const commisListLimit = 50

// Toolset builds the commis management tools bound to the store. The spawn
// tool only records intent: jobs stay in status created until the course
// defers and the barrier commit flips them to queued.
func Toolset(s *store.Store, barriers *BarrierManager, cfg *config.Config) []tools.Tool {
	t := &toolset{store: s, barriers: barriers, cfg: cfg}
	return []tools.Tool{
		t.spawnCommis(),
		t.listCommis(),
		t.checkCommisStatus(),
		t.readCommisResult(),
		t.cancelCommis(),
		t.waitForCommis(),
	}
}

type toolset struct {
	store    *store.Store
	barriers *BarrierManager
	cfg      *config.Config
}

func (t *toolset) spawnCommis() tools.Tool {
	return &tools.Func{
		ToolName: "spawn_commis",
		ToolDescription: "Delegate a self-contained task to a commis worker. " +
			"The current turn pauses until every spawned worker reports back; " +
			"their summaries arrive as the tool results of this call.",
		ArgSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"task": {"type": "string", "description": "Complete, self-contained task description."},
				"execution_mode": {"type": "string", "enum": ["plain", "workspace"], "description": "plain runs without a checkout; workspace clones git_repo first."},
				"git_repo": {"type": "string", "description": "Repository URL, required for workspace mode."},
				"model": {"type": "string", "description": "Override the default commis model."}
			},
			"required": ["task"],
			"additionalProperties": false
		}`),
		Fn: func(ctx context.Context, ec *tools.ExecContext, args models.JSONMap) tools.Envelope {
			if ec.Credentials == nil {
				return tools.Failure(tools.ErrTypeMissingContext,
					"no credential resolver available; commis workers cannot be spawned from this context", nil)
			}
			task, _ := args["task"].(string)
			if task == "" {
				return tools.Failure(tools.ErrTypeValidation, "task is required", nil)
			}
			mode := models.ExecutionMode(argString(args, "execution_mode"))
			if mode == "" {
				mode = models.ExecModePlain
			}
			gitRepo := argString(args, "git_repo")
			if mode == models.ExecModeWorkspace {
				if gitRepo == "" {
					return tools.Failure(tools.ErrTypeValidation, "workspace mode requires git_repo", nil)
				}
				if !validRepoURL(gitRepo) {
					return tools.Failure(tools.ErrTypeValidation,
						"git_repo must be an http(s) or ssh URL", nil)
				}
			}
			model := argString(args, "model")
			if model == "" {
				model = t.cfg.DefaultCommisModel
			}

			courseID := ec.CourseID
			job, err := t.store.CreateCommisJob(ctx, &models.CommisJob{
				OwnerID:           ec.OwnerID,
				ConciergeCourseID: &courseID,
				ToolCallID:        tools.CallID(ctx),
				CommisID:          "commis-" + uuid.NewString()[:8],
				Task:              task,
				Model:             model,
				ExecutionMode:     mode,
				GitRepo:           gitRepo,
				TraceID:           ec.TraceID,
			})
			if err != nil {
				return tools.Failure(tools.ErrTypeExecution,
					fmt.Sprintf("creating commis job: %v", err), nil)
			}
			if job.Status == models.CommisStatusCreated {
				ec.AddPendingJob(job)
			}
			return tools.Success(models.JSONMap{
				"job_id":    job.ID,
				"commis_id": job.CommisID,
				"status":    string(job.Status),
			})
		},
	}
}

func (t *toolset) listCommis() tools.Tool {
	return &tools.Func{
		ToolName:        "list_commis",
		ToolDescription: "List your commis jobs, newest first, optionally filtered by status.",
		ArgSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"status": {"type": "string", "enum": ["created", "queued", "running", "success", "failed", "cancelled"]},
				"limit": {"type": "integer", "minimum": 1, "maximum": 50}
			},
			"additionalProperties": false
		}`),
		Fn: func(ctx context.Context, ec *tools.ExecContext, args models.JSONMap) tools.Envelope {
			limit := int(argInt64(args, "limit"))
			if limit <= 0 || limit > commisListLimit {
				limit = commisListLimit
			}
			jobs, err := t.store.ListCommisJobs(ctx, ec.OwnerID, models.CommisJobStatus(argString(args, "status")), limit)
			if err != nil {
				return tools.Failure(tools.ErrTypeExecution, fmt.Sprintf("listing commis jobs: %v", err), nil)
			}
			out := make([]models.JSONMap, 0, len(jobs))
			for _, job := range jobs {
				out = append(out, jobSummary(job))
			}
			return tools.Success(models.JSONMap{"jobs": out})
		},
	}
}

func (t *toolset) checkCommisStatus() tools.Tool {
	return &tools.Func{
		ToolName:        "check_commis_status",
		ToolDescription: "Check one commis job by id, or every non-terminal job when no id is given.",
		ArgSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"job_id": {"type": "integer"}
			},
			"additionalProperties": false
		}`),
		Fn: func(ctx context.Context, ec *tools.ExecContext, args models.JSONMap) tools.Envelope {
			if id := argInt64(args, "job_id"); id > 0 {
				job, env := t.ownedJob(ctx, ec, id)
				if job == nil {
					return env
				}
				return tools.Success(jobSummary(job))
			}
			jobs, err := t.store.ListCommisJobs(ctx, ec.OwnerID, "", 0)
			if err != nil {
				return tools.Failure(tools.ErrTypeExecution, fmt.Sprintf("listing commis jobs: %v", err), nil)
			}
			active := make([]models.JSONMap, 0)
			for _, job := range jobs {
				if !job.Status.Terminal() {
					active = append(active, jobSummary(job))
				}
			}
			return tools.Success(models.JSONMap{"active": active})
		},
	}
}

func (t *toolset) readCommisResult() tools.Tool {
	return &tools.Func{
		ToolName:        "read_commis_result",
		ToolDescription: "Read the full result of a finished commis job and mark it acknowledged.",
		ArgSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"job_id": {"type": "integer"}
			},
			"required": ["job_id"],
			"additionalProperties": false
		}`),
		Fn: func(ctx context.Context, ec *tools.ExecContext, args models.JSONMap) tools.Envelope {
			job, env := t.ownedJob(ctx, ec, argInt64(args, "job_id"))
			if job == nil {
				return env
			}
			if !job.Status.Terminal() {
				return tools.Failure(tools.ErrTypeInvalidState,
					fmt.Sprintf("commis job %d is still %s", job.ID, job.Status), nil)
			}
			if err := t.store.AcknowledgeCommisResults(ctx, []int64{job.ID}); err != nil {
				return tools.Failure(tools.ErrTypeExecution, fmt.Sprintf("acknowledging result: %v", err), nil)
			}
			data := jobSummary(job)
			data["result_summary"] = job.ResultSummary
			data["error"] = job.Error
			data["artifacts_path"] = job.ArtifactsPath
			return tools.Success(data)
		},
	}
}

func (t *toolset) cancelCommis() tools.Tool {
	return &tools.Func{
		ToolName:        "cancel_commis",
		ToolDescription: "Cancel a commis job that has not finished yet.",
		ArgSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"job_id": {"type": "integer"}
			},
			"required": ["job_id"],
			"additionalProperties": false
		}`),
		Fn: func(ctx context.Context, ec *tools.ExecContext, args models.JSONMap) tools.Envelope {
			job, env := t.ownedJob(ctx, ec, argInt64(args, "job_id"))
			if job == nil {
				return env
			}
			if job.Status.Terminal() {
				return tools.Failure(tools.ErrTypeInvalidState,
					fmt.Sprintf("commis job %d already finished with status %s", job.ID, job.Status), nil)
			}
			if err := t.store.FinishCommisJob(ctx, job.ID, models.CommisStatusCancelled, "", "cancelled by concierge", ""); err != nil {
				return tools.Failure(tools.ErrTypeExecution, fmt.Sprintf("cancelling job: %v", err), nil)
			}
			// If the job was holding a barrier open, resolve it so the
			// parent course is not stuck on a job that will never run.
			if err := t.barriers.Release(ctx, job.ID); err != nil {
				return tools.Failure(tools.ErrTypeExecution, fmt.Sprintf("releasing barrier: %v", err), nil)
			}
			return tools.Success(models.JSONMap{"job_id": job.ID, "status": string(models.CommisStatusCancelled)})
		},
	}
}

func (t *toolset) waitForCommis() tools.Tool {
	return &tools.Func{
		ToolName: "wait_for_commis",
		ToolDescription: "Wait for commis jobs spawned earlier in this turn. Jobs already " +
			"finished are reported immediately; jobs from previous turns deliver " +
			"their results to your inbox instead.",
		ArgSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"job_ids": {"type": "array", "items": {"type": "integer"}, "minItems": 1}
			},
			"required": ["job_ids"],
			"additionalProperties": false
		}`),
		Fn: func(ctx context.Context, ec *tools.ExecContext, args models.JSONMap) tools.Envelope {
			ids := argInt64List(args, "job_ids")
			if len(ids) == 0 {
				return tools.Failure(tools.ErrTypeValidation, "job_ids is required", nil)
			}
			finished := make([]models.JSONMap, 0)
			waiting := make([]int64, 0)
			inbox := make([]int64, 0)
			for _, id := range ids {
				job, env := t.ownedJob(ctx, ec, id)
				if job == nil {
					return env
				}
				switch {
				case job.Status.Terminal():
					data := jobSummary(job)
					data["result_summary"] = job.ResultSummary
					data["error"] = job.Error
					finished = append(finished, data)
				case job.ConciergeCourseID != nil && *job.ConciergeCourseID == ec.CourseID &&
					job.Status == models.CommisStatusCreated:
					// Spawned during this turn: arm the deferral for it.
					ec.AddPendingJob(job)
					waiting = append(waiting, job.ID)
				default:
					// Running under an earlier course. Its summary lands in
					// the inbox when it finishes.
					inbox = append(inbox, job.ID)
				}
			}
			return tools.Success(models.JSONMap{
				"finished":      finished,
				"waiting":       waiting,
				"inbox_on_done": inbox,
			})
		},
	}
}

// ownedJob loads a job and hides other owners' jobs behind not_found.
func (t *toolset) ownedJob(ctx context.Context, ec *tools.ExecContext, id int64) (*models.CommisJob, tools.Envelope) {
	if id <= 0 {
		return nil, tools.Failure(tools.ErrTypeValidation, "job_id is required", nil)
	}
	job, err := t.store.GetCommisJob(ctx, id)
	if err != nil || job.OwnerID != ec.OwnerID {
		return nil, tools.Failure(tools.ErrTypeNotFound, fmt.Sprintf("commis job %d not found", id), nil)
	}
	return job, tools.Envelope{}
}

func jobSummary(job *models.CommisJob) models.JSONMap {
	return models.JSONMap{
		"job_id":         job.ID,
		"commis_id":      job.CommisID,
		"status":         string(job.Status),
		"execution_mode": string(job.ExecutionMode),
		"task":           truncate(job.Task, 200),
		"created_at":     job.CreatedAt,
	}
}

// validRepoURL accepts the clone URL forms runners support.
func validRepoURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	switch u.Scheme {
	case "http", "https", "ssh":
		return true
	}
	return false
}

func argString(args models.JSONMap, key string) string {
	s, _ := args[key].(string)
	return s
}

// argInt64 reads a numeric argument. Arguments arrive through encoding/json
// so numbers are float64.
func argInt64(args models.JSONMap, key string) int64 {
	switch v := args[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}

func argInt64List(args models.JSONMap, key string) []int64 {
	raw, _ := args[key].([]any)
	out := make([]int64, 0, len(raw))
	for _, v := range raw {
		switch n := v.(type) {
		case float64:
			out = append(out, int64(n))
		case int64:
			out = append(out, n)
		}
	}
	return out
}
