package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/brigadehq/brigade/pkg/models"
	"github.com/brigadehq/brigade/pkg/store"
	"github.com/brigadehq/brigade/pkg/tools"
)

// resultPreviewLimit bounds the output returned inside the tool envelope.
const resultPreviewLimit = 8 * 1024

// Toolset builds the runner execution tools over the dispatcher.
func Toolset(s *store.Store, d *Dispatcher) []tools.Tool {
	return []tools.Tool{
		runnerExecTool(s, d),
		peekWorkerOutputTool(d),
	}
}

func runnerExecTool(s *store.Store, d *Dispatcher) tools.Tool {
	return &tools.Func{
		ToolName: "runner_exec",
		ToolDescription: "Execute a shell command on a named remote runner and " +
			"return its exit code and output.",
		ArgSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"runner": {"type": "string", "description": "Name of a registered runner."},
				"command": {"type": "string", "description": "Shell command to execute."},
				"timeout_secs": {"type": "integer", "minimum": 1, "maximum": 3600}
			},
			"required": ["runner", "command"],
			"additionalProperties": false
		}`),
		Fn: func(ctx context.Context, ec *tools.ExecContext, args models.JSONMap) tools.Envelope {
			name, _ := args["runner"].(string)
			command, _ := args["command"].(string)
			if name == "" || command == "" {
				return tools.Failure(tools.ErrTypeValidation, "runner and command are required", nil)
			}
			timeoutSecs := 0
			if v, ok := args["timeout_secs"].(float64); ok {
				timeoutSecs = int(v)
			}

			runner, err := s.GetRunnerByName(ctx, ec.OwnerID, name)
			if err != nil {
				return tools.Failure(tools.ErrTypeNotFound, fmt.Sprintf("runner %q not found", name), nil)
			}

			workerID := fmt.Sprintf("course-%d", ec.StreamCourseID)
			courseID := ec.StreamCourseID
			job, err := d.Execute(ctx, &ExecRequest{
				RunnerID:    runner.ID,
				OwnerID:     ec.OwnerID,
				WorkerID:    workerID,
				CourseID:    &courseID,
				Command:     command,
				TimeoutSecs: timeoutSecs,
			})
			switch {
			case errors.Is(err, ErrRunnerOffline):
				return tools.Failure(tools.ErrTypeExecution,
					fmt.Sprintf("runner %q is offline", name), nil)
			case errors.Is(err, ErrRunnerBusy):
				return tools.Failure(tools.ErrTypeExecution,
					fmt.Sprintf("runner %q is busy with another job", name), nil)
			case err != nil:
				return tools.Failure(tools.ErrTypeExecution, err.Error(), nil)
			}

			data := models.JSONMap{
				"job_id":    job.ID,
				"status":    string(job.Status),
				"stdout":    truncate(job.StdoutTail, resultPreviewLimit),
				"stderr":    truncate(job.StderrTail, resultPreviewLimit),
				"worker_id": workerID,
			}
			if job.ExitCode != nil {
				data["exit_code"] = *job.ExitCode
			}
			if job.Status != models.RunnerJobSuccess {
				return tools.Failure(tools.ErrTypeExecution, execFailureMessage(job), models.JSONMap{
					"job_id": job.ID,
					"status": string(job.Status),
					"stderr": truncate(job.StderrTail, resultPreviewLimit),
				})
			}
			return tools.Success(data)
		},
	}
}

func peekWorkerOutputTool(d *Dispatcher) tools.Tool {
	return &tools.Func{
		ToolName:        "peek_worker_output",
		ToolDescription: "Read the live output tail of a worker's running or recent commands.",
		ArgSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"worker_id": {"type": "string"}
			},
			"required": ["worker_id"],
			"additionalProperties": false
		}`),
		Fn: func(ctx context.Context, ec *tools.ExecContext, args models.JSONMap) tools.Envelope {
			workerID, _ := args["worker_id"].(string)
			if workerID == "" {
				return tools.Failure(tools.ErrTypeValidation, "worker_id is required", nil)
			}
			tail, ok := d.Buffer().Tail(workerID)
			if !ok {
				return tools.Failure(tools.ErrTypeNotFound,
					fmt.Sprintf("no live output for worker %q", workerID), nil)
			}
			return tools.Success(models.JSONMap{
				"worker_id": workerID,
				"output":    truncate(tail, resultPreviewLimit),
			})
		},
	}
}

func execFailureMessage(job *models.RunnerJob) string {
	switch job.Status {
	case models.RunnerJobTimeout:
		return fmt.Sprintf("command timed out after %ds", job.TimeoutSecs)
	case models.RunnerJobCancelled:
		return "command was cancelled"
	default:
		if job.Error != "" {
			return job.Error
		}
		if job.ExitCode != nil {
			return fmt.Sprintf("command exited with code %d", *job.ExitCode)
		}
		return "command failed"
	}
}
