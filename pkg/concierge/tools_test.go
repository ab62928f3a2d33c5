package concierge_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brigadehq/brigade/pkg/concierge"
	"github.com/brigadehq/brigade/pkg/models"
	"github.com/brigadehq/brigade/pkg/tools"
)

// toolEnv builds the commis toolset bound to a fresh store, plus an exec
// context that looks like a live concierge turn.
func toolEnv(t *testing.T) (*env, *tools.Registry, *tools.ExecContext) {
	t.Helper()
	e := newEnv(t)
	registry, err := tools.NewRegistry(concierge.Toolset(e.store, e.barriers, e.cfg)...)
	require.NoError(t, err)
	ec := &tools.ExecContext{
		OwnerID:     e.owner.ID,
		CourseID:    100,
		TraceID:     "trace-1",
		Credentials: staticCreds{},
	}
	return e, registry, ec
}

func TestSpawnCommisRecordsIntent(t *testing.T) {
	e, registry, ec := toolEnv(t)
	ctx := tools.WithCallID(context.Background(), "toolu_01")

	env := registry.Dispatch(ctx, ec, "spawn_commis", models.JSONMap{"task": "inventory the cellar"})
	require.True(t, env.OK, "%+v", env)
	data := env.Data.(models.JSONMap)
	assert.Equal(t, "created", data["status"])

	// The job stays in created until the deferral commit queues it.
	job, err := e.store.GetCommisJob(context.Background(), data["job_id"].(int64))
	require.NoError(t, err)
	assert.Equal(t, models.CommisStatusCreated, job.Status)
	assert.Equal(t, "toolu_01", job.ToolCallID)
	assert.Equal(t, "claude-haiku-4-5", job.Model)
	assert.Equal(t, models.ExecModePlain, job.ExecutionMode)

	pending := ec.TakePendingJobs()
	require.Len(t, pending, 1)
	assert.Equal(t, job.ID, pending[0].ID)
}

func TestSpawnCommisValidation(t *testing.T) {
	_, registry, ec := toolEnv(t)
	ctx := tools.WithCallID(context.Background(), "toolu_01")

	env := registry.Dispatch(ctx, ec, "spawn_commis", models.JSONMap{})
	assert.Equal(t, tools.ErrTypeValidation, env.ErrorType)

	env = registry.Dispatch(ctx, ec, "spawn_commis", models.JSONMap{
		"task":           "patch the repo",
		"execution_mode": "workspace",
	})
	assert.Equal(t, tools.ErrTypeValidation, env.ErrorType)
	assert.Contains(t, env.UserMessage, "git_repo")

	// Only URL forms a runner can clone are accepted.
	env = registry.Dispatch(ctx, ec, "spawn_commis", models.JSONMap{
		"task":           "patch the repo",
		"execution_mode": "workspace",
		"git_repo":       "git@github.com:acme/menu.git",
	})
	assert.Equal(t, tools.ErrTypeValidation, env.ErrorType)
	assert.Contains(t, env.UserMessage, "ssh")

	env = registry.Dispatch(ctx, ec, "spawn_commis", models.JSONMap{
		"task":           "patch the repo",
		"execution_mode": "workspace",
		"git_repo":       "https://github.com/acme/menu.git",
	})
	require.True(t, env.OK, "%+v", env)

	// No credential resolver means no way to run workers.
	bare := &tools.ExecContext{OwnerID: ec.OwnerID, CourseID: ec.CourseID}
	env = registry.Dispatch(ctx, bare, "spawn_commis", models.JSONMap{"task": "anything"})
	assert.Equal(t, tools.ErrTypeMissingContext, env.ErrorType)
}

func TestListAndCheckCommis(t *testing.T) {
	e, registry, ec := toolEnv(t)
	ctx := context.Background()

	running, err := e.store.CreateCommisJob(ctx, &models.CommisJob{
		OwnerID: e.owner.ID, CommisID: "commis-a", Task: "a",
		Model: "claude-haiku-4-5", ExecutionMode: models.ExecModePlain,
	})
	require.NoError(t, err)
	require.NoError(t, e.store.WithTx(ctx, func(tx *sql.Tx) error {
		return e.store.TransitionCommisJobs(ctx, tx, []int64{running.ID}, models.CommisStatusCreated, models.CommisStatusQueued)
	}))
	require.NoError(t, e.store.StartCommisJob(ctx, running.ID))

	done, err := e.store.CreateCommisJob(ctx, &models.CommisJob{
		OwnerID: e.owner.ID, CommisID: "commis-b", Task: "b",
		Model: "claude-haiku-4-5", ExecutionMode: models.ExecModePlain,
	})
	require.NoError(t, err)
	require.NoError(t, e.store.FinishCommisJob(ctx, done.ID, models.CommisStatusSuccess, "finished", "", ""))

	env := registry.Dispatch(ctx, ec, "list_commis", models.JSONMap{})
	require.True(t, env.OK)
	assert.Len(t, env.Data.(models.JSONMap)["jobs"], 2)

	env = registry.Dispatch(ctx, ec, "list_commis", models.JSONMap{"status": "success"})
	require.True(t, env.OK)
	assert.Len(t, env.Data.(models.JSONMap)["jobs"], 1)

	// Without an id the status check reports only live work.
	env = registry.Dispatch(ctx, ec, "check_commis_status", models.JSONMap{})
	require.True(t, env.OK)
	active := env.Data.(models.JSONMap)["active"].([]models.JSONMap)
	require.Len(t, active, 1)
	assert.Equal(t, running.ID, active[0]["job_id"])

	env = registry.Dispatch(ctx, ec, "check_commis_status", models.JSONMap{"job_id": float64(done.ID)})
	require.True(t, env.OK)
	assert.Equal(t, "success", env.Data.(models.JSONMap)["status"])
}

func TestReadCommisResult(t *testing.T) {
	e, registry, ec := toolEnv(t)
	ctx := context.Background()

	job, err := e.store.CreateCommisJob(ctx, &models.CommisJob{
		OwnerID: e.owner.ID, CommisID: "commis-read", Task: "summarize",
		Model: "claude-haiku-4-5", ExecutionMode: models.ExecModePlain,
	})
	require.NoError(t, err)

	// Still pending: nothing to read.
	env := registry.Dispatch(ctx, ec, "read_commis_result", models.JSONMap{"job_id": float64(job.ID)})
	assert.Equal(t, tools.ErrTypeInvalidState, env.ErrorType)

	require.NoError(t, e.store.FinishCommisJob(ctx, job.ID, models.CommisStatusSuccess, "the full summary", "", ""))
	env = registry.Dispatch(ctx, ec, "read_commis_result", models.JSONMap{"job_id": float64(job.ID)})
	require.True(t, env.OK)
	assert.Equal(t, "the full summary", env.Data.(models.JSONMap)["result_summary"])

	// Reading acknowledges delivery.
	unacked, err := e.store.ListUnacknowledgedResults(ctx, e.owner.ID)
	require.NoError(t, err)
	assert.Empty(t, unacked)

	// Other owners' jobs are invisible, not forbidden.
	stranger, err := e.store.CreateUser(ctx, "stranger@example.com", models.RoleUser, "test", "stranger@example.com")
	require.NoError(t, err)
	env = registry.Dispatch(ctx, &tools.ExecContext{OwnerID: stranger.ID, Credentials: staticCreds{}},
		"read_commis_result", models.JSONMap{"job_id": float64(job.ID)})
	assert.Equal(t, tools.ErrTypeNotFound, env.ErrorType)
}

func TestCancelCommisReleasesBarrier(t *testing.T) {
	e, registry, _ := toolEnv(t)
	ctx := context.Background()
	course, j1, j2 := deferredCourse(t, e)

	ec := &tools.ExecContext{OwnerID: e.owner.ID, CourseID: course.ID, Credentials: staticCreds{}}

	env := registry.Dispatch(ctx, ec, "cancel_commis", models.JSONMap{"job_id": float64(j1.ID)})
	require.True(t, env.OK, "%+v", env)

	job, err := e.store.GetCommisJob(ctx, j1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommisStatusCancelled, job.Status)

	// The barrier no longer waits on the cancelled job.
	barrier, err := e.store.GetBarrier(ctx, course.ID)
	require.NoError(t, err)
	assert.Equal(t, models.Int64List{j2.ID}, barrier.JobIDs)

	// A finished job cannot be cancelled.
	env = registry.Dispatch(ctx, ec, "cancel_commis", models.JSONMap{"job_id": float64(j1.ID)})
	assert.Equal(t, tools.ErrTypeInvalidState, env.ErrorType)
}

func TestWaitForCommisBuckets(t *testing.T) {
	e, registry, _ := toolEnv(t)
	ctx := context.Background()

	course, fresh, _ := deferredCourse(t, e)
	ec := &tools.ExecContext{OwnerID: e.owner.ID, CourseID: course.ID, Credentials: staticCreds{}}

	finished, err := e.store.CreateCommisJob(ctx, &models.CommisJob{
		OwnerID: e.owner.ID, CommisID: "commis-finished", Task: "done already",
		Model: "claude-haiku-4-5", ExecutionMode: models.ExecModePlain,
	})
	require.NoError(t, err)
	require.NoError(t, e.store.FinishCommisJob(ctx, finished.ID, models.CommisStatusSuccess, "result", "", ""))

	other, err := e.store.CreateCourse(ctx, nil, &models.Course{
		OwnerID: e.owner.ID, FicheID: course.FicheID, ThreadID: course.ThreadID,
		Status: models.CourseStatusDeferred, Trigger: models.TriggerAPI,
	})
	require.NoError(t, err)
	elsewhere, err := e.store.CreateCommisJob(ctx, &models.CommisJob{
		OwnerID: e.owner.ID, ConciergeCourseID: &other.ID, ToolCallID: "toolu_99",
		CommisID: "commis-elsewhere", Task: "someone else's turn",
		Model: "claude-haiku-4-5", ExecutionMode: models.ExecModePlain,
	})
	require.NoError(t, err)

	env := registry.Dispatch(ctx, ec, "wait_for_commis", models.JSONMap{
		"job_ids": []any{float64(finished.ID), float64(fresh.ID), float64(elsewhere.ID)},
	})
	require.True(t, env.OK, "%+v", env)
	data := env.Data.(models.JSONMap)

	got := data["finished"].([]models.JSONMap)
	require.Len(t, got, 1)
	assert.Equal(t, finished.ID, got[0]["job_id"])
	assert.Equal(t, []int64{fresh.ID}, data["waiting"])
	assert.Equal(t, []int64{elsewhere.ID}, data["inbox_on_done"])

	// The in-turn job armed the deferral.
	pending := ec.TakePendingJobs()
	require.Len(t, pending, 1)
	assert.Equal(t, fresh.ID, pending[0].ID)
}
