package tools_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brigadehq/brigade/pkg/models"
	"github.com/brigadehq/brigade/pkg/tools"
)

func namedTool(name string) tools.Tool {
	return &tools.Func{
		ToolName:        name,
		ToolDescription: "test tool",
		Fn: func(ctx context.Context, ec *tools.ExecContext, args models.JSONMap) tools.Envelope {
			return tools.Success(models.JSONMap{"tool": name})
		},
	}
}

func TestNewRegistryRejectsDuplicatesAndBadSchemas(t *testing.T) {
	_, err := tools.NewRegistry(namedTool("echo"), namedTool("echo"))
	require.Error(t, err)

	_, err = tools.NewRegistry(&tools.Func{ToolName: ""})
	require.Error(t, err)

	_, err = tools.NewRegistry(&tools.Func{
		ToolName:  "broken",
		ArgSchema: json.RawMessage(`{"type": 42}`),
	})
	require.Error(t, err)
}

func TestResolveWildcards(t *testing.T) {
	r, err := tools.NewRegistry(
		namedTool("get_current_time"),
		namedTool("commis.spawn"),
		namedTool("commis.wait"),
		namedTool("runner.exec"),
	)
	require.NoError(t, err)

	names := func(ts []tools.Tool) []string {
		out := make([]string, len(ts))
		for i, tool := range ts {
			out[i] = tool.Name()
		}
		return out
	}

	assert.Equal(t, []string{"commis.spawn", "commis.wait", "get_current_time", "runner.exec"},
		names(r.Resolve([]string{"*"})))
	assert.Equal(t, []string{"commis.spawn", "commis.wait"},
		names(r.Resolve([]string{"commis.*"})))
	assert.Equal(t, []string{"get_current_time"},
		names(r.Resolve([]string{"get_current_time", "no_such_tool"})))
	assert.Empty(t, r.Resolve(nil))
}

func TestValidateArgs(t *testing.T) {
	r, err := tools.NewRegistry(
		&tools.Func{
			ToolName: "greet",
			ArgSchema: json.RawMessage(`{
				"type": "object",
				"properties": {"name": {"type": "string"}},
				"required": ["name"],
				"additionalProperties": false
			}`),
			Fn: func(ctx context.Context, ec *tools.ExecContext, args models.JSONMap) tools.Envelope {
				return tools.Success(nil)
			},
		},
		namedTool("anything-goes"),
	)
	require.NoError(t, err)

	assert.NoError(t, r.ValidateArgs("greet", models.JSONMap{"name": "chef"}))
	assert.Error(t, r.ValidateArgs("greet", models.JSONMap{}))
	assert.Error(t, r.ValidateArgs("greet", models.JSONMap{"name": 42}))
	assert.Error(t, r.ValidateArgs("greet", models.JSONMap{"name": "chef", "extra": true}))

	// No schema means anything validates.
	assert.NoError(t, r.ValidateArgs("anything-goes", models.JSONMap{"whatever": []int{1, 2}}))
}

func TestDispatchEnvelopes(t *testing.T) {
	r, err := tools.NewRegistry(
		&tools.Func{
			ToolName: "greet",
			ArgSchema: json.RawMessage(`{
				"type": "object",
				"properties": {"name": {"type": "string"}},
				"required": ["name"]
			}`),
			Fn: func(ctx context.Context, ec *tools.ExecContext, args models.JSONMap) tools.Envelope {
				return tools.Success(models.JSONMap{"greeting": "hello " + args["name"].(string)})
			},
		},
	)
	require.NoError(t, err)
	ec := &tools.ExecContext{OwnerID: 1}

	env := r.Dispatch(context.Background(), ec, "greet", models.JSONMap{"name": "chef"})
	assert.True(t, env.OK)

	env = r.Dispatch(context.Background(), ec, "greet", models.JSONMap{})
	assert.False(t, env.OK)
	assert.Equal(t, tools.ErrTypeValidation, env.ErrorType)

	env = r.Dispatch(context.Background(), ec, "missing", nil)
	assert.False(t, env.OK)
	assert.Equal(t, tools.ErrTypeNotFound, env.ErrorType)
}

func TestEnvelopeJSONAndCriticality(t *testing.T) {
	ok := tools.Success(models.JSONMap{"n": 1})
	assert.JSONEq(t, `{"ok":true,"data":{"n":1}}`, ok.JSON())
	assert.False(t, ok.IsCritical())

	bad := tools.Failure(tools.ErrTypeInvalidState, "wrong phase", nil)
	assert.True(t, bad.IsCritical())
	assert.False(t, tools.Failure(tools.ErrTypeExecution, "boom", nil).IsCritical())
}

func TestGetCurrentTime(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tool := tools.GetCurrentTime(func() time.Time { return fixed })

	env := tool.Invoke(context.Background(), &tools.ExecContext{}, nil)
	require.True(t, env.OK)
	data, ok := env.Data.(models.JSONMap)
	require.True(t, ok)
	assert.Equal(t, "2026-03-01T12:00:00Z", data["now"])
}

func TestExecContextPendingJobs(t *testing.T) {
	ec := &tools.ExecContext{}
	ec.AddPendingJob(&models.CommisJob{ID: 1})
	ec.AddPendingJob(&models.CommisJob{ID: 2})

	jobs := ec.TakePendingJobs()
	require.Len(t, jobs, 2)
	assert.Empty(t, ec.TakePendingJobs())
}

func TestCallIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, tools.CallID(ctx))
	ctx = tools.WithCallID(ctx, "toolu_01")
	assert.Equal(t, "toolu_01", tools.CallID(ctx))
}
