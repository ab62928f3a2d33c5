package fiche_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brigadehq/brigade/pkg/bus"
	"github.com/brigadehq/brigade/pkg/events"
	"github.com/brigadehq/brigade/pkg/fiche"
	"github.com/brigadehq/brigade/pkg/llm"
	"github.com/brigadehq/brigade/pkg/models"
	"github.com/brigadehq/brigade/pkg/store"
	"github.com/brigadehq/brigade/pkg/tools"
	"github.com/brigadehq/brigade/test/util"
)

// harness bundles everything one runner test needs.
type harness struct {
	store  *store.Store
	log    *events.Log
	fiche  *models.Fiche
	thread *models.Thread
	course *models.Course
	ec     *tools.ExecContext
	em     *events.Emitter
}

func newHarness(t *testing.T, allowedTools ...string) *harness {
	t.Helper()
	ctx := context.Background()
	st := util.NewTestStore(t)
	b := bus.New()
	t.Cleanup(b.Close)
	log := events.NewLog(st, b)

	u, err := st.CreateUser(ctx, "owner@example.com", models.RoleUser, "test", "owner@example.com")
	require.NoError(t, err)
	f, err := st.CreateFiche(ctx, u.ID, &models.CreateFicheRequest{
		Name:               "sous-chef",
		SystemInstructions: "You are a helpful assistant.",
		TaskInstructions:   "Answer briefly.",
		Model:              "claude-sonnet-4-5",
		AllowedTools:       models.StringList(allowedTools),
	}, false)
	require.NoError(t, err)
	th, err := st.CreateThread(ctx, u.ID, f.ID, "test", models.ThreadTypeManual)
	require.NoError(t, err)
	c, err := st.CreateCourse(ctx, nil, &models.Course{
		OwnerID: u.ID, FicheID: f.ID, ThreadID: th.ID,
		Status: models.CourseStatusRunning, Trigger: models.TriggerManual,
	})
	require.NoError(t, err)

	ec := &tools.ExecContext{
		OwnerID:        u.ID,
		ThreadID:       th.ID,
		CourseID:       c.ID,
		StreamCourseID: c.ID,
		TraceID:        "trace-1",
	}
	em := events.NewEmitter(log, events.IdentityConcierge, c.ID, u.ID, "trace-1", "msg-1")
	return &harness{store: st, log: log, fiche: f, thread: th, course: c, ec: ec, em: em}
}

func (h *harness) postUserMessage(t *testing.T, content string) {
	t.Helper()
	_, err := h.store.AppendMessage(context.Background(), nil, &models.ThreadMessage{
		ThreadID: h.thread.ID,
		Role:     models.RoleUserMsg,
		Content:  content,
	})
	require.NoError(t, err)
}

func newRunner(t *testing.T, h *harness, client llm.Client, testTools ...tools.Tool) *fiche.Runner {
	t.Helper()
	registry, err := tools.NewRegistry(testTools...)
	require.NoError(t, err)
	return fiche.NewRunner(h.store, registry, client,
		fiche.WithHeartbeatInterval(0))
}

func echoTool() tools.Tool {
	return &tools.Func{
		ToolName:        "echo",
		ToolDescription: "Echoes its input back.",
		ArgSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"text": {"type": "string"}},
			"required": ["text"]
		}`),
		Fn: func(ctx context.Context, ec *tools.ExecContext, args models.JSONMap) tools.Envelope {
			return tools.Success(models.JSONMap{"echo": args["text"]})
		},
	}
}

func toolCall(id, name, args string) models.ToolCall {
	return models.ToolCall{ID: id, Name: name, Args: json.RawMessage(args)}
}

func TestRunSimpleCompletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.postUserMessage(t, "what is on the menu?")

	fake := llm.NewFake(llm.FakeTurn{Response: llm.Response{
		Content: "Soup and bread.",
		Usage:   llm.Usage{InputTokens: 12, OutputTokens: 5},
	}})
	runner := newRunner(t, h, fake)

	result, err := runner.Run(ctx, h.fiche, h.thread, h.ec, h.em)
	require.NoError(t, err)
	assert.Equal(t, "Soup and bread.", result.Summary)
	assert.EqualValues(t, 12, result.Usage.InputTokens)
	assert.EqualValues(t, 5, result.Usage.OutputTokens)
	require.Len(t, result.NewMessages, 1)
	assert.Equal(t, models.RoleAssistant, result.NewMessages[0].Role)

	// System prompt carries both instruction blocks.
	require.Len(t, fake.Requests, 1)
	assert.Contains(t, fake.Requests[0].System, "helpful assistant")
	assert.Contains(t, fake.Requests[0].System, "Answer briefly")
	assert.Equal(t, "claude-sonnet-4-5", fake.Requests[0].Model)

	// The input was consumed.
	unprocessed, err := h.store.ListUnprocessedMessages(ctx, h.thread.ID)
	require.NoError(t, err)
	assert.Empty(t, unprocessed)

	// Checkpoint records the iteration count.
	state, err := h.store.LoadThreadState(ctx, h.thread.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, state["iterations"])
}

func TestRunDispatchesToolsAndContinues(t *testing.T) {
	h := newHarness(t, "echo")
	ctx := context.Background()
	h.postUserMessage(t, "say hi")

	fake := llm.NewFake(
		llm.FakeTurn{Response: llm.Response{
			ToolCalls: []models.ToolCall{toolCall("toolu_01", "echo", `{"text":"hi"}`)},
		}},
		llm.FakeTurn{Response: llm.Response{Content: "The echo said hi."}},
	)
	runner := newRunner(t, h, fake, echoTool())

	result, err := runner.Run(ctx, h.fiche, h.thread, h.ec, h.em)
	require.NoError(t, err)
	assert.Equal(t, "The echo said hi.", result.Summary)
	require.Len(t, result.NewMessages, 3)
	assert.Equal(t, models.RoleTool, result.NewMessages[1].Role)
	assert.Equal(t, "toolu_01", result.NewMessages[1].ToolCallID)
	assert.Contains(t, result.NewMessages[1].Content, `"ok":true`)

	// The second turn sees the tool result in the conversation.
	require.Len(t, fake.Requests, 2)
	second := fake.Requests[0].Messages
	assert.Len(t, second, 1)
	followup := fake.Requests[1].Messages
	require.Len(t, followup, 3)
	assert.Equal(t, llm.RoleTool, followup[2].Role)
	assert.Equal(t, "toolu_01", followup[2].ToolCallID)

	// Tool defs were offered to the model.
	require.Len(t, fake.Requests[0].Tools, 1)
	assert.Equal(t, "echo", fake.Requests[0].Tools[0].Name)

	// The stream narrates the tool call.
	evs, err := h.store.ListCourseEventsAfter(ctx, h.course.ID, 0)
	require.NoError(t, err)
	var types []string
	for _, ev := range evs {
		types = append(types, ev.EventType)
	}
	assert.Contains(t, types, "concierge_tool_started")
	assert.Contains(t, types, "concierge_tool_completed")
}

func TestRunToolValidationFailureIsData(t *testing.T) {
	h := newHarness(t, "echo")
	ctx := context.Background()
	h.postUserMessage(t, "say hi")

	fake := llm.NewFake(
		llm.FakeTurn{Response: llm.Response{
			ToolCalls: []models.ToolCall{toolCall("toolu_01", "echo", `{"text":42}`)},
		}},
		llm.FakeTurn{Response: llm.Response{Content: "Could not echo."}},
	)
	runner := newRunner(t, h, fake, echoTool())

	result, err := runner.Run(ctx, h.fiche, h.thread, h.ec, h.em)
	require.NoError(t, err)
	assert.Equal(t, "Could not echo.", result.Summary)
	assert.Contains(t, result.NewMessages[1].Content, "validation_error")

	evs, err := h.store.ListCourseEventsAfter(ctx, h.course.ID, 0)
	require.NoError(t, err)
	var failed bool
	for _, ev := range evs {
		if ev.EventType == "concierge_tool_failed" {
			failed = true
		}
	}
	assert.True(t, failed)
}

func TestRunToolPanicTrapped(t *testing.T) {
	h := newHarness(t, "*")
	ctx := context.Background()
	h.postUserMessage(t, "go")

	bomb := &tools.Func{
		ToolName: "bomb",
		Fn: func(ctx context.Context, ec *tools.ExecContext, args models.JSONMap) tools.Envelope {
			panic("kaboom")
		},
	}
	fake := llm.NewFake(
		llm.FakeTurn{Response: llm.Response{
			ToolCalls: []models.ToolCall{toolCall("toolu_01", "bomb", `{}`)},
		}},
		llm.FakeTurn{Response: llm.Response{Content: "That went poorly."}},
	)
	runner := newRunner(t, h, fake, bomb)

	result, err := runner.Run(ctx, h.fiche, h.thread, h.ec, h.em)
	require.NoError(t, err)
	assert.Equal(t, "That went poorly.", result.Summary)
	assert.Contains(t, result.NewMessages[1].Content, "execution_error")
	assert.Contains(t, result.NewMessages[1].Content, "kaboom")
}

func TestRunInterruptsOnSpawnedWork(t *testing.T) {
	h := newHarness(t, "*")
	ctx := context.Background()
	h.postUserMessage(t, "research this in the background")

	spawn := &tools.Func{
		ToolName: "spawn_commis",
		Fn: func(ctx context.Context, ec *tools.ExecContext, args models.JSONMap) tools.Envelope {
			ec.AddPendingJob(&models.CommisJob{ID: 42, ToolCallID: tools.CallID(ctx)})
			return tools.Success(models.JSONMap{"job_id": 42})
		},
	}
	fake := llm.NewFake(
		llm.FakeTurn{Response: llm.Response{
			ToolCalls: []models.ToolCall{toolCall("toolu_01", "spawn_commis", `{}`)},
		}},
	)
	runner := newRunner(t, h, fake, spawn)

	_, err := runner.Run(ctx, h.fiche, h.thread, h.ec, h.em)
	var interrupted *fiche.Interrupted
	require.ErrorAs(t, err, &interrupted)
	assert.Equal(t, fiche.InterruptReasonCommisPending, interrupted.Reason)
	assert.Equal(t, []int64{42}, interrupted.JobIDs)

	// The spawning call gets no tool message now; the barrier release
	// answers it later.
	msgs, err := h.store.ListMessages(ctx, h.thread.ID)
	require.NoError(t, err)
	for _, m := range msgs {
		assert.NotEqual(t, models.RoleTool, m.Role)
	}

	// Input is consumed: the continuation must not replay it.
	unprocessed, err := h.store.ListUnprocessedMessages(ctx, h.thread.ID)
	require.NoError(t, err)
	assert.Empty(t, unprocessed)
}

func TestRunCancelledCourse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.postUserMessage(t, "never mind")

	require.NoError(t, h.store.SetCourseStatus(ctx, nil, h.course.ID, models.CourseStatusFailed, "cancelled by user"))

	fake := llm.NewFake(llm.FakeTurn{Response: llm.Response{Content: "unreachable"}})
	runner := newRunner(t, h, fake)

	_, err := runner.Run(ctx, h.fiche, h.thread, h.ec, h.em)
	require.ErrorIs(t, err, fiche.ErrCanceled)
	assert.Zero(t, fake.Calls())
}

func TestRunLLMFailureLeavesInputUnconsumed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.postUserMessage(t, "hello?")

	fake := llm.NewFake(llm.FakeTurn{Err: errors.New("provider down")})
	runner := newRunner(t, h, fake)

	_, err := runner.Run(ctx, h.fiche, h.thread, h.ec, h.em)
	require.Error(t, err)

	// A retry must see the message again.
	unprocessed, err := h.store.ListUnprocessedMessages(ctx, h.thread.ID)
	require.NoError(t, err)
	assert.Len(t, unprocessed, 1)
}

func TestRunIterationCap(t *testing.T) {
	h := newHarness(t, "echo")
	ctx := context.Background()
	h.postUserMessage(t, "loop forever")

	loop := llm.FakeTurn{Response: llm.Response{
		ToolCalls: []models.ToolCall{toolCall("toolu_01", "echo", `{"text":"again"}`)},
	}}
	fake := llm.NewFake(loop, loop, loop, loop)

	registry, err := tools.NewRegistry(echoTool())
	require.NoError(t, err)
	runner := fiche.NewRunner(h.store, registry, fake,
		fiche.WithHeartbeatInterval(0), fiche.WithMaxIterations(2))

	_, err = runner.Run(ctx, h.fiche, h.thread, h.ec, h.em)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no terminal response")
	assert.Equal(t, 2, fake.Calls())
}

func TestRunStreamsTokensWhenEnabled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.postUserMessage(t, "stream it")

	fake := llm.NewFake(llm.FakeTurn{Response: llm.Response{Content: "streamed answer"}})
	registry, err := tools.NewRegistry()
	require.NoError(t, err)
	runner := fiche.NewRunner(h.store, registry, fake,
		fiche.WithHeartbeatInterval(0), fiche.WithTokenStreaming(true))

	_, err = runner.Run(ctx, h.fiche, h.thread, h.ec, h.em)
	require.NoError(t, err)

	evs, err := h.store.ListCourseEventsAfter(ctx, h.course.ID, 0)
	require.NoError(t, err)
	var tokens []string
	for _, ev := range evs {
		if ev.EventType == "concierge_token" {
			tokens = append(tokens, ev.Payload["token"].(string))
		}
	}
	require.NotEmpty(t, tokens)
	assert.Equal(t, "streamed answer", tokens[0])
}

func TestSplitHistoryWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Fill with processed history beyond the window plus one fresh input.
	for i := 0; i < 6; i++ {
		_, err := h.store.AppendMessage(ctx, nil, &models.ThreadMessage{
			ThreadID:  h.thread.ID,
			Role:      models.RoleUserMsg,
			Content:   "old",
			Processed: true,
		})
		require.NoError(t, err)
	}
	h.postUserMessage(t, "fresh")

	fake := llm.NewFake(llm.FakeTurn{Response: llm.Response{Content: "done"}})
	registry, err := tools.NewRegistry()
	require.NoError(t, err)
	runner := fiche.NewRunner(h.store, registry, fake,
		fiche.WithHeartbeatInterval(0), fiche.WithHistoryWindow(4))

	_, err = runner.Run(ctx, h.fiche, h.thread, h.ec, h.em)
	require.NoError(t, err)

	// 4 windowed history messages plus the fresh input.
	require.Len(t, fake.Requests, 1)
	assert.Len(t, fake.Requests[0].Messages, 5)
}
