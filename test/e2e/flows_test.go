package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brigadehq/brigade/pkg/concierge"
	"github.com/brigadehq/brigade/pkg/llm"
	"github.com/brigadehq/brigade/pkg/models"
	"github.com/brigadehq/brigade/pkg/services"
)

func doJSON(t *testing.T, method, url, token string, body any, out any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil {
		require.NoError(t, json.Unmarshal(raw, out), "body: %s", raw)
	}
	return resp
}

func spawnCall(id, task string) models.ToolCall {
	return models.ToolCall{
		ID:   id,
		Name: "spawn_commis",
		Args: json.RawMessage(fmt.Sprintf(`{"task": %q}`, task)),
	}
}

// TestSpawnFanOutAndContinuation drives the full delegation arc over the
// API: a chat turn spawns two commis, the queue pool runs them, the barrier
// fires a continuation, and the continuation turn settles the chain.
func TestSpawnFanOutAndContinuation(t *testing.T) {
	app := NewApp(t, WithTurns(
		llm.FakeTurn{Response: llm.Response{
			Content: "Delegating the legwork to two commis.",
			ToolCalls: []models.ToolCall{
				spawnCall("toolu_01", "research dinner venues"),
				spawnCall("toolu_02", "check availability for tonight"),
			},
		}},
		llm.FakeTurn{Response: llm.Response{Content: "Researched: Chez Panisse fits the brief."}},
		llm.FakeTurn{Response: llm.Response{Content: "Availability confirmed for 19:00."}},
		llm.FakeTurn{Response: llm.Response{Content: "Venue found and a table is available tonight."}},
	))
	ctx := context.Background()
	token := app.Token(t, "diner@example.com")

	var chat concierge.Result
	resp := doJSON(t, http.MethodPost, app.BaseURL+"/api/v1/concierge/chat", token, map[string]any{
		"task":               "Plan dinner for tonight.",
		"return_on_deferred": true,
	}, &chat)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, models.CourseStatusDeferred, chat.Status)

	// The pool runs both commis and then the continuation.
	var chain []*models.Course
	require.Eventually(t, func() bool {
		var err error
		chain, err = app.Store.ContinuationChain(ctx, chat.CourseID)
		if err != nil || len(chain) < 2 {
			return false
		}
		return chain[len(chain)-1].Status == models.CourseStatusSuccess
	}, 10*time.Second, 25*time.Millisecond, "continuation never settled")

	tail := chain[len(chain)-1]
	assert.Equal(t, "Venue found and a table is available tonight.", tail.Summary)

	// Each spawn call got exactly one tool result on the thread.
	for _, callID := range []string{"toolu_01", "toolu_02"} {
		n, err := app.Store.CountToolMessages(ctx, chat.ThreadID, callID)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "tool call %s", callID)
	}

	// Both commis jobs finished and the barrier is gone.
	jobs, err := app.Store.ListCommisJobsForCourse(ctx, nil, chat.CourseID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	for _, job := range jobs {
		assert.Equal(t, models.CommisStatusSuccess, job.Status)
	}

	// The course detail over the API reflects the settled chain.
	var detail services.CourseDetail
	resp = doJSON(t, http.MethodGet, fmt.Sprintf("%s/api/v1/courses/%d", app.BaseURL, chat.CourseID), token, nil, &detail)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, detail.Chain, 2)
	assert.Len(t, detail.Commis, 2)

	// The event stream replays the whole story and closes.
	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/api/v1/courses/%d/events", app.BaseURL, chat.CourseID), nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	streamResp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	require.NoError(t, err)
	defer streamResp.Body.Close()
	raw, err := io.ReadAll(streamResp.Body)
	require.NoError(t, err)
	stream := string(raw)
	for _, event := range []string{"commis_spawned", "commis_started", "commis_complete", "supervisor_complete"} {
		assert.Contains(t, stream, "event: "+event)
	}
}

// TestWebhookDrivesCourse fires a webhook and lets the pool run the course.
func TestWebhookDrivesCourse(t *testing.T) {
	app := NewApp(t, WithTurns(
		llm.FakeTurn{Response: llm.Response{Content: "Pantry checked; everything is stocked."}},
	))
	ctx := context.Background()
	token := app.Token(t, "diner@example.com")

	var f models.Fiche
	resp := doJSON(t, http.MethodPost, app.BaseURL+"/api/v1/fiches", token, map[string]any{
		"name":                "pantry-watch",
		"system_instructions": "Watch the pantry.",
		"task_instructions":   "Check stock levels when an event arrives.",
	}, &f)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created services.CreatedTrigger
	resp = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/v1/fiches/%d/triggers", app.BaseURL, f.ID), token, nil, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var fired map[string]any
	resp = doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/api/v1/triggers/%d/events", app.BaseURL, created.Trigger.ID),
		created.Secret, map[string]any{"shelf": "dry goods"}, &fired)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	courseID := int64(fired["course_id"].(float64))

	require.Eventually(t, func() bool {
		course, err := app.Store.GetCourse(ctx, courseID)
		return err == nil && course.Status == models.CourseStatusSuccess
	}, 10*time.Second, 25*time.Millisecond, "webhook course never finished")

	course, err := app.Store.GetCourse(ctx, courseID)
	require.NoError(t, err)
	assert.Equal(t, "Pantry checked; everything is stocked.", course.Summary)
	assert.Equal(t, models.TriggerWebhook, course.Trigger)
}

// TestCancelDeferredCourse cancels a parked course before its commis runs
// and verifies the cascade. The pool stays off so the job is still queued.
func TestCancelDeferredCourse(t *testing.T) {
	app := NewApp(t, WithoutPool(), WithTurns(
		llm.FakeTurn{Response: llm.Response{
			Content:   "Sending a commis off to research.",
			ToolCalls: []models.ToolCall{spawnCall("toolu_01", "research venues")},
		}},
	))
	ctx := context.Background()
	token := app.Token(t, "diner@example.com")

	var chat concierge.Result
	resp := doJSON(t, http.MethodPost, app.BaseURL+"/api/v1/concierge/chat", token, map[string]any{
		"task":               "Plan dinner.",
		"return_on_deferred": true,
	}, &chat)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, models.CourseStatusDeferred, chat.Status)

	resp = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/v1/courses/%d/cancel", app.BaseURL, chat.CourseID), token, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	course, err := app.Store.GetCourse(ctx, chat.CourseID)
	require.NoError(t, err)
	assert.Equal(t, models.CourseStatusFailed, course.Status)

	jobs, err := app.Store.ListCommisJobsForCourse(ctx, nil, chat.CourseID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.CommisStatusCancelled, jobs[0].Status)

	_, err = app.Store.GetBarrier(ctx, chat.CourseID)
	require.Error(t, err)
}
