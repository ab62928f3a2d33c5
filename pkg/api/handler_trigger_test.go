package api_test

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brigadehq/brigade/pkg/bus"
	"github.com/brigadehq/brigade/pkg/models"
	"github.com/brigadehq/brigade/pkg/services"
)

// createTrigger registers a webhook trigger on a fiche and returns the
// one-time plaintext secret alongside the row.
func createTrigger(t *testing.T, s *testServer, token string, ficheID int64) *services.CreatedTrigger {
	t.Helper()
	resp, raw := s.request(t, http.MethodPost, fmt.Sprintf("/api/v1/fiches/%d/triggers", ficheID), token, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, "body: %s", raw)
	var created services.CreatedTrigger
	mustJSON(t, raw, &created)
	require.NotEmpty(t, created.Secret)
	return &created
}

func TestTriggerLifecycle(t *testing.T) {
	s := newTestServer(t)
	token := s.token(t, "diner@example.com")
	f := createFiche(t, s, token, "rotisseur")

	created := createTrigger(t, s, token, f.ID)
	assert.Equal(t, f.ID, created.Trigger.FicheID)

	// The secret never appears in listings.
	resp, raw := s.request(t, http.MethodGet, "/api/v1/triggers", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []*models.Trigger
	mustJSON(t, raw, &list)
	require.Len(t, list, 1)
	assert.NotContains(t, string(raw), created.Secret)

	// Only the fiche owner can attach triggers.
	other := s.token(t, "stranger@example.com")
	resp, _ = s.request(t, http.MethodPost, fmt.Sprintf("/api/v1/fiches/%d/triggers", f.ID), other, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = s.request(t, http.MethodDelete, fmt.Sprintf("/api/v1/triggers/%d", created.Trigger.ID), token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = s.request(t, http.MethodDelete, fmt.Sprintf("/api/v1/triggers/%d", created.Trigger.ID), token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebhookFiresCourse(t *testing.T) {
	s := newTestServer(t)
	token := s.token(t, "diner@example.com")
	f := createFiche(t, s, token, "expediter")
	created := createTrigger(t, s, token, f.ID)

	fired := make(chan bus.Event, 1)
	s.bus.Subscribe(func(_ context.Context, ev bus.Event) {
		select {
		case fired <- ev:
		default:
		}
	}, bus.EventTriggerFired)

	path := fmt.Sprintf("/api/v1/triggers/%d/events", created.Trigger.ID)
	resp, raw := s.request(t, http.MethodPost, path, created.Secret, `{"table": 7, "order": "tasting menu"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, "body: %s", raw)

	var body map[string]any
	mustJSON(t, raw, &body)
	assert.Equal(t, "queued", body["status"])

	course, err := s.store.GetCourse(context.Background(), int64(body["course_id"].(float64)))
	require.NoError(t, err)
	assert.Equal(t, models.TriggerWebhook, course.Trigger)

	// The payload lands in the thread for the next run.
	msgs, err := s.store.ListMessages(context.Background(), course.ThreadID)
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	assert.Contains(t, msgs[0].Content, "tasting menu")

	// Bus observers get the delivery body on the event itself.
	select {
	case ev := <-fired:
		assert.EqualValues(t, created.Trigger.ID, ev.Payload["trigger_id"])
		assert.EqualValues(t, f.ID, ev.Payload["fiche_id"])
		delivered, ok := ev.Payload["payload"].(map[string]any)
		require.True(t, ok, "event payload: %+v", ev.Payload)
		assert.Equal(t, "tasting menu", delivered["order"])
	case <-time.After(time.Second):
		t.Fatal("trigger event not published")
	}
}

func TestWebhookAuthAndValidation(t *testing.T) {
	s := newTestServer(t)
	token := s.token(t, "diner@example.com")
	f := createFiche(t, s, token, "aboyeur")
	created := createTrigger(t, s, token, f.ID)
	path := fmt.Sprintf("/api/v1/triggers/%d/events", created.Trigger.ID)

	// Missing token, wrong token, and an unknown trigger all look the same.
	resp, _ := s.request(t, http.MethodPost, path, "", `{}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = s.request(t, http.MethodPost, path, "wrong-secret", `{}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = s.request(t, http.MethodPost, "/api/v1/triggers/99999/events", created.Secret, `{}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = s.request(t, http.MethodPost, path, created.Secret, "not json at all")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	oversized := `{"pad": "` + strings.Repeat("x", 256*1024) + `"}`
	resp, _ = s.request(t, http.MethodPost, path, created.Secret, oversized)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}
