package api_test

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brigadehq/brigade/pkg/models"
)

// createFiche creates a fiche through the API and returns it.
func createFiche(t *testing.T, s *testServer, token, name string) *models.Fiche {
	t.Helper()
	resp, raw := s.request(t, http.MethodPost, "/api/v1/fiches", token, map[string]any{
		"name":                name,
		"system_instructions": "You run the " + name + " station.",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "body: %s", raw)
	var f models.Fiche
	mustJSON(t, raw, &f)
	return &f
}

func TestFicheCRUD(t *testing.T) {
	s := newTestServer(t)
	token := s.token(t, "diner@example.com")

	f := createFiche(t, s, token, "saucier")
	assert.Equal(t, "saucier", f.Name)
	assert.Equal(t, "claude-sonnet-4-5", f.Model)
	assert.False(t, f.IsConcierge)

	// Validation failures come back as 400.
	resp, _ := s.request(t, http.MethodPost, "/api/v1/fiches", token, map[string]any{
		"system_instructions": "nameless",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = s.request(t, http.MethodPost, "/api/v1/fiches", token, map[string]any{
		"name":                "cron-typo",
		"system_instructions": "x",
		"schedule":            "not a cron",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// A duplicate name is a conflict.
	resp, _ = s.request(t, http.MethodPost, "/api/v1/fiches", token, map[string]any{
		"name":                "saucier",
		"system_instructions": "again",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, raw := s.request(t, http.MethodGet, fmt.Sprintf("/api/v1/fiches/%d", f.ID), token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got models.Fiche
	mustJSON(t, raw, &got)
	assert.Equal(t, f.ID, got.ID)

	resp, _ = s.request(t, http.MethodGet, "/api/v1/fiches/99999", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = s.request(t, http.MethodGet, "/api/v1/fiches/abc", token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, raw = s.request(t, http.MethodPatch, fmt.Sprintf("/api/v1/fiches/%d", f.ID), token, map[string]any{
		"task_instructions": "Reduce the stock by half.",
		"schedule":          "0 6 * * *",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", raw)
	mustJSON(t, raw, &got)
	assert.Equal(t, "Reduce the stock by half.", got.TaskInstructions)
	require.NotNil(t, got.Schedule)
	assert.Equal(t, "0 6 * * *", *got.Schedule)

	resp, raw = s.request(t, http.MethodGet, "/api/v1/fiches", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []*models.Fiche
	mustJSON(t, raw, &list)
	assert.Len(t, list, 1)

	resp, _ = s.request(t, http.MethodDelete, fmt.Sprintf("/api/v1/fiches/%d", f.ID), token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = s.request(t, http.MethodGet, fmt.Sprintf("/api/v1/fiches/%d", f.ID), token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFicheOwnership(t *testing.T) {
	s := newTestServer(t)
	alice := s.token(t, "alice@example.com")
	bob := s.token(t, "bob@example.com")
	admin := s.token(t, "admin@example.com")

	f := createFiche(t, s, alice, "patissier")

	// Another user cannot see or touch it; an admin can.
	resp, _ := s.request(t, http.MethodGet, fmt.Sprintf("/api/v1/fiches/%d", f.ID), bob, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = s.request(t, http.MethodDelete, fmt.Sprintf("/api/v1/fiches/%d", f.ID), bob, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = s.request(t, http.MethodGet, fmt.Sprintf("/api/v1/fiches/%d", f.ID), admin, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Listing is owner-scoped; admins see everything.
	resp, raw := s.request(t, http.MethodGet, "/api/v1/fiches", bob, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []*models.Fiche
	mustJSON(t, raw, &list)
	assert.Empty(t, list)

	resp, raw = s.request(t, http.MethodGet, "/api/v1/fiches", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	mustJSON(t, raw, &list)
	assert.Len(t, list, 1)
}

func TestThreadEndpoints(t *testing.T) {
	s := newTestServer(t)
	token := s.token(t, "diner@example.com")
	f := createFiche(t, s, token, "garde-manger")

	resp, raw := s.request(t, http.MethodPost, "/api/v1/threads", token, map[string]any{
		"fiche_id": f.ID,
		"title":    "cold starters",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "body: %s", raw)
	var thread models.Thread
	mustJSON(t, raw, &thread)
	assert.Equal(t, models.ThreadTypeManual, thread.Type)
	assert.Equal(t, "cold starters", thread.Title)

	resp, _ = s.request(t, http.MethodPost, "/api/v1/threads", token, map[string]any{
		"fiche_id": int64(99999),
		"title":    "orphan",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, raw = s.request(t, http.MethodPost, fmt.Sprintf("/api/v1/threads/%d/messages", thread.ID), token, map[string]any{
		"content": "Plate the terrine.",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "body: %s", raw)

	resp, _ = s.request(t, http.MethodPost, fmt.Sprintf("/api/v1/threads/%d/messages", thread.ID), token, map[string]any{
		"content": "",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, raw = s.request(t, http.MethodGet, fmt.Sprintf("/api/v1/threads/%d/messages", thread.ID), token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var msgs []*models.ThreadMessage
	mustJSON(t, raw, &msgs)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Plate the terrine.", msgs[0].Content)

	resp, raw = s.request(t, http.MethodGet, "/api/v1/threads", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var threads []*models.Thread
	mustJSON(t, raw, &threads)
	assert.Len(t, threads, 1)

	resp, _ = s.request(t, http.MethodDelete, fmt.Sprintf("/api/v1/threads/%d", thread.ID), token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = s.request(t, http.MethodGet, fmt.Sprintf("/api/v1/threads/%d", thread.ID), token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
