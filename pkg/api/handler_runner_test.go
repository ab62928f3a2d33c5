package api_test

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brigadehq/brigade/pkg/models"
	"github.com/brigadehq/brigade/pkg/services"
)

// enrollRunner walks the two-step enrollment: mint a token, spend it.
func enrollRunner(t *testing.T, s *testServer, token, name string) *services.RegisteredRunner {
	t.Helper()
	resp, raw := s.request(t, http.MethodPost, "/api/v1/runners/enroll-token", token, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, "body: %s", raw)
	var enroll services.EnrollToken
	mustJSON(t, raw, &enroll)
	require.NotEmpty(t, enroll.Token)

	resp, raw = s.request(t, http.MethodPost, "/api/v1/runners/register", "", map[string]any{
		"token": enroll.Token,
		"name":  name,
		"labels": map[string]any{
			"os": "darwin",
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "body: %s", raw)
	var registered services.RegisteredRunner
	mustJSON(t, raw, &registered)
	require.NotEmpty(t, registered.Secret)
	return &registered
}

func TestRunnerEnrollment(t *testing.T) {
	s := newTestServer(t)
	token := s.token(t, "diner@example.com")

	registered := enrollRunner(t, s, token, "macbook")
	assert.Equal(t, "macbook", registered.Runner.Name)
	assert.Equal(t, models.RunnerStatusOffline, registered.Runner.Status)

	// Registration is its own auth scheme: no token 401, bad token 404.
	resp, _ := s.request(t, http.MethodPost, "/api/v1/runners/register", "", map[string]any{
		"name": "tokenless",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = s.request(t, http.MethodPost, "/api/v1/runners/register", "", map[string]any{
		"token": "spent-or-bogus",
		"name":  "intruder",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// An enroll token is single use.
	resp, raw := s.request(t, http.MethodPost, "/api/v1/runners/enroll-token", token, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var enroll services.EnrollToken
	mustJSON(t, raw, &enroll)
	for i, want := range []int{http.StatusCreated, http.StatusNotFound} {
		resp, _ = s.request(t, http.MethodPost, "/api/v1/runners/register", "", map[string]any{
			"token": enroll.Token,
			"name":  fmt.Sprintf("laptop-%d", i),
		})
		assert.Equal(t, want, resp.StatusCode)
	}
}

func TestRunnerManagement(t *testing.T) {
	s := newTestServer(t)
	token := s.token(t, "diner@example.com")
	registered := enrollRunner(t, s, token, "macbook")
	id := registered.Runner.ID

	resp, raw := s.request(t, http.MethodGet, "/api/v1/runners", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []*models.Runner
	mustJSON(t, raw, &list)
	require.Len(t, list, 1)
	assert.NotContains(t, string(raw), registered.Secret)

	resp, raw = s.request(t, http.MethodPatch, fmt.Sprintf("/api/v1/runners/%d", id), token, map[string]any{
		"labels":       map[string]any{"os": "linux"},
		"capabilities": []string{"docker"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", raw)
	var runner models.Runner
	mustJSON(t, raw, &runner)
	assert.Equal(t, "linux", runner.Labels["os"])
	assert.Equal(t, models.StringList{"docker"}, runner.Capabilities)

	// Other users cannot see the runner.
	other := s.token(t, "stranger@example.com")
	resp, _ = s.request(t, http.MethodGet, fmt.Sprintf("/api/v1/runners/%d", id), other, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = s.request(t, http.MethodPost, fmt.Sprintf("/api/v1/runners/%d/revoke", id), token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := s.store.GetRunner(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.RunnerStatusRevoked, got.Status)
}

func TestRunnerJobsListing(t *testing.T) {
	s := newTestServer(t)
	token := s.token(t, "diner@example.com")
	registered := enrollRunner(t, s, token, "macbook")
	id := registered.Runner.ID

	_, err := s.store.CreateRunnerJob(context.Background(), &models.RunnerJob{
		ID:       uuid.NewString(),
		RunnerID: id,
		OwnerID:  registered.Runner.OwnerID,
		Command:  "uname -a",
		Status:   models.RunnerJobSuccess,
	})
	require.NoError(t, err)

	resp, raw := s.request(t, http.MethodGet, fmt.Sprintf("/api/v1/runners/%d/jobs", id), token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var jobs []*models.RunnerJob
	mustJSON(t, raw, &jobs)
	require.Len(t, jobs, 1)
	assert.Equal(t, "uname -a", jobs[0].Command)

	resp, _ = s.request(t, http.MethodGet, fmt.Sprintf("/api/v1/runners/%d/jobs?limit=0", id), token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = s.request(t, http.MethodGet, fmt.Sprintf("/api/v1/runners/%d/jobs?limit=201", id), token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
