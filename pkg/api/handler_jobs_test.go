package api_test

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brigadehq/brigade/pkg/api"
	"github.com/brigadehq/brigade/pkg/config"
	"github.com/brigadehq/brigade/pkg/queue"
)

func registerNightlyJob(s *testServer) {
	s.jobs.Register(&queue.JobConfig{
		ID:          "nightly-audit",
		Cron:        "0 3 * * *",
		Enabled:     true,
		Description: "Audit yesterday's courses.",
		MaxAttempts: 2,
		Handler:     func(context.Context, *queue.Job) error { return nil },
	})
}

// internalRequest calls a jobs route with the internal API token.
func internalRequest(t *testing.T, s *testServer, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, s.base+path, nil)
	require.NoError(t, err)
	req.Header.Set("X-Internal-Token", token)
	resp, err := s.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func TestJobsAccessControl(t *testing.T) {
	s := newTestServer(t)
	registerNightlyJob(s)

	// A plain user is rejected, an admin and the internal token pass.
	resp, _ := s.request(t, http.MethodGet, "/api/v1/jobs", s.token(t, "diner@example.com"), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = s.request(t, http.MethodGet, "/api/v1/jobs", s.token(t, "admin@example.com"), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = internalRequest(t, s, http.MethodGet, "/api/v1/jobs", "internal-secret", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = internalRequest(t, s, http.MethodGet, "/api/v1/jobs", "wrong-secret", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestJobsListAndToggle(t *testing.T) {
	s := newTestServer(t)
	registerNightlyJob(s)
	admin := s.token(t, "admin@example.com")

	resp, raw := s.request(t, http.MethodGet, "/api/v1/jobs", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var jobs []*api.JobStatus
	mustJSON(t, raw, &jobs)
	require.Len(t, jobs, 1)
	assert.Equal(t, "nightly-audit", jobs[0].ID)
	assert.Equal(t, "0 3 * * *", jobs[0].Cron)
	assert.True(t, jobs[0].Enabled)
	assert.False(t, jobs[0].Manifest)

	resp, raw = s.request(t, http.MethodPost, "/api/v1/jobs/nightly-audit/disable", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", raw)
	cfg, ok := s.jobs.Get("nightly-audit")
	require.True(t, ok)
	assert.False(t, cfg.Enabled)

	resp, _ = s.request(t, http.MethodPost, "/api/v1/jobs/nightly-audit/enable", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cfg, _ = s.jobs.Get("nightly-audit")
	assert.True(t, cfg.Enabled)

	resp, _ = s.request(t, http.MethodPost, "/api/v1/jobs/no-such-job/enable", admin, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobsTriggerNow(t *testing.T) {
	s := newTestServer(t)
	registerNightlyJob(s)
	admin := s.token(t, "admin@example.com")

	resp, raw := s.request(t, http.MethodPost, "/api/v1/jobs/nightly-audit/trigger", admin, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, "body: %s", raw)
	var body map[string]any
	mustJSON(t, raw, &body)
	assert.Equal(t, "nightly-audit", body["job_id"])
	assert.NotZero(t, body["entry_id"])

	entry, err := s.store.ClaimQueueEntry(context.Background(), "w1", func(string) time.Duration { return time.Minute })
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "nightly-audit", entry.JobID)
}

func TestJobsSyncDisabledWithoutManifest(t *testing.T) {
	s := newTestServer(t)
	resp, _ := s.request(t, http.MethodPost, "/api/v1/jobs/sync", s.token(t, "admin@example.com"), nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestJobsSyncReloadsManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
jobs:
  - id: daily-digest
    cron: "0 9 * * *"
    task: "Summarize yesterday's service."
`), 0o600))

	s := newTestServer(t,
		withConfig(func(cfg *config.Config) { cfg.JobsManifestPath = path }),
		withManifestHandler(func(config.ManifestJob) queue.Handler {
			return func(context.Context, *queue.Job) error { return nil }
		}),
	)
	admin := s.token(t, "admin@example.com")

	resp, raw := s.request(t, http.MethodPost, "/api/v1/jobs/sync", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", raw)
	var result queue.SyncResult
	mustJSON(t, raw, &result)
	assert.Equal(t, []string{"daily-digest"}, result.Added)

	cfg, ok := s.jobs.Get("daily-digest")
	require.True(t, ok)
	assert.True(t, cfg.FromManifest)

	// A broken manifest on disk is reported, not applied.
	require.NoError(t, os.WriteFile(path, []byte("jobs: ["), 0o600))
	resp, _ = s.request(t, http.MethodPost, "/api/v1/jobs/sync", admin, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	_, ok = s.jobs.Get("daily-digest")
	assert.True(t, ok)
}
