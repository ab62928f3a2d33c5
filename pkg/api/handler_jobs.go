package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/brigadehq/brigade/pkg/config"
	"github.com/brigadehq/brigade/pkg/store"
)

// jobStatsWindow is the recent window reported by the jobs list.
const jobStatsWindow = 24 * time.Hour

// JobStatus is one registered job plus its queue statistics.
type JobStatus struct {
	ID          string               `json:"id"`
	Cron        string               `json:"cron,omitempty"`
	Enabled     bool                 `json:"enabled"`
	Description string               `json:"description,omitempty"`
	MaxAttempts int                  `json:"max_attempts"`
	Timeout     string               `json:"timeout"`
	Manifest    bool                 `json:"manifest"`
	Stats       *store.QueueJobStats `json:"stats,omitempty"`
}

// listJobsHandler handles GET /api/v1/jobs.
func (s *Server) listJobsHandler(c *echo.Context) error {
	stats, err := s.store.QueueStats(c.Request().Context(), jobStatsWindow)
	if err != nil {
		return mapServiceError(err)
	}
	configs := s.registry.List()
	out := make([]*JobStatus, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, &JobStatus{
			ID:          cfg.ID,
			Cron:        cfg.Cron,
			Enabled:     cfg.Enabled,
			Description: cfg.Description,
			MaxAttempts: cfg.MaxAttempts,
			Timeout:     cfg.Timeout().String(),
			Manifest:    cfg.FromManifest,
			Stats:       stats[cfg.ID],
		})
	}
	return c.JSON(http.StatusOK, out)
}

// triggerJobHandler handles POST /api/v1/jobs/:job_id/trigger.
func (s *Server) triggerJobHandler(c *echo.Context) error {
	jobID := c.Param("job_id")
	entry, err := s.scheduler.TriggerNow(c.Request().Context(), jobID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]any{
		"entry_id": entry.ID,
		"job_id":   jobID,
	})
}

// enableJobHandler handles POST /api/v1/jobs/:job_id/enable.
func (s *Server) enableJobHandler(c *echo.Context) error {
	return s.setJobEnabled(c, true)
}

// disableJobHandler handles POST /api/v1/jobs/:job_id/disable.
func (s *Server) disableJobHandler(c *echo.Context) error {
	return s.setJobEnabled(c, false)
}

func (s *Server) setJobEnabled(c *echo.Context, enabled bool) error {
	jobID := c.Param("job_id")
	if err := s.registry.SetEnabled(jobID, enabled); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "job not registered")
	}
	return c.JSON(http.StatusOK, map[string]any{"job_id": jobID, "enabled": enabled})
}

// syncJobsHandler handles POST /api/v1/jobs/sync: reload the jobs manifest
// from disk and reconcile the registry against it.
func (s *Server) syncJobsHandler(c *echo.Context) error {
	if s.manifestHandler == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "manifest jobs are not configured")
	}
	m, err := config.LoadManifest(s.cfg.JobsManifestPath)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	result := s.registry.Sync(m, s.manifestHandler)
	return c.JSON(http.StatusOK, result)
}
