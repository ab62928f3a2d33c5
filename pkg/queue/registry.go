// Package queue implements the durable job queue: an in-process job
// registry, lease-based workers claiming entries from the job_queue table,
// a cron scheduler with missed-run backfill, and a zombie sweep. The
// database is the only coordination mechanism; no broker is involved.
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/brigadehq/brigade/pkg/config"
	"github.com/brigadehq/brigade/pkg/models"
)

// Handler executes one claimed queue entry. Returning an error counts the
// attempt as failed; the worker handles retry scheduling.
type Handler func(ctx context.Context, job *Job) error

// Job is the execution context handed to a handler.
type Job struct {
	Entry   *models.QueueEntry
	Config  *JobConfig
	Secrets map[string]string
	Logger  *slog.Logger
}

// JobConfig declares one registered job. Cron is empty for on-demand jobs
// that are only ever enqueued explicitly.
type JobConfig struct {
	ID              string
	Cron            string
	Enabled         bool
	TimeoutSeconds  int
	MaxAttempts     int
	RequiredSecrets []string
	Description     string
	Handler         Handler

	// FromManifest marks jobs loaded from the jobs manifest; only these
	// are reconciled by Sync.
	FromManifest bool
}

// Timeout returns the per-attempt execution timeout.
func (c *JobConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Lease returns the claim lease: twice the timeout, clamped to [5m, 6h].
func (c *JobConfig) Lease() time.Duration {
	lease := 2 * c.Timeout()
	if lease < 5*time.Minute {
		lease = 5 * time.Minute
	}
	if lease > 6*time.Hour {
		lease = 6 * time.Hour
	}
	return lease
}

// Registry maps job ids to their configs and handlers.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*JobConfig
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*JobConfig)}
}

// Register adds a job. A duplicate id is logged and skipped; the first
// registration wins.
func (r *Registry) Register(cfg *JobConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.jobs[cfg.ID]; dup {
		slog.Warn("Duplicate job registration skipped", "job_id", cfg.ID)
		return
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	r.jobs[cfg.ID] = cfg
}

// Get returns the config for a job id.
func (r *Registry) Get(id string) (*JobConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.jobs[id]
	return cfg, ok
}

// List returns all configs sorted by id.
func (r *Registry) List() []*JobConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*JobConfig, 0, len(r.jobs))
	for _, cfg := range r.jobs {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetEnabled flips a job's enabled flag.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("job %q not registered", id)
	}
	cfg.Enabled = enabled
	return nil
}

// LeaseFor returns the lease duration for a job id, falling back to the
// default when the job is unknown.
func (r *Registry) LeaseFor(id string, fallback time.Duration) time.Duration {
	if cfg, ok := r.Get(id); ok {
		return cfg.Lease()
	}
	return fallback
}

// SyncResult reports what a manifest reconciliation changed.
type SyncResult struct {
	Added       []string `json:"added"`
	Removed     []string `json:"removed"`
	Rescheduled []string `json:"rescheduled"`
}

// Sync reconciles manifest-sourced jobs against a freshly loaded manifest.
// Builtin (code-registered) jobs are untouched. makeHandler builds the
// handler for a manifest job.
func (r *Registry) Sync(m *config.Manifest, makeHandler func(config.ManifestJob) Handler) *SyncResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := &SyncResult{}
	seen := make(map[string]bool, len(m.Jobs))
	for _, mj := range m.Jobs {
		seen[mj.ID] = true
		existing, ok := r.jobs[mj.ID]
		if ok && !existing.FromManifest {
			slog.Warn("Manifest job shadows builtin job, skipped", "job_id", mj.ID)
			continue
		}
		next := &JobConfig{
			ID:              mj.ID,
			Cron:            mj.Cron,
			Enabled:         mj.IsEnabled(),
			TimeoutSeconds:  mj.TimeoutSeconds,
			MaxAttempts:     mj.MaxAttempts,
			RequiredSecrets: mj.Secrets,
			Description:     mj.Description,
			Handler:         makeHandler(mj),
			FromManifest:    true,
		}
		switch {
		case !ok:
			result.Added = append(result.Added, mj.ID)
		case existing.Cron != mj.Cron:
			result.Rescheduled = append(result.Rescheduled, mj.ID)
		}
		r.jobs[mj.ID] = next
	}
	for id, cfg := range r.jobs {
		if cfg.FromManifest && !seen[id] {
			delete(r.jobs, id)
			result.Removed = append(result.Removed, id)
		}
	}
	sort.Strings(result.Added)
	sort.Strings(result.Removed)
	sort.Strings(result.Rescheduled)
	return result
}

// DedupeKey derives the scheduled-occurrence dedupe key: the SHA-256 hex of
// the job id and the fire time truncated to the minute.
func DedupeKey(jobID string, scheduledFor time.Time) string {
	stamp := scheduledFor.UTC().Truncate(time.Minute).Format(time.RFC3339)
	sum := sha256.Sum256([]byte(jobID + "|" + stamp))
	return hex.EncodeToString(sum[:])
}

// Backoff returns the retry delay after the given attempt number (1-based):
// 60s doubling per attempt, capped at one hour.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 7 {
		return time.Hour
	}
	secs := 60 * (1 << (attempt - 1))
	if secs > 3600 {
		secs = 3600
	}
	return time.Duration(secs) * time.Second
}
