package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brigadehq/brigade/pkg/models"
	"github.com/brigadehq/brigade/pkg/store"
)

// SecretSource resolves a named secret for job execution.
type SecretSource func(name string) (string, bool)

// Observer receives queue lifecycle notifications, for metrics. All
// methods must be non-blocking.
type Observer interface {
	JobClaimed(jobID string)
	JobFinished(jobID string, status models.QueueStatus, duration time.Duration)
}

// WorkerStatus is the current state of one worker.
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// WorkerHealth is a point-in-time snapshot of one worker.
type WorkerHealth struct {
	ID           string       `json:"id"`
	Status       WorkerStatus `json:"status"`
	CurrentEntry int64        `json:"current_entry,omitempty"`
	Processed    int          `json:"processed"`
	LastActivity time.Time    `json:"last_activity"`
}

const sweepInterval = time.Minute

// Pool runs a fixed set of workers plus the periodic zombie sweep.
type Pool struct {
	store        *store.Store
	registry     *Registry
	secrets      SecretSource
	observer     Observer
	pollInterval time.Duration
	defaultLease time.Duration
	workers      []*worker

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) PoolOption {
	return func(p *Pool) { p.observer = o }
}

// WithPollInterval overrides the idle poll interval.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithDefaultLease sets the lease used for entries whose job is unknown.
func WithDefaultLease(d time.Duration) PoolOption {
	return func(p *Pool) { p.defaultLease = d }
}

// NewPool creates a pool of n workers over the store and registry. secrets
// may be nil when no job declares required secrets.
func NewPool(s *store.Store, registry *Registry, n int, secrets SecretSource, opts ...PoolOption) *Pool {
	p := &Pool{
		store:        s,
		registry:     registry,
		secrets:      secrets,
		pollInterval: 5 * time.Second,
		defaultLease: 15 * time.Minute,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		p.workers = append(p.workers, &worker{
			id:   fmt.Sprintf("worker-%s", uuid.NewString()[:8]),
			pool: p,
		})
	}
	return p
}

// Start launches the workers and the zombie sweep.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		p.wg.Add(1)
		go w.run(ctx)
	}
	p.wg.Add(1)
	go p.runSweep(ctx)
	slog.Info("Queue pool started", "workers", len(p.workers))
}

// Stop signals every worker to stop and waits for in-flight work. Safe to
// call more than once.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// Health returns a snapshot of every worker.
func (p *Pool) Health() []WorkerHealth {
	out := make([]WorkerHealth, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w.health())
	}
	return out
}

func (p *Pool) runSweep(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			reset, dead, err := p.store.SweepZombieEntries(ctx)
			if err != nil {
				slog.Error("Zombie sweep failed", "error", err)
				continue
			}
			if reset > 0 || dead > 0 {
				slog.Warn("Zombie sweep reclaimed entries", "reset", reset, "dead", dead)
			}
		}
	}
}

// worker is one claim loop.
type worker struct {
	id   string
	pool *Pool

	mu           sync.Mutex
	status       WorkerStatus
	currentEntry int64
	processed    int
	lastActivity time.Time
}

func (w *worker) health() WorkerHealth {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkerHealth{
		ID:           w.id,
		Status:       w.status,
		CurrentEntry: w.currentEntry,
		Processed:    w.processed,
		LastActivity: w.lastActivity,
	}
}

func (w *worker) setStatus(status WorkerStatus, entryID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentEntry = entryID
	w.lastActivity = time.Now()
}

func (w *worker) run(ctx context.Context) {
	defer w.pool.wg.Done()
	log := slog.With("worker_id", w.id)
	log.Info("Queue worker started")

	for {
		select {
		case <-w.pool.stopCh:
			log.Info("Queue worker shutting down")
			return
		case <-ctx.Done():
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					w.sleep(w.pool.pollInterval)
					continue
				}
				log.Error("Error processing queue entry", "error", err)
				w.sleep(time.Second)
			}
		}
	}
}

func (w *worker) sleep(d time.Duration) {
	select {
	case <-w.pool.stopCh:
	case <-time.After(d):
	}
}

func (w *worker) pollAndProcess(ctx context.Context) error {
	entry, err := w.pool.store.ClaimQueueEntry(ctx, w.id, func(jobID string) time.Duration {
		return w.pool.registry.LeaseFor(jobID, w.pool.defaultLease)
	})
	if err != nil {
		return err
	}

	log := slog.With("worker_id", w.id, "job_id", entry.JobID, "entry_id", entry.ID, "attempt", entry.Attempts)
	log.Info("Queue entry claimed")
	if w.pool.observer != nil {
		w.pool.observer.JobClaimed(entry.JobID)
	}

	w.setStatus(WorkerStatusWorking, entry.ID)
	defer w.setStatus(WorkerStatusIdle, 0)

	start := time.Now()
	status := w.execute(ctx, entry, log)
	if w.pool.observer != nil {
		w.pool.observer.JobFinished(entry.JobID, status, time.Since(start))
	}

	w.mu.Lock()
	w.processed++
	w.mu.Unlock()
	return nil
}

// execute runs one claimed entry end to end and records its terminal (or
// retry) state. Terminal updates use a background context so a cancelled
// job context cannot strand the entry as a zombie.
func (w *worker) execute(ctx context.Context, entry *models.QueueEntry, log *slog.Logger) models.QueueStatus {
	cfg, ok := w.pool.registry.Get(entry.JobID)
	if !ok {
		log.Error("No handler registered for job, dropping entry")
		if err := w.pool.store.DropQueueEntry(context.Background(), entry.ID, "no handler registered"); err != nil {
			log.Error("Failed to drop queue entry", "error", err)
		}
		return models.QueueDead
	}
	if !cfg.Enabled {
		// Disabled between enqueue and claim; succeed as a no-op so the
		// entry does not churn through retries.
		log.Info("Job disabled, skipping entry")
		if err := w.pool.store.CompleteQueueEntry(context.Background(), entry.ID, w.id); err != nil {
			log.Error("Failed to complete skipped entry", "error", err)
		}
		return models.QueueSuccess
	}

	secrets, missing := w.resolveSecrets(cfg)
	if len(missing) > 0 {
		reason := fmt.Sprintf("missing required secrets: %v", missing)
		log.Error("Dropping entry", "reason", reason)
		if err := w.pool.store.DropQueueEntry(context.Background(), entry.ID, reason); err != nil {
			log.Error("Failed to drop queue entry", "error", err)
		}
		return models.QueueDead
	}

	jobCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()

	heartbeatCtx, stopHeartbeat := context.WithCancel(jobCtx)
	defer stopHeartbeat()
	go w.runHeartbeat(heartbeatCtx, entry.ID, cfg.Lease())

	err := cfg.Handler(jobCtx, &Job{Entry: entry, Config: cfg, Secrets: secrets, Logger: log})
	stopHeartbeat()

	if err == nil {
		if cerr := w.pool.store.CompleteQueueEntry(context.Background(), entry.ID, w.id); cerr != nil {
			log.Error("Failed to mark entry success", "error", cerr)
		}
		log.Info("Queue entry complete")
		return models.QueueSuccess
	}

	if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("job timed out after %v: %w", cfg.Timeout(), err)
	}
	retryAt := w.pool.store.Now().Add(Backoff(entry.Attempts))
	failed, ferr := w.pool.store.FailQueueEntry(context.Background(), entry.ID, w.id, err.Error(), retryAt)
	if ferr != nil {
		log.Error("Failed to record entry failure", "error", ferr)
		return models.QueueFailure
	}
	if failed.Status == models.QueueDead {
		log.Error("Queue entry dead", "error", err, "attempts", entry.Attempts)
		return models.QueueDead
	}
	log.Warn("Queue entry failed, will retry", "error", err, "retry_at", retryAt)
	return models.QueuePending
}

func (w *worker) resolveSecrets(cfg *JobConfig) (map[string]string, []string) {
	if len(cfg.RequiredSecrets) == 0 {
		return nil, nil
	}
	secrets := make(map[string]string, len(cfg.RequiredSecrets))
	var missing []string
	for _, name := range cfg.RequiredSecrets {
		if w.pool.secrets == nil {
			missing = append(missing, name)
			continue
		}
		value, ok := w.pool.secrets(name)
		if !ok {
			missing = append(missing, name)
			continue
		}
		secrets[name] = value
	}
	return secrets, missing
}

// runHeartbeat extends the lease every min(lease/2, 60s) while the job runs.
func (w *worker) runHeartbeat(ctx context.Context, entryID int64, lease time.Duration) {
	interval := lease / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.pool.store.ExtendQueueLease(ctx, entryID, w.id, lease); err != nil {
				slog.Warn("Failed to extend queue lease", "entry_id", entryID, "error", err)
			}
		}
	}
}
