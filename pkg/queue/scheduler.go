package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/brigadehq/brigade/pkg/models"
	"github.com/brigadehq/brigade/pkg/store"
)

// cronParser accepts standard five-field expressions plus descriptors
// like @hourly.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

const schedulerTick = 30 * time.Second

// Scheduler turns cron expressions into queue entries. Each tick enqueues
// the occurrences that came due since the previous tick; the dedupe key
// makes repeated enqueues of the same occurrence harmless.
type Scheduler struct {
	store          *store.Store
	registry       *Registry
	backfillWindow time.Duration
	tick           time.Duration

	mu        sync.Mutex
	lastCheck map[string]time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler over the store and registry.
func NewScheduler(s *store.Store, registry *Registry, backfillWindow time.Duration) *Scheduler {
	return &Scheduler{
		store:          s,
		registry:       registry,
		backfillWindow: backfillWindow,
		tick:           schedulerTick,
		lastCheck:      make(map[string]time.Time),
		stopCh:         make(chan struct{}),
	}
}

// Start backfills missed runs, then begins ticking.
func (s *Scheduler) Start(ctx context.Context) {
	if err := s.Backfill(ctx); err != nil {
		slog.Error("Schedule backfill failed", "error", err)
	}
	s.wg.Add(1)
	go s.run(ctx)
	slog.Info("Scheduler started", "tick", s.tick)
}

// Stop halts the tick loop. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tickOnce(ctx, s.store.Now())
		}
	}
}

// tickOnce enqueues every occurrence that became due since the last check.
func (s *Scheduler) tickOnce(ctx context.Context, now time.Time) {
	for _, cfg := range s.registry.List() {
		if cfg.Cron == "" || !cfg.Enabled {
			continue
		}
		sched, err := cronParser.Parse(cfg.Cron)
		if err != nil {
			slog.Error("Invalid cron expression", "job_id", cfg.ID, "cron", cfg.Cron, "error", err)
			continue
		}
		s.mu.Lock()
		last, ok := s.lastCheck[cfg.ID]
		s.mu.Unlock()
		if !ok {
			last = now.Add(-s.tick)
		}
		for next := sched.Next(last); !next.After(now); next = sched.Next(next) {
			if err := s.enqueueOccurrence(ctx, cfg, next); err != nil {
				slog.Error("Failed to enqueue scheduled job", "job_id", cfg.ID, "error", err)
			}
		}
		s.mu.Lock()
		s.lastCheck[cfg.ID] = now
		s.mu.Unlock()
	}
}

// Backfill enqueues, per enabled cron job, the single most recent
// occurrence missed inside the backfill window. Older misses are
// deliberately skipped; running a day of missed hourly reports serves
// nobody.
func (s *Scheduler) Backfill(ctx context.Context) error {
	now := s.store.Now()
	for _, cfg := range s.registry.List() {
		if cfg.Cron == "" || !cfg.Enabled {
			continue
		}
		sched, err := cronParser.Parse(cfg.Cron)
		if err != nil {
			slog.Error("Invalid cron expression", "job_id", cfg.ID, "cron", cfg.Cron, "error", err)
			continue
		}
		start := now.Add(-s.backfillWindow)
		if last, err := s.store.LatestScheduledFor(ctx, cfg.ID); err == nil && last.After(start) {
			start = last.Add(time.Second)
		}

		var missed time.Time
		for next := sched.Next(start); !next.After(now); next = sched.Next(next) {
			missed = next
		}
		if missed.IsZero() {
			continue
		}
		_, inserted, err := s.store.EnqueueJob(ctx, nil, cfg.ID, DedupeKey(cfg.ID, missed),
			missed, cfg.MaxAttempts, nil)
		if err != nil {
			return fmt.Errorf("backfilling job %s: %w", cfg.ID, err)
		}
		if inserted {
			slog.Info("Backfilled missed run", "job_id", cfg.ID, "scheduled_for", missed)
		}
	}
	return nil
}

func (s *Scheduler) enqueueOccurrence(ctx context.Context, cfg *JobConfig, fireAt time.Time) error {
	_, inserted, err := s.store.EnqueueJob(ctx, nil, cfg.ID, DedupeKey(cfg.ID, fireAt),
		fireAt, cfg.MaxAttempts, nil)
	if err != nil {
		return err
	}
	if inserted {
		slog.Debug("Scheduled occurrence enqueued", "job_id", cfg.ID, "scheduled_for", fireAt)
	}
	return nil
}

// TriggerNow enqueues an immediate one-off run of a registered job,
// bypassing its cron schedule. Used by the jobs admin API.
func (s *Scheduler) TriggerNow(ctx context.Context, jobID string) (*models.QueueEntry, error) {
	cfg, ok := s.registry.Get(jobID)
	if !ok {
		return nil, fmt.Errorf("job %q not registered", jobID)
	}
	now := s.store.Now()
	entry, _, err := s.store.EnqueueJob(ctx, nil, jobID, DedupeKey(jobID, now), now, cfg.MaxAttempts, nil)
	return entry, err
}
