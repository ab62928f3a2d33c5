package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brigadehq/brigade/pkg/models"
	"github.com/brigadehq/brigade/pkg/queue"
	"github.com/brigadehq/brigade/test/util"
)

func TestTriggerNow(t *testing.T) {
	s := util.NewTestStore(t)
	ctx := context.Background()

	registry := queue.NewRegistry()
	registry.Register(&queue.JobConfig{ID: "report", Enabled: true, MaxAttempts: 2})
	sched := queue.NewScheduler(s, registry, time.Hour)

	entry, err := sched.TriggerNow(ctx, "report")
	require.NoError(t, err)
	assert.Equal(t, "report", entry.JobID)
	assert.Equal(t, models.QueuePending, entry.Status)
	assert.Equal(t, 2, entry.MaxAttempts)

	_, err = sched.TriggerNow(ctx, "no-such-job")
	require.Error(t, err)
}

func TestBackfillEnqueuesMostRecentMiss(t *testing.T) {
	s := util.NewTestStore(t)
	ctx := context.Background()

	registry := queue.NewRegistry()
	registry.Register(&queue.JobConfig{ID: "hourly-sweep", Cron: "@hourly", Enabled: true})
	sched := queue.NewScheduler(s, registry, 3*time.Hour)

	require.NoError(t, sched.Backfill(ctx))

	// Exactly the most recent top-of-hour occurrence, not the whole window.
	latest, err := s.LatestScheduledFor(ctx, "hourly-sweep")
	require.NoError(t, err)
	assert.Zero(t, latest.Minute())
	assert.Zero(t, latest.Second())
	assert.LessOrEqual(t, time.Since(latest), time.Hour+time.Minute)

	counts, err := s.CountQueueByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.QueuePending])

	// A second backfill dedupes onto the existing entry.
	require.NoError(t, sched.Backfill(ctx))
	counts, err = s.CountQueueByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.QueuePending])
}

func TestBackfillSkipsDisabledAndOnDemandJobs(t *testing.T) {
	s := util.NewTestStore(t)
	ctx := context.Background()

	registry := queue.NewRegistry()
	registry.Register(&queue.JobConfig{ID: "paused", Cron: "@hourly", Enabled: false})
	registry.Register(&queue.JobConfig{ID: "on-demand", Enabled: true})
	sched := queue.NewScheduler(s, registry, 3*time.Hour)

	require.NoError(t, sched.Backfill(ctx))

	counts, err := s.CountQueueByStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)
}
