package concierge_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brigadehq/brigade/pkg/models"
	"github.com/brigadehq/brigade/pkg/store"
)

// deferredCourse seeds a deferred course with two commis jobs held by one
// barrier, mirroring the state DeferCourse leaves behind.
func deferredCourse(t *testing.T, e *env) (*models.Course, *models.CommisJob, *models.CommisJob) {
	t.Helper()
	ctx := context.Background()

	f, err := e.store.CreateFiche(ctx, e.owner.ID, &models.CreateFicheRequest{
		Name:               "sous-chef",
		SystemInstructions: "You are a test assistant.",
		Model:              "claude-sonnet-4-5",
	}, false)
	require.NoError(t, err)
	th, err := e.store.CreateThread(ctx, e.owner.ID, f.ID, "test", models.ThreadTypeManual)
	require.NoError(t, err)
	course, err := e.store.CreateCourse(ctx, nil, &models.Course{
		OwnerID: e.owner.ID, FicheID: f.ID, ThreadID: th.ID,
		Status: models.CourseStatusDeferred, Trigger: models.TriggerAPI,
	})
	require.NoError(t, err)

	courseID := course.ID
	spawn := func(toolCallID, commisID string) *models.CommisJob {
		job, err := e.store.CreateCommisJob(ctx, &models.CommisJob{
			OwnerID:           e.owner.ID,
			ConciergeCourseID: &courseID,
			ToolCallID:        toolCallID,
			CommisID:          commisID,
			Task:              "delegated work",
			Model:             "claude-haiku-4-5",
			ExecutionMode:     models.ExecModePlain,
		})
		require.NoError(t, err)
		return job
	}
	j1 := spawn("toolu_01", "commis-one")
	j2 := spawn("toolu_02", "commis-two")

	require.NoError(t, e.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := e.store.CreateBarrier(ctx, tx, course.ID, models.Int64List{j1.ID, j2.ID})
		return err
	}))
	return course, j1, j2
}

func TestReleaseShrinksBarrier(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	course, j1, j2 := deferredCourse(t, e)

	require.NoError(t, e.store.FinishCommisJob(ctx, j1.ID, models.CommisStatusSuccess, "found it", "", ""))
	require.NoError(t, e.barriers.Release(ctx, j1.ID))

	barrier, err := e.store.GetBarrier(ctx, course.ID)
	require.NoError(t, err)
	assert.Equal(t, models.Int64List{j2.ID}, barrier.JobIDs)

	// The course stays parked while work remains.
	got, err := e.store.GetCourse(ctx, course.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CourseStatusDeferred, got.Status)
}

func TestReleaseLastSchedulesContinuation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	course, j1, j2 := deferredCourse(t, e)

	require.NoError(t, e.store.FinishCommisJob(ctx, j1.ID, models.CommisStatusSuccess, "menu researched", "", ""))
	require.NoError(t, e.store.FinishCommisJob(ctx, j2.ID, models.CommisStatusFailed, "", "kitchen on fire", ""))
	require.NoError(t, e.barriers.Release(ctx, j1.ID))
	require.NoError(t, e.barriers.Release(ctx, j2.ID))

	_, err := e.store.GetBarrier(ctx, course.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	chain, err := e.store.ContinuationChain(ctx, course.ID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	cont := chain[1]
	assert.Equal(t, models.CourseStatusQueued, cont.Status)
	assert.Equal(t, models.TriggerContinuation, cont.Trigger)
	assert.Equal(t, course.ThreadID, cont.ThreadID)

	// Every worker's outcome landed as exactly one tool message.
	msgs, err := e.store.ListMessages(ctx, course.ThreadID)
	require.NoError(t, err)
	byCall := map[string]string{}
	for _, m := range msgs {
		if m.Role == models.RoleTool {
			byCall[m.ToolCallID] = m.Content
		}
	}
	require.Len(t, byCall, 2)
	assert.Contains(t, byCall["toolu_01"], `"ok":true`)
	assert.Contains(t, byCall["toolu_01"], "menu researched")
	assert.Contains(t, byCall["toolu_02"], "execution_error")
	assert.Contains(t, byCall["toolu_02"], "kitchen on fire")

	// The continuation run is queued for pick-up.
	entry, err := e.store.ClaimQueueEntry(ctx, "w1", func(string) time.Duration { return time.Minute })
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "course-run", entry.JobID)
	assert.EqualValues(t, cont.ID, entry.Payload["course_id"])
}

func TestReleaseLastFinishesOnSingleConnection(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	course, j1, j2 := deferredCourse(t, e)

	require.NoError(t, e.store.FinishCommisJob(ctx, j1.ID, models.CommisStatusSuccess, "done", "", ""))
	require.NoError(t, e.store.FinishCommisJob(ctx, j2.ID, models.CommisStatusSuccess, "also done", "", ""))

	// The emptying release reads the commis jobs inside its own transaction.
	// The test store allows one connection, so a read routed back to the
	// pool instead of the transaction would never return.
	done := make(chan error, 2)
	go func() {
		done <- e.barriers.Release(ctx, j1.ID)
		done <- e.barriers.Release(ctx, j2.ID)
	}()
	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("release did not finish")
		}
	}

	_, err := e.store.GetBarrier(ctx, course.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestConcurrentReleasesConverge(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	course, j1, j2 := deferredCourse(t, e)

	require.NoError(t, e.store.FinishCommisJob(ctx, j1.ID, models.CommisStatusSuccess, "first in", "", ""))
	require.NoError(t, e.store.FinishCommisJob(ctx, j2.ID, models.CommisStatusSuccess, "second in", "", ""))

	// Two workers reporting at the same moment must not erase each other's
	// removal from the outstanding set.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []int64{j1.ID, j2.ID} {
		wg.Add(1)
		go func(i int, id int64) {
			defer wg.Done()
			errs[i] = e.barriers.Release(ctx, id)
		}(i, id)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	_, err := e.store.GetBarrier(ctx, course.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	chain, err := e.store.ContinuationChain(ctx, course.ID)
	require.NoError(t, err)
	require.Len(t, chain, 2)

	n, err := e.store.CountToolMessages(ctx, course.ThreadID, "toolu_01")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = e.store.CountToolMessages(ctx, course.ThreadID, "toolu_02")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReleaseAfterResolutionIsNoop(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	course, j1, j2 := deferredCourse(t, e)

	require.NoError(t, e.store.FinishCommisJob(ctx, j1.ID, models.CommisStatusSuccess, "done", "", ""))
	require.NoError(t, e.store.FinishCommisJob(ctx, j2.ID, models.CommisStatusSuccess, "also done", "", ""))
	require.NoError(t, e.barriers.Release(ctx, j1.ID))
	require.NoError(t, e.barriers.Release(ctx, j2.ID))

	// A duplicate completion signal must not double-inject results.
	require.NoError(t, e.barriers.Release(ctx, j2.ID))

	n, err := e.store.CountToolMessages(ctx, course.ThreadID, "toolu_02")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReleaseUnknownJob(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.barriers.Release(context.Background(), 9999))
}
