package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brigadehq/brigade/pkg/models"
	"github.com/brigadehq/brigade/pkg/store"
)

func seedCommisJob(t *testing.T, s *store.Store, ownerID int64, courseID *int64, toolCallID string) *models.CommisJob {
	t.Helper()
	j, err := s.CreateCommisJob(context.Background(), &models.CommisJob{
		OwnerID:           ownerID,
		ConciergeCourseID: courseID,
		ToolCallID:        toolCallID,
		CommisID:          "commis-researcher",
		Task:              "summarize the incident",
		ExecutionMode:     models.ExecModePlain,
		TraceID:           "trace-1",
	})
	require.NoError(t, err)
	return j
}

func TestCreateCommisJobSpawnIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	u := seedUser(t, s, "owner@example.com")
	f := seedFiche(t, s, u.ID, "concierge")
	th := seedThread(t, s, u.ID, f.ID)
	course := seedCourse(t, s, u.ID, f.ID, th.ID, models.CourseStatusRunning)

	first := seedCommisJob(t, s, u.ID, &course.ID, "toolu_01")
	assert.Equal(t, models.CommisStatusCreated, first.Status)

	// Replaying the same spawn tool call lands on the existing row.
	dup := seedCommisJob(t, s, u.ID, &course.ID, "toolu_01")
	assert.Equal(t, first.ID, dup.ID)

	other := seedCommisJob(t, s, u.ID, &course.ID, "toolu_02")
	assert.NotEqual(t, first.ID, other.ID)

	found, err := s.FindCommisJobByToolCall(context.Background(), course.ID, "toolu_01")
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)
}

func TestCommisJobLifecycle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "owner@example.com")
	job := seedCommisJob(t, s, u.ID, nil, "")

	require.NoError(t, s.TransitionCommisJobs(ctx, nil, []int64{job.ID},
		models.CommisStatusCreated, models.CommisStatusQueued))
	require.NoError(t, s.StartCommisJob(ctx, job.ID))

	got, err := s.GetCommisJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommisStatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	// Non-terminal statuses are rejected.
	err = s.FinishCommisJob(ctx, job.ID, models.CommisStatusRunning, "", "", "")
	require.Error(t, err)

	require.NoError(t, s.FinishCommisJob(ctx, job.ID, models.CommisStatusSuccess, "report written", "", "/artifacts/1"))
	got, err = s.GetCommisJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommisStatusSuccess, got.Status)
	assert.Equal(t, "report written", got.ResultSummary)
	assert.Equal(t, "/artifacts/1", got.ArtifactsPath)
	require.NotNil(t, got.FinishedAt)
}

func TestTransitionCommisJobsSkipsWrongState(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "owner@example.com")
	job := seedCommisJob(t, s, u.ID, nil, "")

	require.NoError(t, s.StartCommisJob(ctx, job.ID))
	require.NoError(t, s.TransitionCommisJobs(ctx, nil, []int64{job.ID},
		models.CommisStatusCreated, models.CommisStatusQueued))

	got, err := s.GetCommisJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommisStatusRunning, got.Status)
}

func TestUnacknowledgedResultsInbox(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "owner@example.com")

	done := seedCommisJob(t, s, u.ID, nil, "")
	failed := seedCommisJob(t, s, u.ID, nil, "")
	pending := seedCommisJob(t, s, u.ID, nil, "")

	require.NoError(t, s.FinishCommisJob(ctx, done.ID, models.CommisStatusSuccess, "ok", "", ""))
	require.NoError(t, s.FinishCommisJob(ctx, failed.ID, models.CommisStatusFailed, "", "tool crashed", ""))

	inbox, err := s.ListUnacknowledgedResults(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, inbox, 2)
	assert.Equal(t, done.ID, inbox[0].ID)
	assert.Equal(t, failed.ID, inbox[1].ID)

	require.NoError(t, s.AcknowledgeCommisResults(ctx, []int64{done.ID, failed.ID}))
	inbox, err = s.ListUnacknowledgedResults(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, inbox)

	// Still-running jobs never show up in the inbox.
	got, err := s.GetCommisJob(ctx, pending.ID)
	require.NoError(t, err)
	assert.False(t, got.Acknowledged)
}

func TestBarrierLifecycle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "owner@example.com")
	f := seedFiche(t, s, u.ID, "concierge")
	th := seedThread(t, s, u.ID, f.ID)
	course := seedCourse(t, s, u.ID, f.ID, th.ID, models.CourseStatusDeferred)

	j1 := seedCommisJob(t, s, u.ID, &course.ID, "toolu_01")
	j2 := seedCommisJob(t, s, u.ID, &course.ID, "toolu_02")

	b, err := s.CreateBarrier(ctx, nil, course.ID, models.Int64List{j1.ID, j2.ID})
	require.NoError(t, err)

	// One barrier per course.
	_, err = s.CreateBarrier(ctx, nil, course.ID, models.Int64List{j1.ID})
	require.ErrorIs(t, err, store.ErrAlreadyExists)

	got, err := s.GetBarrier(ctx, course.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)

	byJob, err := s.FindBarrierByJob(ctx, nil, j2.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, byJob.ID)

	require.NoError(t, s.UpdateBarrierJobs(ctx, nil, b.ID, models.Int64List{j2.ID}))
	_, err = s.FindBarrierByJob(ctx, nil, j1.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.DeleteBarrier(ctx, nil, b.ID))
	_, err = s.GetBarrier(ctx, course.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestListBarriersForCourses(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "owner@example.com")
	f := seedFiche(t, s, u.ID, "concierge")
	th := seedThread(t, s, u.ID, f.ID)

	withBarrier := seedCourse(t, s, u.ID, f.ID, th.ID, models.CourseStatusDeferred)
	without := seedCourse(t, s, u.ID, f.ID, th.ID, models.CourseStatusRunning)
	job := seedCommisJob(t, s, u.ID, &withBarrier.ID, "toolu_01")

	b, err := s.CreateBarrier(ctx, nil, withBarrier.ID, models.Int64List{job.ID})
	require.NoError(t, err)

	barriers, err := s.ListBarriersForCourses(ctx, []int64{withBarrier.ID, without.ID})
	require.NoError(t, err)
	require.Len(t, barriers, 1)
	assert.Equal(t, b.ID, barriers[0].ID)
}
