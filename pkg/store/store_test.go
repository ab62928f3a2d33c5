package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brigadehq/brigade/pkg/models"
	"github.com/brigadehq/brigade/pkg/store"
	"github.com/brigadehq/brigade/test/util"
)

// fakeClock is a mutable clock injected with store.WithNow so lease and
// retention behavior can be tested without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestStore(t *testing.T) (*store.Store, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	s := store.New(util.NewTestClient(t), store.WithNow(clock.Now))
	return s, clock
}

func seedUser(t *testing.T, s *store.Store, email string) *models.User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), email, models.RoleUser, "test", email)
	require.NoError(t, err)
	return u
}

func seedFiche(t *testing.T, s *store.Store, ownerID int64, name string) *models.Fiche {
	t.Helper()
	f, err := s.CreateFiche(context.Background(), ownerID, &models.CreateFicheRequest{
		Name:               name,
		SystemInstructions: "You are a test assistant.",
		Model:              "claude-sonnet-4-5",
	}, false)
	require.NoError(t, err)
	return f
}

func seedThread(t *testing.T, s *store.Store, ownerID, ficheID int64) *models.Thread {
	t.Helper()
	th, err := s.CreateThread(context.Background(), ownerID, ficheID, "test thread", models.ThreadTypeManual)
	require.NoError(t, err)
	return th
}

func seedCourse(t *testing.T, s *store.Store, ownerID, ficheID, threadID int64, status models.CourseStatus) *models.Course {
	t.Helper()
	c, err := s.CreateCourse(context.Background(), nil, &models.Course{
		OwnerID:  ownerID,
		FicheID:  ficheID,
		ThreadID: threadID,
		Status:   status,
		Trigger:  models.TriggerManual,
	})
	require.NoError(t, err)
	return c
}

func TestGetOrCreateUser(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first, err := s.GetOrCreateUser(ctx, "chef@example.com", models.RoleUser)
	require.NoError(t, err)
	require.NotZero(t, first.ID)

	again, err := s.GetOrCreateUser(ctx, "chef@example.com", models.RoleAdmin)
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
	// Existing users keep their role; the requested role only applies on
	// first creation.
	require.Equal(t, models.RoleUser, again.Role)
}

func TestGetUserByEmailNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.GetUserByEmail(context.Background(), "nobody@example.com")
	require.ErrorIs(t, err, store.ErrNotFound)
}
