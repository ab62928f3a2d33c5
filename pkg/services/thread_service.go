package services

import (
	"context"

	"github.com/brigadehq/brigade/pkg/models"
	"github.com/brigadehq/brigade/pkg/store"
)

// ThreadService manages threads and their messages.
type ThreadService struct {
	store *store.Store
}

// NewThreadService creates a ThreadService.
func NewThreadService(s *store.Store) *ThreadService {
	return &ThreadService{store: s}
}

// Create starts a new thread on one of the caller's fiches.
func (s *ThreadService) Create(ctx context.Context, caller *models.User, ficheID int64, title string, typ models.ThreadType) (*models.Thread, error) {
	f, err := s.store.GetFiche(ctx, ficheID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if err := requireOwner(caller, f.OwnerID); err != nil {
		return nil, err
	}
	if typ == "" {
		typ = models.ThreadTypeManual
	}
	t, err := s.store.CreateThread(ctx, f.OwnerID, ficheID, title, typ)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return t, nil
}

// Get returns a thread the caller may see.
func (s *ThreadService) Get(ctx context.Context, caller *models.User, id int64) (*models.Thread, error) {
	t, err := s.store.GetThread(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if err := requireOwner(caller, t.OwnerID); err != nil {
		return nil, err
	}
	return t, nil
}

// List returns the caller's threads. Admins see everything.
func (s *ThreadService) List(ctx context.Context, caller *models.User) ([]*models.Thread, error) {
	ownerID := caller.ID
	if caller.IsAdmin() {
		ownerID = 0
	}
	threads, err := s.store.ListThreads(ctx, ownerID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return threads, nil
}

// Messages returns a thread's conversation in order.
func (s *ThreadService) Messages(ctx context.Context, caller *models.User, id int64) ([]*models.ThreadMessage, error) {
	if _, err := s.Get(ctx, caller, id); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return msgs, nil
}

// Post appends a user message to a thread. The message stays unprocessed
// until the next fiche run consumes it.
func (s *ThreadService) Post(ctx context.Context, caller *models.User, id int64, content string) (*models.ThreadMessage, error) {
	if content == "" {
		return nil, NewValidationError("content", "is required")
	}
	if _, err := s.Get(ctx, caller, id); err != nil {
		return nil, err
	}
	msg, err := s.store.AppendMessage(ctx, nil, &models.ThreadMessage{
		ThreadID: id,
		Role:     models.RoleUserMsg,
		Content:  content,
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return msg, nil
}

// Delete removes a thread and its messages and courses.
func (s *ThreadService) Delete(ctx context.Context, caller *models.User, id int64) error {
	if _, err := s.Get(ctx, caller, id); err != nil {
		return err
	}
	return mapStoreErr(s.store.DeleteThread(ctx, id))
}
