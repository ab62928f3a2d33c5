package fiche

import (
	"context"
	"errors"
	"time"

	"github.com/brigadehq/brigade/pkg/models"
	"github.com/brigadehq/brigade/pkg/store"
)

// Checkpointer persists per-thread run state so a resumed or continued run
// picks up where the previous one stopped. State lives on the thread row;
// it is rebuilt, never authoritative for conversation content.
type Checkpointer struct {
	store *store.Store
}

// NewCheckpointer builds a checkpointer over the store.
func NewCheckpointer(s *store.Store) *Checkpointer {
	return &Checkpointer{store: s}
}

// Load returns the thread's checkpoint, or an empty map when none exists.
func (c *Checkpointer) Load(ctx context.Context, threadID int64) (models.JSONMap, error) {
	state, err := c.store.LoadThreadState(ctx, threadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.JSONMap{}, nil
		}
		return nil, err
	}
	if state == nil {
		state = models.JSONMap{}
	}
	return state, nil
}

// Save writes the checkpoint back, stamping the save time.
func (c *Checkpointer) Save(ctx context.Context, threadID int64, state models.JSONMap) error {
	if state == nil {
		state = models.JSONMap{}
	}
	state["saved_at"] = time.Now().UTC().Format(time.RFC3339)
	return c.store.SaveThreadState(ctx, threadID, state)
}
