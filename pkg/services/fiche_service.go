package services

import (
	"context"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/brigadehq/brigade/pkg/config"
	"github.com/brigadehq/brigade/pkg/models"
	"github.com/brigadehq/brigade/pkg/store"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// FicheService manages fiche configuration.
type FicheService struct {
	store *store.Store
	cfg   *config.Config
}

// NewFicheService creates a FicheService.
func NewFicheService(s *store.Store, cfg *config.Config) *FicheService {
	return &FicheService{store: s, cfg: cfg}
}

// Create validates and inserts a new fiche for the owner.
func (s *FicheService) Create(ctx context.Context, owner *models.User, req *models.CreateFicheRequest) (*models.Fiche, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return nil, NewValidationError("name", "is required")
	}
	if req.SystemInstructions == "" {
		return nil, NewValidationError("system_instructions", "is required")
	}
	if req.Model == "" {
		req.Model = s.cfg.DefaultConciergeModel
	}
	if err := validateSchedule(req.Schedule); err != nil {
		return nil, err
	}
	f, err := s.store.CreateFiche(ctx, owner.ID, req, false)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return f, nil
}

// Get returns a fiche the caller may see.
func (s *FicheService) Get(ctx context.Context, caller *models.User, id int64) (*models.Fiche, error) {
	f, err := s.store.GetFiche(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if err := requireOwner(caller, f.OwnerID); err != nil {
		return nil, err
	}
	return f, nil
}

// List returns the caller's fiches. Admins see everything.
func (s *FicheService) List(ctx context.Context, caller *models.User) ([]*models.Fiche, error) {
	ownerID := caller.ID
	if caller.IsAdmin() {
		ownerID = 0
	}
	fiches, err := s.store.ListFiches(ctx, ownerID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return fiches, nil
}

// Update applies the non-nil fields of req.
func (s *FicheService) Update(ctx context.Context, caller *models.User, id int64, req *models.UpdateFicheRequest) (*models.Fiche, error) {
	if _, err := s.Get(ctx, caller, id); err != nil {
		return nil, err
	}
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		return nil, NewValidationError("name", "cannot be empty")
	}
	if err := validateSchedule(req.Schedule); err != nil {
		return nil, err
	}
	f, err := s.store.UpdateFiche(ctx, id, req)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return f, nil
}

// Delete removes a fiche; threads, messages, and courses cascade.
func (s *FicheService) Delete(ctx context.Context, caller *models.User, id int64) error {
	f, err := s.Get(ctx, caller, id)
	if err != nil {
		return err
	}
	if f.IsConcierge {
		return NewValidationError("id", "the concierge fiche cannot be deleted")
	}
	return mapStoreErr(s.store.DeleteFiche(ctx, id))
}

func validateSchedule(schedule *string) error {
	if schedule == nil || *schedule == "" {
		return nil
	}
	if _, err := cronParser.Parse(*schedule); err != nil {
		return NewValidationError("schedule", "invalid cron expression: "+err.Error())
	}
	return nil
}

// requireOwner enforces the ownership rule shared by every service.
func requireOwner(caller *models.User, ownerID int64) error {
	if caller.IsAdmin() || caller.ID == ownerID {
		return nil
	}
	return ErrPermissionDenied
}
