package services

import (
	"context"
	"strings"

	"github.com/brigadehq/brigade/pkg/config"
	"github.com/brigadehq/brigade/pkg/models"
	"github.com/brigadehq/brigade/pkg/store"
)

// devUserEmail is the deterministic principal minted when auth is disabled.
const devUserEmail = "dev@local"

// UserService resolves authenticated principals to user rows.
type UserService struct {
	store *store.Store
	cfg   *config.Config
}

// NewUserService creates a UserService.
func NewUserService(s *store.Store, cfg *config.Config) *UserService {
	return &UserService{store: s, cfg: cfg}
}

// ResolveEmail returns the user for an authenticated email, creating it on
// first sight. Role is ADMIN for configured admin emails, and for the owner
// in single-tenant mode.
func (s *UserService) ResolveEmail(ctx context.Context, email string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, NewValidationError("email", "is required")
	}
	role := models.RoleUser
	if s.cfg.IsAdminEmail(email) {
		role = models.RoleAdmin
	}
	if s.cfg.SingleTenant && strings.EqualFold(email, s.cfg.OwnerEmail) {
		role = models.RoleAdmin
	}
	user, err := s.store.GetOrCreateUser(ctx, email, role)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return user, nil
}

// DevUser returns the dev@local ADMIN principal used when AUTH_DISABLED.
func (s *UserService) DevUser(ctx context.Context) (*models.User, error) {
	user, err := s.store.GetOrCreateUser(ctx, devUserEmail, models.RoleAdmin)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return user, nil
}

// Get returns one user by id.
func (s *UserService) Get(ctx context.Context, id int64) (*models.User, error) {
	user, err := s.store.GetUser(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return user, nil
}
