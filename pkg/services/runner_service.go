package services

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/brigadehq/brigade/pkg/models"
	"github.com/brigadehq/brigade/pkg/store"
)

// enrollTokenTTL is how long a runner enroll token stays valid.
const enrollTokenTTL = 10 * time.Minute

// RunnerService manages runner enrollment and lifecycle. Secrets and
// enroll tokens are stored as SHA-256 hashes; the plaintext crosses the
// wire exactly once.
type RunnerService struct {
	store *store.Store
}

// NewRunnerService creates a RunnerService.
func NewRunnerService(s *store.Store) *RunnerService {
	return &RunnerService{store: s}
}

// EnrollToken is the single-use registration credential, plaintext included.
type EnrollToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateEnrollToken mints a ten-minute single-use enrollment token.
func (s *RunnerService) CreateEnrollToken(ctx context.Context, caller *models.User) (*EnrollToken, error) {
	token, err := randomToken()
	if err != nil {
		return nil, err
	}
	created, err := s.store.CreateEnrollToken(ctx, caller.ID, HashSecret(token), s.store.Now().Add(enrollTokenTTL))
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return &EnrollToken{Token: token, ExpiresAt: created.ExpiresAt}, nil
}

// RegisteredRunner carries the runner row plus its plaintext secret,
// returned exactly once at registration.
type RegisteredRunner struct {
	Runner *models.Runner `json:"runner"`
	Secret string         `json:"secret"`
}

// Register consumes an enroll token and creates the runner. A spent or
// expired token is ErrNotFound; a name collision is ErrAlreadyExists.
func (s *RunnerService) Register(ctx context.Context, token, name string, labels models.JSONMap, capabilities models.StringList) (*RegisteredRunner, error) {
	if name == "" {
		return nil, NewValidationError("name", "is required")
	}
	enroll, err := s.store.ConsumeEnrollToken(ctx, HashSecret(token))
	if err != nil {
		return nil, mapStoreErr(err)
	}
	secret, err := randomToken()
	if err != nil {
		return nil, err
	}
	runner, err := s.store.CreateRunner(ctx, &models.Runner{
		OwnerID:        enroll.OwnerID,
		Name:           name,
		Labels:         labels,
		Capabilities:   capabilities,
		Status:         models.RunnerStatusOffline,
		AuthSecretHash: HashSecret(secret),
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return &RegisteredRunner{Runner: runner, Secret: secret}, nil
}

// Get returns a runner the caller may see.
func (s *RunnerService) Get(ctx context.Context, caller *models.User, id int64) (*models.Runner, error) {
	runner, err := s.store.GetRunner(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if err := requireOwner(caller, runner.OwnerID); err != nil {
		return nil, err
	}
	return runner, nil
}

// List returns the caller's runners.
func (s *RunnerService) List(ctx context.Context, caller *models.User) ([]*models.Runner, error) {
	ownerID := caller.ID
	if caller.IsAdmin() {
		ownerID = 0
	}
	runners, err := s.store.ListRunners(ctx, ownerID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return runners, nil
}

// Update replaces a runner's labels and capabilities.
func (s *RunnerService) Update(ctx context.Context, caller *models.User, id int64, labels models.JSONMap, capabilities models.StringList) (*models.Runner, error) {
	if _, err := s.Get(ctx, caller, id); err != nil {
		return nil, err
	}
	runner, err := s.store.UpdateRunner(ctx, id, labels, capabilities)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return runner, nil
}

// Revoke permanently bars a runner from connecting. The fleet hub closes
// any live socket when it observes the status change.
func (s *RunnerService) Revoke(ctx context.Context, caller *models.User, id int64) error {
	if _, err := s.Get(ctx, caller, id); err != nil {
		return err
	}
	return mapStoreErr(s.store.SetRunnerStatus(ctx, id, models.RunnerStatusRevoked))
}

// Authenticate verifies a runner's hello secret. Revoked runners never
// authenticate. The comparison is constant time over the hashes.
func (s *RunnerService) Authenticate(ctx context.Context, runnerID int64, secret string) (*models.Runner, error) {
	runner, err := s.store.GetRunner(ctx, runnerID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if runner.Status == models.RunnerStatusRevoked {
		return nil, ErrPermissionDenied
	}
	presented := HashSecret(secret)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(runner.AuthSecretHash)) != 1 {
		return nil, ErrPermissionDenied
	}
	return runner, nil
}

// HashSecret is the canonical secret hash: SHA-256, hex encoded.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
