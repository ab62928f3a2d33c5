package services

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/brigadehq/brigade/pkg/bus"
	"github.com/brigadehq/brigade/pkg/models"
	"github.com/brigadehq/brigade/pkg/queue"
	"github.com/brigadehq/brigade/pkg/store"
)

// TriggerService manages webhook triggers and handles their firing.
type TriggerService struct {
	store *store.Store
	bus   *bus.Bus
}

// NewTriggerService creates a TriggerService.
func NewTriggerService(s *store.Store, b *bus.Bus) *TriggerService {
	return &TriggerService{store: s, bus: b}
}

// CreatedTrigger carries the plaintext secret, returned exactly once.
type CreatedTrigger struct {
	Trigger *models.Trigger `json:"trigger"`
	Secret  string          `json:"secret"`
}

// Create registers a webhook trigger on one of the caller's fiches.
func (s *TriggerService) Create(ctx context.Context, caller *models.User, ficheID int64) (*CreatedTrigger, error) {
	f, err := s.store.GetFiche(ctx, ficheID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if err := requireOwner(caller, f.OwnerID); err != nil {
		return nil, err
	}
	secret, err := randomToken()
	if err != nil {
		return nil, err
	}
	trigger, err := s.store.CreateTrigger(ctx, f.OwnerID, ficheID, models.TriggerTypeWebhook, secret)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return &CreatedTrigger{Trigger: trigger, Secret: secret}, nil
}

// List returns the caller's triggers.
func (s *TriggerService) List(ctx context.Context, caller *models.User) ([]*models.Trigger, error) {
	ownerID := caller.ID
	if caller.IsAdmin() {
		ownerID = 0
	}
	triggers, err := s.store.ListTriggers(ctx, ownerID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return triggers, nil
}

// Delete removes a trigger.
func (s *TriggerService) Delete(ctx context.Context, caller *models.User, id int64) error {
	trigger, err := s.store.GetTrigger(ctx, id)
	if err != nil {
		return mapStoreErr(err)
	}
	if err := requireOwner(caller, trigger.OwnerID); err != nil {
		return err
	}
	return mapStoreErr(s.store.DeleteTrigger(ctx, id))
}

// Fire handles a webhook delivery: the bearer token is compared in constant
// time, then a queued course is created for the fiche and handed to the
// course execution path. An unknown trigger and a bad token are
// indistinguishable to the caller.
func (s *TriggerService) Fire(ctx context.Context, triggerID int64, token string, payload json.RawMessage) (*models.Course, error) {
	trigger, err := s.store.GetTrigger(ctx, triggerID)
	if err != nil {
		return nil, ErrNotFound
	}
	if subtle.ConstantTimeCompare([]byte(trigger.Secret), []byte(token)) != 1 {
		return nil, ErrNotFound
	}

	fiche, err := s.store.GetFiche(ctx, trigger.FicheID)
	if err != nil {
		return nil, mapStoreErr(err)
	}

	thread, err := s.store.FindThreadByType(ctx, fiche.ID, models.ThreadTypeSchedule)
	if err != nil {
		thread, err = s.store.CreateThread(ctx, fiche.OwnerID, fiche.ID, "webhook", models.ThreadTypeSchedule)
		if err != nil {
			return nil, mapStoreErr(err)
		}
	}

	content := fiche.TaskInstructions
	if content == "" {
		content = "A webhook event arrived."
	}
	if len(payload) > 0 {
		content += "\n\nWebhook payload:\n" + string(payload)
	}
	if _, err := s.store.AppendMessage(ctx, nil, &models.ThreadMessage{
		ThreadID: thread.ID,
		Role:     models.RoleUserMsg,
		Content:  content,
	}); err != nil {
		return nil, mapStoreErr(err)
	}

	course, err := s.store.CreateCourse(ctx, nil, &models.Course{
		OwnerID:  fiche.OwnerID,
		FicheID:  fiche.ID,
		ThreadID: thread.ID,
		Status:   models.CourseStatusQueued,
		Trigger:  models.TriggerWebhook,
		TraceID:  uuid.NewString(),
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}

	if _, _, err := s.store.EnqueueJob(ctx, nil, queue.JobCourseRun, queue.CourseDedupeKey(course.ID),
		s.store.Now(), 3, models.JSONMap{"course_id": course.ID}); err != nil {
		return nil, fmt.Errorf("enqueueing course run: %w", err)
	}

	fired := models.JSONMap{
		"trigger_id":   trigger.ID,
		"fiche_id":     fiche.ID,
		"course_id":    course.ID,
		"trigger_type": string(trigger.Type),
	}
	if len(payload) > 0 {
		var body any
		if err := json.Unmarshal(payload, &body); err == nil {
			fired["payload"] = body
		}
	}
	s.bus.Publish(bus.Event{Type: bus.EventTriggerFired, Payload: fired})
	return course, nil
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
