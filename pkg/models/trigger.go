package models

import "time"

// TriggerType is how a trigger fires.
type TriggerType string

const (
	TriggerTypeWebhook  TriggerType = "webhook"
	TriggerTypeSchedule TriggerType = "schedule"
)

// Trigger starts courses for a fiche from the outside: webhooks present the
// stored bearer secret, schedules fire from the cron scheduler.
type Trigger struct {
	ID        int64       `json:"id"`
	OwnerID   int64       `json:"owner_id"`
	FicheID   int64       `json:"fiche_id"`
	Type      TriggerType `json:"type"`
	Secret    string      `json:"-"`
	CreatedAt time.Time   `json:"created_at"`
}
