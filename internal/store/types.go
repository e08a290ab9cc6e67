package store

import (
	"encoding/json"
	"time"

	"github.com/piehands/campaignd/pkg/schema"
)

// Campaign is the persisted representation of a campaign and its canvas.
// The canvas definition is replaced wholesale on edit and treated as
// immutable once the campaign leaves DRAFT.
type Campaign struct {
	ID          string                  `json:"id"`
	WorkspaceID string                  `json:"workspace_id"`
	Name        string                  `json:"name"`
	Status      schema.CampaignStatus   `json:"status"`
	Definition  schema.CanvasDefinition `json:"canvas_definition"`
	CreatedAt   time.Time               `json:"created_at"`
	UpdatedAt   time.Time               `json:"updated_at"`
	ActivatedAt *time.Time              `json:"activated_at,omitempty"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
}

// Enrollment is one user's progress through one campaign's graph.
// The (campaign_id, user_id) pair is unique; terminal rows are kept as
// history and never deleted. Version backs optimistic concurrency: every
// successful update bumps it, and a stale writer gets a conflict.
type Enrollment struct {
	CampaignID    string                  `json:"campaign_id"`
	UserID        string                  `json:"user_id"`
	CurrentNodeID string                  `json:"current_node_id"`
	Status        schema.EnrollmentStatus `json:"status"`
	EnteredNodeAt time.Time               `json:"entered_node_at"`
	// WakeAt is set while the enrollment is WAITING at a delay node.
	WakeAt        *time.Time `json:"wake_at,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	Version       int64      `json:"version"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// User is the engine-relevant subset of a CRM user.
type User struct {
	ID             string                      `json:"id"`
	WorkspaceID    string                      `json:"workspace_id"`
	Email          string                      `json:"email"`
	Deliverability schema.DeliverabilityStatus `json:"deliverability"`
	Properties     map[string]any              `json:"properties,omitempty"`
	CreatedAt      time.Time                   `json:"created_at"`
}

// DomainEvent is an immutable entry on a user's activity history, with a
// monotonically increasing per-user sequence.
type DomainEvent struct {
	ID         int64           `json:"id"`
	UserID     string          `json:"user_id"`
	Name       string          `json:"name"`
	CampaignID string          `json:"campaign_id,omitempty"`
	NodeID     string          `json:"node_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// TriggerSubscription links an event-triggered campaign to the tracked
// event name it enrolls on. Registered at activation, removed at completion.
type TriggerSubscription struct {
	CampaignID string    `json:"campaign_id"`
	EventName  string    `json:"event_name"`
	CreatedAt  time.Time `json:"created_at"`
}

// TickItem is one unit of executor work in the durable tick queue: advance
// the enrollment (campaign_id, user_id) once, no earlier than NotBefore.
// Items survive a crash between activation and first execution.
type TickItem struct {
	ID         int64      `json:"id"`
	CampaignID string     `json:"campaign_id"`
	UserID     string     `json:"user_id"`
	NotBefore  time.Time  `json:"not_before"`
	Attempts   int        `json:"attempts"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ScheduledActivation is a cron-scheduled campaign activation.
type ScheduledActivation struct {
	ID         string     `json:"id"`
	CampaignID string     `json:"campaign_id"`
	CronExpr   string     `json:"cron_expression"`
	Enabled    bool       `json:"enabled"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// --- Filter and update types ---

// CampaignFilter specifies criteria for listing campaigns.
type CampaignFilter struct {
	WorkspaceID string                 `json:"workspace_id,omitempty"`
	Status      *schema.CampaignStatus `json:"status,omitempty"`
	Limit       int                    `json:"limit,omitempty"`
	Offset      int                    `json:"offset,omitempty"`
}

// EnrollmentFilter specifies criteria for listing enrollments.
type EnrollmentFilter struct {
	CampaignID string                    `json:"campaign_id,omitempty"`
	UserID     string                    `json:"user_id,omitempty"`
	Statuses   []schema.EnrollmentStatus `json:"statuses,omitempty"`
	Limit      int                       `json:"limit,omitempty"`
}

// EventFilter specifies criteria for listing domain events.
type EventFilter struct {
	UserID     string `json:"user_id,omitempty"`
	CampaignID string `json:"campaign_id,omitempty"`
	Name       string `json:"name,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// ScheduledActivationUpdate specifies mutable fields of a scheduled activation.
type ScheduledActivationUpdate struct {
	Enabled   *bool      `json:"enabled,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
}
