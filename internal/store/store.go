package store

import (
	"context"
	"time"

	"github.com/piehands/campaignd/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Campaigns
	CreateCampaign(ctx context.Context, c *Campaign) error
	GetCampaign(ctx context.Context, id string) (*Campaign, error)
	// UpdateCampaignStatus is a guarded write: it only applies when the
	// stored status equals from, otherwise it reports a conflict.
	UpdateCampaignStatus(ctx context.Context, id string, from, to schema.CampaignStatus) error
	ListCampaigns(ctx context.Context, filter CampaignFilter) ([]*Campaign, error)
	// CampaignStats returns enrollment counts by status for a campaign.
	CampaignStats(ctx context.Context, campaignID string) (map[schema.EnrollmentStatus]int, error)

	// Users
	UpsertUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	ListActiveUsers(ctx context.Context, workspaceID string) ([]*User, error)
	// SetDeliverability is a compare-and-set on the user's deliverability
	// status; a mismatch on from reports a conflict.
	SetDeliverability(ctx context.Context, userID string, from, to schema.DeliverabilityStatus) error

	// Enrollments
	// CreateEnrollment is idempotent on (campaign_id, user_id); it reports
	// whether a new row was created.
	CreateEnrollment(ctx context.Context, e *Enrollment) (bool, error)
	GetEnrollment(ctx context.Context, campaignID, userID string) (*Enrollment, error)
	// UpdateEnrollment applies only when the stored version matches
	// e.Version (optimistic concurrency); on success e.Version is bumped.
	UpdateEnrollment(ctx context.Context, e *Enrollment) error
	ListEnrollments(ctx context.Context, filter EnrollmentFilter) ([]*Enrollment, error)
	// CountUnfinished returns the number of ACTIVE or WAITING enrollments.
	CountUnfinished(ctx context.Context, campaignID string) (int, error)
	// ListDueWaiting returns WAITING enrollments whose wake time has passed.
	ListDueWaiting(ctx context.Context, now time.Time, limit int) ([]*Enrollment, error)

	// Domain events (append-only history)
	AppendEvent(ctx context.Context, event *DomainEvent) error
	GetEventsByUser(ctx context.Context, userID string, since int64) ([]*DomainEvent, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]*DomainEvent, error)

	// Provider-event dedup ledger. MarkProviderEvent records the provider
	// event ID and reports whether this was its first appearance.
	// UnmarkProviderEvent removes a mark so a failed event can be
	// reprocessed when the provider retries it.
	MarkProviderEvent(ctx context.Context, providerEventID string) (bool, error)
	UnmarkProviderEvent(ctx context.Context, providerEventID string) error

	// Trigger subscriptions
	CreateSubscription(ctx context.Context, sub *TriggerSubscription) error
	ListSubscriptionsByEvent(ctx context.Context, eventName string) ([]*TriggerSubscription, error)
	DeleteSubscriptions(ctx context.Context, campaignID string) error

	// Durable tick queue
	EnqueueTicks(ctx context.Context, items []*TickItem) error
	// ClaimDueTicks atomically claims up to limit due, unclaimed items.
	ClaimDueTicks(ctx context.Context, now time.Time, limit int) ([]*TickItem, error)
	CompleteTick(ctx context.Context, id int64) error
	// ReleaseTick unclaims an item and reschedules it for notBefore.
	ReleaseTick(ctx context.Context, id int64, notBefore time.Time) error
	// ReclaimStaleTicks unclaims items claimed before the cutoff, returning
	// work stranded by a crashed dispatcher to the queue.
	ReclaimStaleTicks(ctx context.Context, claimedBefore time.Time) (int, error)

	// Scheduled activations
	CreateScheduledActivation(ctx context.Context, job *ScheduledActivation) error
	ListScheduledActivations(ctx context.Context, enabledOnly bool) ([]*ScheduledActivation, error)
	UpdateScheduledActivation(ctx context.Context, id string, update ScheduledActivationUpdate) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
