package engine

import (
	"context"

	"github.com/piehands/campaignd/internal/store"
	"github.com/piehands/campaignd/pkg/schema"
)

// EventAppender is satisfied by the Store; used by FSMs to emit domain
// events on lifecycle transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.DomainEvent) error
}

// ValidCampaignTransitions defines the allowed campaign status changes.
// The lifecycle is monotonic: once activated a campaign never returns to
// DRAFT, and COMPLETED is final.
var ValidCampaignTransitions = map[schema.CampaignStatus][]schema.CampaignStatus{
	schema.CampaignStatusDraft:     {schema.CampaignStatusActive},
	schema.CampaignStatusActive:    {schema.CampaignStatusSending, schema.CampaignStatusCompleted},
	schema.CampaignStatusSending:   {schema.CampaignStatusCompleted},
	schema.CampaignStatusCompleted: {},
}

// ValidEnrollmentTransitions defines the allowed enrollment status changes.
// COMPLETED, FAILED and HALTED are terminal; a halted enrollment never
// resumes even if the user's deliverability is later restored.
var ValidEnrollmentTransitions = map[schema.EnrollmentStatus][]schema.EnrollmentStatus{
	schema.EnrollmentStatusActive:    {schema.EnrollmentStatusWaiting, schema.EnrollmentStatusCompleted, schema.EnrollmentStatusFailed, schema.EnrollmentStatusHalted},
	schema.EnrollmentStatusWaiting:   {schema.EnrollmentStatusActive, schema.EnrollmentStatusHalted},
	schema.EnrollmentStatusCompleted: {},
	schema.EnrollmentStatusFailed:    {},
	schema.EnrollmentStatusHalted:    {},
}

// CampaignFSM validates campaign lifecycle transitions and emits the
// corresponding domain events. The caller persists the new status via the
// store's guarded UpdateCampaignStatus.
type CampaignFSM struct {
	appender EventAppender
}

func NewCampaignFSM(appender EventAppender) *CampaignFSM {
	return &CampaignFSM{appender: appender}
}

// Transition validates a campaign status change and emits its event.
func (f *CampaignFSM) Transition(ctx context.Context, campaignID string, from, to schema.CampaignStatus) error {
	if !containsStatus(ValidCampaignTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid campaign transition: %s -> %s", from, to).
			WithDetails(map[string]any{"campaign_id": campaignID, "from": string(from), "to": string(to)})
	}

	name := campaignEventName(to)
	if name == "" {
		return nil
	}
	event := &store.DomainEvent{
		Name:       name,
		CampaignID: campaignID,
	}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit campaign event: %s", err).WithCause(err)
	}
	return nil
}

func campaignEventName(to schema.CampaignStatus) string {
	switch to {
	case schema.CampaignStatusActive:
		return schema.EventCampaignActivated
	case schema.CampaignStatusCompleted:
		return schema.EventCampaignCompleted
	default:
		return ""
	}
}

// EnrollmentFSM validates enrollment transitions and emits the
// corresponding domain events on the user's history.
type EnrollmentFSM struct {
	appender EventAppender
}

func NewEnrollmentFSM(appender EventAppender) *EnrollmentFSM {
	return &EnrollmentFSM{appender: appender}
}

// Transition validates an enrollment status change, emits its event and
// updates e.Status in memory. The caller persists the change via the
// store's optimistic UpdateEnrollment.
func (f *EnrollmentFSM) Transition(ctx context.Context, e *store.Enrollment, to schema.EnrollmentStatus) error {
	from := e.Status
	if !containsStatus(ValidEnrollmentTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid enrollment transition: %s -> %s", from, to).
			WithNode(e.CurrentNodeID).
			WithDetails(map[string]any{"campaign_id": e.CampaignID, "user_id": e.UserID})
	}

	if name := enrollmentEventName(to); name != "" {
		event := &store.DomainEvent{
			UserID:     e.UserID,
			Name:       name,
			CampaignID: e.CampaignID,
			NodeID:     e.CurrentNodeID,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit enrollment event: %s", err).WithCause(err)
		}
	}
	e.Status = to
	return nil
}

func enrollmentEventName(to schema.EnrollmentStatus) string {
	switch to {
	case schema.EnrollmentStatusWaiting:
		return schema.EventEnrollmentWaiting
	case schema.EnrollmentStatusCompleted:
		return schema.EventEnrollmentCompleted
	case schema.EnrollmentStatusFailed:
		return schema.EventEnrollmentFailed
	case schema.EnrollmentStatusHalted:
		return schema.EventEnrollmentHalted
	default:
		return ""
	}
}

func containsStatus[T comparable](allowed []T, to T) bool {
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}
