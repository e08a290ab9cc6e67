package engine

import (
	"context"

	"github.com/piehands/campaignd/internal/store"
	"github.com/piehands/campaignd/pkg/schema"
)

// TriggerDecision is the outcome of evaluating a campaign trigger at
// activation time. Exactly one of the two fields is populated.
type TriggerDecision struct {
	// ImmediateUserIDs is the point-in-time audience snapshot for an
	// immediate trigger. Users who become deliverable afterwards are not
	// retroactively enrolled.
	ImmediateUserIDs []string
	// WaitingForEvent is the tracked event name an event trigger enrolls
	// on; enrollment is deferred until the event arrives per user.
	WaitingForEvent string
}

// TriggerEvaluator decides which users a campaign activation enrolls.
type TriggerEvaluator struct {
	store store.Store
}

func NewTriggerEvaluator(st store.Store) *TriggerEvaluator {
	return &TriggerEvaluator{store: st}
}

// Evaluate resolves a trigger config against the workspace. Immediate
// triggers snapshot every user whose deliverability is currently active;
// event triggers return the event name to subscribe to.
func (t *TriggerEvaluator) Evaluate(ctx context.Context, trigger schema.TriggerConfig, workspaceID string) (*TriggerDecision, error) {
	switch trigger.Mode {
	case schema.TriggerModeImmediate:
		if trigger.TargetGroup != schema.TargetGroupAllUsers {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"unsupported target group %q", trigger.TargetGroup)
		}
		users, err := t.store.ListActiveUsers(ctx, workspaceID)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "snapshot audience: %s", err).WithCause(err)
		}
		ids := make([]string, 0, len(users))
		for _, u := range users {
			ids = append(ids, u.ID)
		}
		return &TriggerDecision{ImmediateUserIDs: ids}, nil

	case schema.TriggerModeEvent:
		if trigger.EventName == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "event trigger requires an event name")
		}
		return &TriggerDecision{WaitingForEvent: trigger.EventName}, nil

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown trigger mode %q", trigger.Mode)
	}
}
