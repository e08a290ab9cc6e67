package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/piehands/campaignd/internal/policy"
	"github.com/piehands/campaignd/internal/store"
	"github.com/piehands/campaignd/pkg/schema"
)

// Pipeline applies a verified batch of provider events to the engine's
// state: dedup, deliverability downgrade, enrollment halting and exactly
// one history record per processed event.
type Pipeline struct {
	store  store.Store
	logger *slog.Logger
}

func NewPipeline(st store.Store, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{store: st, logger: logger}
}

// Ingest processes a batch that already passed authenticity verification.
// Events are isolated from each other: a failing event is recorded in
// PerEventErrors and its siblings proceed. Replays detected by the dedup
// ledger are skipped silently and still counted as accepted.
func (p *Pipeline) Ingest(ctx context.Context, batch []ProviderEvent) *IngestResult {
	result := &IngestResult{}
	for i := range batch {
		ev := &batch[i]
		key := ev.DedupKey()
		if key == "" {
			result.addError(fmt.Sprintf("batch[%d]", i), "event has no provider event id")
			continue
		}
		replay, err := p.processOne(ctx, ev, key)
		if err != nil {
			p.logger.Warn("provider event failed",
				"provider_event_id", key,
				"outcome", ev.Event,
				"error", err)
			result.addError(key, err.Error())
			continue
		}
		if replay {
			p.logger.Debug("provider event replay skipped", "provider_event_id", key)
		}
		result.Accepted++
	}
	return result
}

func (p *Pipeline) processOne(ctx context.Context, ev *ProviderEvent, key string) (replay bool, err error) {
	outcome := ev.Outcome()
	eventName := schema.OutcomeEventName(outcome)
	if eventName == "" {
		return false, schema.NewErrorf(schema.ErrCodePermanent, "unknown delivery outcome %q", ev.Event)
	}

	first, err := p.store.MarkProviderEvent(ctx, key)
	if err != nil {
		return false, err
	}
	if !first {
		return true, nil
	}

	if err := p.applyEvent(ctx, ev, outcome, eventName); err != nil {
		// The event was marked seen but never applied. Clear the mark so
		// the provider's retry of the same event is not swallowed as a
		// replay; downgrades and halts are idempotent on reprocessing.
		if uerr := p.store.UnmarkProviderEvent(ctx, key); uerr != nil {
			p.logger.Error("unmark unprocessed provider event",
				"provider_event_id", key, "error", uerr)
		}
		return false, err
	}
	return false, nil
}

func (p *Pipeline) applyEvent(ctx context.Context, ev *ProviderEvent, outcome schema.OutcomeType, eventName string) error {
	user, err := p.resolveUser(ctx, ev)
	if err != nil {
		return err
	}

	decision, _ := policy.Apply(outcome)
	if decision.StatusChange != "" {
		if err := p.downgrade(ctx, user, decision.StatusChange); err != nil {
			return err
		}
	}
	if decision.HaltEnrollments {
		if err := p.haltEnrollments(ctx, user.ID, outcome); err != nil {
			return err
		}
	}

	payload, _ := json.Marshal(outcomePayload(ev))
	return p.store.AppendEvent(ctx, &store.DomainEvent{
		UserID:     user.ID,
		Name:       eventName,
		CampaignID: ev.CampaignID,
		NodeID:     ev.NodeID,
		Payload:    payload,
	})
}

func (p *Pipeline) resolveUser(ctx context.Context, ev *ProviderEvent) (*store.User, error) {
	if ev.UserID != "" {
		user, err := p.store.GetUser(ctx, ev.UserID)
		if err == nil {
			return user, nil
		}
		var engErr *schema.EngineError
		if !errors.As(err, &engErr) || engErr.Code != schema.ErrCodeNotFound {
			return nil, err
		}
		// Stale custom arg; fall through to the email lookup.
	}
	if ev.Email == "" {
		return nil, schema.NewError(schema.ErrCodePermanent, "event carries neither user id nor email")
	}
	return p.store.FindUserByEmail(ctx, ev.Email)
}

// downgrade moves the user's deliverability status, retrying once on a
// concurrent writer. Downgrades are monotone, so losing the race to an
// equal-or-worse status is not an error.
func (p *Pipeline) downgrade(ctx context.Context, user *store.User, change schema.DeliverabilityStatus) error {
	for attempt := 0; ; attempt++ {
		next, changed := policy.Downgrade(user.Deliverability, change)
		if !changed {
			return nil
		}
		err := p.store.SetDeliverability(ctx, user.ID, user.Deliverability, next)
		if err == nil {
			user.Deliverability = next
			return nil
		}
		if !isConflict(err) || attempt > 0 {
			return err
		}
		fresh, err := p.store.GetUser(ctx, user.ID)
		if err != nil {
			return err
		}
		user.Deliverability = fresh.Deliverability
	}
}

// haltEnrollments forces every ACTIVE or WAITING enrollment of the user
// to HALTED. No enrollment event is emitted here: the outcome record
// appended by the caller is the single history entry for this provider
// event, and it already carries the cause.
func (p *Pipeline) haltEnrollments(ctx context.Context, userID string, outcome schema.OutcomeType) error {
	enrollments, err := p.store.ListEnrollments(ctx, store.EnrollmentFilter{
		UserID:   userID,
		Statuses: []schema.EnrollmentStatus{schema.EnrollmentStatusActive, schema.EnrollmentStatusWaiting},
	})
	if err != nil {
		return err
	}
	reason := "deliverability: " + string(outcome)
	for _, e := range enrollments {
		if err := p.haltOne(ctx, e, reason); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) haltOne(ctx context.Context, e *store.Enrollment, reason string) error {
	for attempt := 0; ; attempt++ {
		e.Status = schema.EnrollmentStatusHalted
		e.FailureReason = reason
		e.WakeAt = nil
		err := p.store.UpdateEnrollment(ctx, e)
		if err == nil {
			return nil
		}
		if !isConflict(err) || attempt > 0 {
			return err
		}
		fresh, err := p.store.GetEnrollment(ctx, e.CampaignID, e.UserID)
		if err != nil {
			return err
		}
		if fresh.Status != schema.EnrollmentStatusActive && fresh.Status != schema.EnrollmentStatusWaiting {
			// The executor beat us to a terminal state; nothing left to halt.
			return nil
		}
		*e = *fresh
	}
}

// outcomePayload shapes the history record payload the way the CRM
// timeline expects: provider message id always, plus the fields the
// outcome actually carries.
func outcomePayload(ev *ProviderEvent) map[string]any {
	payload := map[string]any{
		"message_id": ev.SGMessageID,
	}
	if ev.Timestamp > 0 {
		payload["provider_timestamp"] = time.Unix(ev.Timestamp, 0).UTC().Format(time.RFC3339)
	}
	if ev.TemplateID != "" {
		payload["template_id"] = ev.TemplateID
	}
	if ev.Reason != "" {
		payload["reason"] = ev.Reason
	}
	if ev.BounceType != "" {
		payload["bounce_type"] = ev.BounceType
	}
	if ev.URL != "" {
		payload["clicked_url"] = ev.URL
	}
	if ev.UserAgent != "" {
		payload["user_agent"] = ev.UserAgent
	}
	if ev.IP != "" {
		payload["ip_address"] = ev.IP
	}
	return payload
}

func isConflict(err error) bool {
	var engErr *schema.EngineError
	return errors.As(err, &engErr) && engErr.Code == schema.ErrCodeConflict
}
