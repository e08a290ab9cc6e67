package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/piehands/campaignd/internal/expressions"
	"github.com/piehands/campaignd/internal/graph"
	"github.com/piehands/campaignd/internal/logging"
	"github.com/piehands/campaignd/internal/mail"
	"github.com/piehands/campaignd/internal/store"
	"github.com/piehands/campaignd/pkg/schema"
)

// Executor advances enrollments through campaign graphs one tick at a
// time. All mutation goes through the store's guarded writes; the
// executor itself holds no per-enrollment state and is safe for
// concurrent use across enrollments.
type Executor struct {
	store    store.Store
	engines  *expressions.Registry
	renderer mail.Renderer
	sender   mail.Sender
	triggers *TriggerEvaluator

	campaignFSM   *CampaignFSM
	enrollmentFSM *EnrollmentFSM

	policy SendPolicy
	logger *slog.Logger

	// Graph cache. A canvas is immutable once its campaign is activated,
	// so an entry never goes stale while the campaign runs.
	mu     sync.RWMutex
	graphs map[string]*graph.Graph
}

func NewExecutor(st store.Store, engines *expressions.Registry, renderer mail.Renderer, sender mail.Sender, policy SendPolicy, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:         st,
		engines:       engines,
		renderer:      renderer,
		sender:        sender,
		triggers:      NewTriggerEvaluator(st),
		campaignFSM:   NewCampaignFSM(st),
		enrollmentFSM: NewEnrollmentFSM(st),
		policy:        policy.withDefaults(),
		logger:        logger,
		graphs:        make(map[string]*graph.Graph),
	}
}

// ActivateCampaign validates the campaign's canvas and moves it out of
// DRAFT. Immediate triggers snapshot the audience and durably enqueue one
// tick per enrolled user before the call returns, so a crash right after
// activation drops no users. Event triggers register a subscription and
// enroll users as matching tracked events arrive.
func (x *Executor) ActivateCampaign(ctx context.Context, campaignID string) error {
	ctx = logging.WithCampaignID(ctx, campaignID)

	c, err := x.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if c.Status != schema.CampaignStatusDraft {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"campaign %s is %s, only DRAFT campaigns can be activated", campaignID, c.Status)
	}

	g, err := graph.Build(&c.Definition)
	if err != nil {
		return err
	}
	x.cacheGraph(campaignID, g)

	if err := x.campaignFSM.Transition(ctx, campaignID, schema.CampaignStatusDraft, schema.CampaignStatusActive); err != nil {
		return err
	}
	if err := x.store.UpdateCampaignStatus(ctx, campaignID, schema.CampaignStatusDraft, schema.CampaignStatusActive); err != nil {
		return err
	}
	x.logger.InfoContext(ctx, "campaign activated", slog.String("trigger_mode", string(g.Trigger().Mode)))

	decision, err := x.triggers.Evaluate(ctx, g.Trigger(), c.WorkspaceID)
	if err != nil {
		return err
	}

	if decision.WaitingForEvent != "" {
		return x.store.CreateSubscription(ctx, &store.TriggerSubscription{
			CampaignID: campaignID,
			EventName:  decision.WaitingForEvent,
		})
	}

	if err := x.store.UpdateCampaignStatus(ctx, campaignID, schema.CampaignStatusActive, schema.CampaignStatusSending); err != nil {
		return err
	}
	if err := x.enroll(ctx, campaignID, g.TriggerID, decision.ImmediateUserIDs); err != nil {
		return err
	}
	if len(decision.ImmediateUserIDs) == 0 {
		return x.maybeCompleteCampaign(ctx, campaignID)
	}
	return nil
}

// enroll creates an enrollment at the trigger node for each user and
// durably enqueues one tick per newly created enrollment. Already-enrolled
// users are skipped.
func (x *Executor) enroll(ctx context.Context, campaignID, triggerNodeID string, userIDs []string) error {
	var items []*store.TickItem
	for _, userID := range userIDs {
		created, err := x.store.CreateEnrollment(ctx, &store.Enrollment{
			CampaignID:    campaignID,
			UserID:        userID,
			CurrentNodeID: triggerNodeID,
			Status:        schema.EnrollmentStatusActive,
		})
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "enroll %s: %s", userID, err).WithCause(err)
		}
		if !created {
			continue
		}
		if err := x.store.AppendEvent(ctx, &store.DomainEvent{
			UserID:     userID,
			Name:       schema.EventEnrollmentCreated,
			CampaignID: campaignID,
			NodeID:     triggerNodeID,
		}); err != nil {
			return err
		}
		items = append(items, &store.TickItem{CampaignID: campaignID, UserID: userID})
	}
	if err := x.store.EnqueueTicks(ctx, items); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "enqueue ticks: %s", err).WithCause(err)
	}
	x.logger.InfoContext(ctx, "users enrolled", slog.Int("count", len(items)))
	return nil
}

// HandleTrackedEvent records a tracked event on the user's history and
// enrolls the user into any active event-triggered campaign subscribed to
// that event name. A failure against one campaign does not block the rest.
func (x *Executor) HandleTrackedEvent(ctx context.Context, userID, eventName string, payload json.RawMessage) error {
	ctx = logging.WithUserID(ctx, userID)

	if _, err := x.store.GetUser(ctx, userID); err != nil {
		return err
	}
	if err := x.store.AppendEvent(ctx, &store.DomainEvent{
		UserID:  userID,
		Name:    schema.EventTracked,
		Payload: trackedEventPayload(eventName, payload),
	}); err != nil {
		return err
	}

	subs, err := x.store.ListSubscriptionsByEvent(ctx, eventName)
	if err != nil {
		return err
	}
	var firstErr error
	for _, sub := range subs {
		if err := x.enrollFromEvent(ctx, sub.CampaignID, userID); err != nil {
			x.logger.ErrorContext(ctx, "event enrollment failed",
				slog.String("campaign_id", sub.CampaignID), slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (x *Executor) enrollFromEvent(ctx context.Context, campaignID, userID string) error {
	c, err := x.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if c.Status != schema.CampaignStatusActive && c.Status != schema.CampaignStatusSending {
		return nil
	}
	user, err := x.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.Deliverability != schema.DeliverabilityActive {
		return nil
	}
	g, err := x.campaignGraph(ctx, c)
	if err != nil {
		return err
	}
	return x.enroll(ctx, campaignID, g.TriggerID, []string{userID})
}

// Tick advances one enrollment by one step (or a run of immediate steps).
// A concurrent-modification conflict aborts and retries the whole tick
// once; a second conflict surfaces as a transient failure so the caller
// can reschedule, never losing the write.
func (x *Executor) Tick(ctx context.Context, campaignID, userID string) error {
	ctx = logging.WithIDs(ctx, campaignID, userID, "")

	err := x.tickOnce(ctx, campaignID, userID)
	if !isConflict(err) {
		return err
	}
	x.logger.WarnContext(ctx, "tick conflict, retrying once")
	err = x.tickOnce(ctx, campaignID, userID)
	if isConflict(err) {
		return schema.NewErrorf(schema.ErrCodeTransient,
			"enrollment %s/%s contended twice, rescheduling", campaignID, userID).WithCause(err)
	}
	return err
}

func (x *Executor) tickOnce(ctx context.Context, campaignID, userID string) error {
	e, err := x.store.GetEnrollment(ctx, campaignID, userID)
	if err != nil {
		return err
	}
	if e.Status != schema.EnrollmentStatusActive {
		// Terminal or waiting enrollments make re-invocation a no-op.
		return nil
	}

	c, err := x.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if c.Status == schema.CampaignStatusCompleted {
		return nil
	}
	g, err := x.campaignGraph(ctx, c)
	if err != nil {
		return err
	}

	// Canvases may cycle, but only through a delay node: a delay parks the
	// enrollment and ends the tick. Advancing more times than the canvas
	// has nodes therefore proves an all-immediate cycle, which can never
	// exit since the scope is fixed for the duration of the tick.
	steps := 0
	for {
		advanced, terminal, err := x.step(ctx, g, c, e)
		if err != nil {
			return err
		}
		if terminal {
			return x.maybeCompleteCampaign(ctx, campaignID)
		}
		if !advanced {
			return nil
		}
		if steps++; steps >= len(g.Nodes) {
			x.logger.ErrorContext(ctx, "immediate cycle in canvas, failing enrollment",
				"node_id", e.CurrentNodeID)
			if err := x.fail(ctx, e, "canvas cycles without a delay node"); err != nil {
				return err
			}
			return x.maybeCompleteCampaign(ctx, campaignID)
		}
	}
}

// step executes the enrollment's current node and moves it forward once.
// advanced reports whether the enrollment stayed ACTIVE on a new node and
// the tick loop should continue; terminal reports whether it reached a
// final status.
func (x *Executor) step(ctx context.Context, g *graph.Graph, c *store.Campaign, e *store.Enrollment) (advanced, terminal bool, err error) {
	ctx = logging.WithNodeID(ctx, e.CurrentNodeID)

	node := g.Node(e.CurrentNodeID)
	if node == nil {
		return false, true, x.fail(ctx, e, fmt.Sprintf("node %s not in canvas", e.CurrentNodeID))
	}

	user, err := x.store.GetUser(ctx, e.UserID)
	if err != nil {
		var engErr *schema.EngineError
		if errors.As(err, &engErr) && engErr.Code == schema.ErrCodeNotFound {
			return false, true, x.fail(ctx, e, fmt.Sprintf("user %s not found", e.UserID))
		}
		return false, false, err
	}

	switch node.Type {
	case schema.NodeTypeTrigger:
		// Entry node, no action.

	case schema.NodeTypeSendEmail:
		if user.Deliverability != schema.DeliverabilityActive {
			return false, true, x.halt(ctx, e, fmt.Sprintf("user deliverability is %s", user.Deliverability))
		}
		if err := x.sendEmail(ctx, node, c, user, e); err != nil {
			var engErr *schema.EngineError
			if errors.As(err, &engErr) && !engErr.IsRetryable() {
				return false, true, x.fail(ctx, e, engErr.Message)
			}
			return false, false, err
		}

	case schema.NodeTypeCondition:
		// Branching happens in ResolveNext below.

	case schema.NodeTypeDelay:
		// An ACTIVE enrollment at a delay node has been woken by the
		// scheduler; the delay itself was served while WAITING.
		e.WakeAt = nil
	}

	scope := x.buildScope(user, e, c)
	next, err := graph.ResolveNext(ctx, g, e.CurrentNodeID, x.engines, scope)
	if err != nil {
		var engErr *schema.EngineError
		if errors.As(err, &engErr) && !engErr.IsRetryable() {
			return false, true, x.fail(ctx, e, engErr.Message)
		}
		return false, false, err
	}

	if len(next) == 0 {
		if err := x.enrollmentFSM.Transition(ctx, e, schema.EnrollmentStatusCompleted); err != nil {
			return false, false, err
		}
		return false, true, x.store.UpdateEnrollment(ctx, e)
	}

	target := g.Node(next[0])
	e.CurrentNodeID = target.ID
	e.EnteredNodeAt = time.Now().UTC()

	if target.Type == schema.NodeTypeDelay {
		var cfg schema.DelayConfig
		_ = json.Unmarshal(target.Config, &cfg)
		d, err := time.ParseDuration(cfg.Duration)
		if err != nil {
			return false, true, x.fail(ctx, e, fmt.Sprintf("delay node %s has invalid duration", target.ID))
		}
		wake := e.EnteredNodeAt.Add(d)
		e.WakeAt = &wake
		if err := x.enrollmentFSM.Transition(ctx, e, schema.EnrollmentStatusWaiting); err != nil {
			return false, false, err
		}
		return false, false, x.store.UpdateEnrollment(ctx, e)
	}

	if err := x.store.UpdateEnrollment(ctx, e); err != nil {
		return false, false, err
	}
	return true, false, nil
}

// sendEmail renders and dispatches the node's template, retrying transient
// provider failures with exponential backoff up to the attempt cap. The
// returned error is permanent once the cap is exhausted.
func (x *Executor) sendEmail(ctx context.Context, node *schema.Node, c *store.Campaign, user *store.User, e *store.Enrollment) error {
	var cfg schema.SendEmailConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return schema.NewErrorf(schema.ErrCodePermanent, "send_email config: %s", err).WithNode(node.ID)
	}

	subject, html, err := x.renderer.Render(ctx, cfg.TemplateID, x.buildScope(user, e, c))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodePermanent, "render template %s: %s", cfg.TemplateID, err).
			WithNode(node.ID).WithCause(err)
	}

	req := mail.SendRequest{
		To:         mail.Address{Email: user.Email},
		Subject:    subject,
		HTML:       html,
		UserID:     user.ID,
		CampaignID: c.ID,
		NodeID:     node.ID,
		TemplateID: cfg.TemplateID,
	}

	var result *mail.SendResult
	var lastErr error
	for attempt := 0; attempt < x.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := WaitForBackoff(ctx, x.policy.Backoff(attempt-1)); err != nil {
				return err
			}
		}
		result, lastErr = x.sender.Send(ctx, req)
		if lastErr == nil {
			break
		}
		if !IsRetryableError(lastErr) {
			return lastErr
		}
		x.logger.WarnContext(ctx, "send attempt failed",
			slog.Int("attempt", attempt+1), slog.String("error", lastErr.Error()))
	}
	if lastErr != nil {
		return schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"send failed after %d attempts: %s", x.policy.MaxAttempts, lastErr).
			WithNode(node.ID).WithCause(lastErr)
	}

	payload, _ := json.Marshal(map[string]string{
		"template_id":         cfg.TemplateID,
		"provider_message_id": result.ProviderMessageID,
	})
	return x.store.AppendEvent(ctx, &store.DomainEvent{
		UserID:     user.ID,
		Name:       schema.EventEmailSent,
		CampaignID: c.ID,
		NodeID:     node.ID,
		Payload:    payload,
	})
}

func (x *Executor) fail(ctx context.Context, e *store.Enrollment, reason string) error {
	e.FailureReason = reason
	if err := x.enrollmentFSM.Transition(ctx, e, schema.EnrollmentStatusFailed); err != nil {
		return err
	}
	x.logger.WarnContext(ctx, "enrollment failed", slog.String("reason", reason))
	return x.store.UpdateEnrollment(ctx, e)
}

func (x *Executor) halt(ctx context.Context, e *store.Enrollment, reason string) error {
	e.FailureReason = reason
	if err := x.enrollmentFSM.Transition(ctx, e, schema.EnrollmentStatusHalted); err != nil {
		return err
	}
	x.logger.InfoContext(ctx, "enrollment halted", slog.String("reason", reason))
	return x.store.UpdateEnrollment(ctx, e)
}

// WakeEnrollment moves a due WAITING enrollment back to ACTIVE and
// enqueues a tick for it. Called by the scheduler.
func (x *Executor) WakeEnrollment(ctx context.Context, e *store.Enrollment) error {
	if e.Status != schema.EnrollmentStatusWaiting {
		return nil
	}
	if err := x.enrollmentFSM.Transition(ctx, e, schema.EnrollmentStatusActive); err != nil {
		return err
	}
	if err := x.store.UpdateEnrollment(ctx, e); err != nil {
		return err
	}
	return x.store.EnqueueTicks(ctx, []*store.TickItem{{CampaignID: e.CampaignID, UserID: e.UserID}})
}

// maybeCompleteCampaign transitions the campaign to COMPLETED once no
// enrollment remains ACTIVE or WAITING, and drops its subscriptions.
func (x *Executor) maybeCompleteCampaign(ctx context.Context, campaignID string) error {
	n, err := x.store.CountUnfinished(ctx, campaignID)
	if err != nil || n > 0 {
		return err
	}
	c, err := x.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if c.Status == schema.CampaignStatusCompleted {
		return nil
	}
	if err := x.campaignFSM.Transition(ctx, campaignID, c.Status, schema.CampaignStatusCompleted); err != nil {
		return err
	}
	if err := x.store.UpdateCampaignStatus(ctx, campaignID, c.Status, schema.CampaignStatusCompleted); err != nil {
		// A concurrent tick may have completed the campaign first.
		if isConflict(err) {
			return nil
		}
		return err
	}
	x.logger.InfoContext(ctx, "campaign completed")
	x.dropGraph(campaignID)
	return x.store.DeleteSubscriptions(ctx, campaignID)
}

// buildScope assembles the evaluation scope shared by condition edges and
// template rendering. User properties are flattened under "user" so
// authors write user.plan rather than user.properties.plan.
func (x *Executor) buildScope(user *store.User, e *store.Enrollment, c *store.Campaign) map[string]any {
	u := make(map[string]any, len(user.Properties)+3)
	for k, v := range user.Properties {
		u[k] = v
	}
	u["id"] = user.ID
	u["email"] = user.Email
	u["deliverability"] = string(user.Deliverability)

	return map[string]any{
		"user": u,
		"enrollment": map[string]any{
			"campaign_id":     e.CampaignID,
			"current_node_id": e.CurrentNodeID,
			"status":          string(e.Status),
		},
		"campaign": map[string]any{
			"id":           c.ID,
			"name":         c.Name,
			"workspace_id": c.WorkspaceID,
		},
	}
}

func (x *Executor) campaignGraph(ctx context.Context, c *store.Campaign) (*graph.Graph, error) {
	x.mu.RLock()
	g, ok := x.graphs[c.ID]
	x.mu.RUnlock()
	if ok {
		return g, nil
	}
	g, err := graph.Build(&c.Definition)
	if err != nil {
		return nil, err
	}
	x.cacheGraph(c.ID, g)
	return g, nil
}

func (x *Executor) cacheGraph(campaignID string, g *graph.Graph) {
	x.mu.Lock()
	x.graphs[campaignID] = g
	x.mu.Unlock()
}

func (x *Executor) dropGraph(campaignID string) {
	x.mu.Lock()
	delete(x.graphs, campaignID)
	x.mu.Unlock()
}

func isConflict(err error) bool {
	var engErr *schema.EngineError
	return errors.As(err, &engErr) && engErr.Code == schema.ErrCodeConflict
}

func trackedEventPayload(eventName string, payload json.RawMessage) json.RawMessage {
	wrapper := map[string]any{"event_name": eventName}
	if len(payload) > 0 {
		wrapper["payload"] = json.RawMessage(payload)
	}
	b, err := json.Marshal(wrapper)
	if err != nil {
		return json.RawMessage(fmt.Sprintf(`{"event_name":%q}`, eventName))
	}
	return b
}
