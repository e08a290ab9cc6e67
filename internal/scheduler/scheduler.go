// Package scheduler drives time-based work: dispatching due ticks from
// the durable queue, waking enrollments parked at delay nodes and firing
// cron-scheduled campaign activations.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/piehands/campaignd/internal/engine"
	"github.com/piehands/campaignd/internal/store"
)

// Runner is the executor surface the scheduler drives. Satisfied by
// *engine.Executor.
type Runner interface {
	Tick(ctx context.Context, campaignID, userID string) error
	WakeEnrollment(ctx context.Context, e *store.Enrollment) error
	ActivateCampaign(ctx context.Context, campaignID string) error
}

// Config tunes the polling loop.
type Config struct {
	// PollInterval is the queue/wake polling cadence.
	PollInterval time.Duration
	// ActivationInterval is the cadence for checking scheduled activations.
	ActivationInterval time.Duration
	// ClaimLimit caps ticks claimed per poll.
	ClaimLimit int
	// MaxTickAttempts drops a tick item after this many failed runs.
	MaxTickAttempts int
	// RetryBase is the backoff base for released ticks.
	RetryBase time.Duration
	// RetryMax caps the release backoff.
	RetryMax time.Duration
	// StaleClaimTimeout is how long a claimed tick may sit unfinished
	// before it is treated as stranded and returned to the queue.
	StaleClaimTimeout time.Duration
}

// DefaultConfig matches the cadences the engine is tuned for: ticks and
// wakes within seconds, cron activations at minute granularity.
var DefaultConfig = Config{
	PollInterval:       2 * time.Second,
	ActivationInterval: time.Minute,
	ClaimLimit:         100,
	MaxTickAttempts:    10,
	RetryBase:          time.Second,
	RetryMax:           5 * time.Minute,
	StaleClaimTimeout:  5 * time.Minute,
}

func (c Config) withDefaults() Config {
	d := DefaultConfig
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ActivationInterval <= 0 {
		c.ActivationInterval = d.ActivationInterval
	}
	if c.ClaimLimit <= 0 {
		c.ClaimLimit = d.ClaimLimit
	}
	if c.MaxTickAttempts <= 0 {
		c.MaxTickAttempts = d.MaxTickAttempts
	}
	if c.RetryBase <= 0 {
		c.RetryBase = d.RetryBase
	}
	if c.RetryMax <= 0 {
		c.RetryMax = d.RetryMax
	}
	if c.StaleClaimTimeout <= 0 {
		c.StaleClaimTimeout = d.StaleClaimTimeout
	}
	return c
}

// Scheduler polls the store for due work and hands it to the worker pool.
type Scheduler struct {
	store  store.Store
	runner Runner
	pool   *engine.WorkerPool
	parser cron.Parser
	config Config
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(st store.Store, runner Runner, pool *engine.WorkerPool, config Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:  st,
		runner: runner,
		pool:   pool,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		config: config.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
}

// Start launches the background polling loops.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("scheduler started",
		"poll_interval", s.config.PollInterval,
		"activation_interval", s.config.ActivationInterval)
	return nil
}

// Stop shuts down the polling loops and waits for them to exit. In-flight
// work on the pool is the pool's to drain.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	poll := time.NewTicker(s.config.PollInterval)
	defer poll.Stop()
	activations := time.NewTicker(s.config.ActivationInterval)
	defer activations.Stop()

	// Run once up front so due work does not wait a full interval.
	s.Poll(ctx)
	s.RunDueActivations(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			s.Poll(ctx)
		case <-activations.C:
			s.RunDueActivations(ctx)
		}
	}
}

// Poll runs one dispatch round: wake due enrollments, then claim and run
// due ticks. Exported for tests and for manual draining.
func (s *Scheduler) Poll(ctx context.Context) {
	s.wakeDue(ctx)
	s.dispatchTicks(ctx)
}

// wakeDue resumes WAITING enrollments whose delay has elapsed. Waking
// enqueues a tick, so the work itself runs through the durable queue.
func (s *Scheduler) wakeDue(ctx context.Context) {
	due, err := s.store.ListDueWaiting(ctx, s.now(), s.config.ClaimLimit)
	if err != nil {
		s.logger.Error("list due waiting enrollments", "error", err)
		return
	}
	for _, e := range due {
		if err := s.runner.WakeEnrollment(ctx, e); err != nil {
			// A conflict means another node woke it first; anything else
			// will be retried next poll since the row stays WAITING.
			s.logger.Warn("wake enrollment",
				"campaign_id", e.CampaignID, "user_id", e.UserID, "error", err)
		}
	}
}

func (s *Scheduler) dispatchTicks(ctx context.Context) {
	s.reclaimStale(ctx)

	items, err := s.store.ClaimDueTicks(ctx, s.now(), s.config.ClaimLimit)
	if err != nil {
		s.logger.Error("claim due ticks", "error", err)
		return
	}
	for i, item := range items {
		item := item
		if err := s.pool.Submit(ctx, func(workCtx context.Context) error {
			s.runTick(workCtx, item)
			return nil
		}); err != nil {
			// Pool shut down or ctx cancelled; unclaim everything not yet
			// handed off so another runner can pick it up.
			release := context.WithoutCancel(ctx)
			for _, rest := range items[i:] {
				if err := s.store.ReleaseTick(release, rest.ID, s.now()); err != nil {
					s.logger.Error("release unsubmitted tick", "tick_id", rest.ID, "error", err)
				}
			}
			return
		}
	}
}

// reclaimStale unclaims tick items whose claim has outlived
// StaleClaimTimeout. A claim that old belongs to a dispatcher that died
// between claiming and completing.
func (s *Scheduler) reclaimStale(ctx context.Context) {
	n, err := s.store.ReclaimStaleTicks(ctx, s.now().Add(-s.config.StaleClaimTimeout))
	if err != nil {
		s.logger.Error("reclaim stale ticks", "error", err)
		return
	}
	if n > 0 {
		s.logger.Warn("reclaimed stale tick claims", "count", n)
	}
}

// runTick executes one claimed tick item. Success and permanently
// resolved failures complete the item; retryable failures release it
// with exponential backoff until MaxTickAttempts.
func (s *Scheduler) runTick(ctx context.Context, item *store.TickItem) {
	err := s.runner.Tick(ctx, item.CampaignID, item.UserID)
	if err == nil {
		if err := s.store.CompleteTick(ctx, item.ID); err != nil {
			s.logger.Error("complete tick", "tick_id", item.ID, "error", err)
		}
		return
	}

	attempts := item.Attempts + 1
	if !engine.IsRetryableError(err) || attempts >= s.config.MaxTickAttempts {
		s.logger.Error("tick abandoned",
			"campaign_id", item.CampaignID, "user_id", item.UserID,
			"attempts", attempts, "error", err)
		if err := s.store.CompleteTick(ctx, item.ID); err != nil {
			s.logger.Error("complete abandoned tick", "tick_id", item.ID, "error", err)
		}
		return
	}

	delay := s.retryDelay(attempts)
	s.logger.Warn("tick released for retry",
		"campaign_id", item.CampaignID, "user_id", item.UserID,
		"attempts", attempts, "retry_in", delay, "error", err)
	if err := s.store.ReleaseTick(ctx, item.ID, s.now().Add(delay)); err != nil {
		s.logger.Error("release tick", "tick_id", item.ID, "error", err)
	}
}

func (s *Scheduler) retryDelay(attempts int) time.Duration {
	delay := s.config.RetryBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= s.config.RetryMax {
			return s.config.RetryMax
		}
	}
	if delay > s.config.RetryMax {
		delay = s.config.RetryMax
	}
	return delay
}

// RunDueActivations fires enabled scheduled activations whose next run
// time has passed, then advances their cron schedule. A first-seen job
// with no next_run_at is seeded rather than fired.
func (s *Scheduler) RunDueActivations(ctx context.Context) {
	jobs, err := s.store.ListScheduledActivations(ctx, true)
	if err != nil {
		s.logger.Error("list scheduled activations", "error", err)
		return
	}

	now := s.now().UTC()
	for _, job := range jobs {
		if job.NextRunAt == nil {
			next, err := s.NextRun(job.CronExpr, now)
			if err != nil {
				s.logger.Error("invalid cron expression, disabling activation",
					"activation_id", job.ID, "cron", job.CronExpr, "error", err)
				s.disable(ctx, job.ID)
				continue
			}
			if err := s.store.UpdateScheduledActivation(ctx, job.ID, store.ScheduledActivationUpdate{NextRunAt: &next}); err != nil {
				s.logger.Error("seed activation schedule", "activation_id", job.ID, "error", err)
			}
			continue
		}
		if job.NextRunAt.After(now) {
			continue
		}
		s.fireActivation(ctx, job, now)
	}
}

func (s *Scheduler) fireActivation(ctx context.Context, job *store.ScheduledActivation, now time.Time) {
	s.logger.Info("running scheduled activation",
		"activation_id", job.ID, "campaign_id", job.CampaignID)

	if err := s.runner.ActivateCampaign(ctx, job.CampaignID); err != nil {
		// Already-active campaigns are fine; the schedule still advances so
		// a broken campaign cannot wedge the loop.
		s.logger.Warn("scheduled activation failed",
			"activation_id", job.ID, "campaign_id", job.CampaignID, "error", err)
	}

	next, err := s.NextRun(job.CronExpr, now)
	if err != nil {
		s.logger.Error("invalid cron expression, disabling activation",
			"activation_id", job.ID, "cron", job.CronExpr, "error", err)
		s.disable(ctx, job.ID)
		return
	}
	if err := s.store.UpdateScheduledActivation(ctx, job.ID, store.ScheduledActivationUpdate{
		LastRunAt: &now,
		NextRunAt: &next,
	}); err != nil {
		s.logger.Error("update activation schedule", "activation_id", job.ID, "error", err)
	}
}

func (s *Scheduler) disable(ctx context.Context, id string) {
	disabled := false
	if err := s.store.UpdateScheduledActivation(ctx, id, store.ScheduledActivationUpdate{Enabled: &disabled}); err != nil {
		s.logger.Error("disable activation", "activation_id", id, "error", err)
	}
}

// NextRun computes the next fire time for a standard 5-field cron
// expression, strictly after from.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}
