package mail

import (
	"context"
	"sync"
	"time"

	"github.com/piehands/campaignd/pkg/schema"
)

// CircuitState is the state of the provider circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // normal operation
	CircuitOpen                         // provider failing, rejecting sends
	CircuitHalfOpen                     // probing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the provider circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive transient failures
	// before the circuit opens.
	FailureThreshold int `json:"failure_threshold"`
	// Cooldown is how long the circuit stays open before probing again.
	Cooldown time.Duration `json:"cooldown"`
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second}
}

// CircuitSender wraps a Sender with a circuit breaker. While the provider
// keeps failing transiently the circuit opens and sends are rejected
// immediately with a transient error, sparing the provider a retry storm;
// after the cooldown a single probe send is let through. Permanent
// failures (bad address, policy rejection) are the recipient's problem,
// not the provider's, and do not trip the breaker.
type CircuitSender struct {
	inner Sender
	cfg   BreakerConfig

	mu            sync.Mutex
	state         CircuitState
	failures      int
	lastFailure   time.Time
	probeInFlight bool
}

func NewCircuitSender(inner Sender, cfg BreakerConfig) *CircuitSender {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerConfig().Cooldown
	}
	return &CircuitSender{inner: inner, cfg: cfg}
}

func (c *CircuitSender) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if err := c.allow(); err != nil {
		return nil, err
	}

	res, err := c.inner.Send(ctx, req)
	if err != nil && IsTransient(err) {
		c.recordFailure()
		return nil, err
	}
	c.recordSuccess()
	return res, err
}

// State returns the breaker's current state, advancing open to half-open
// once the cooldown has elapsed.
func (c *CircuitSender) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeHalfOpen()
	return c.state
}

func (c *CircuitSender) allow() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeHalfOpen()

	switch c.state {
	case CircuitClosed:
		return nil
	case CircuitHalfOpen:
		if c.probeInFlight {
			return c.openError()
		}
		c.probeInFlight = true
		return nil
	default:
		return c.openError()
	}
}

func (c *CircuitSender) maybeHalfOpen() {
	if c.state == CircuitOpen && time.Since(c.lastFailure) >= c.cfg.Cooldown {
		c.state = CircuitHalfOpen
		c.probeInFlight = false
	}
}

func (c *CircuitSender) openError() *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeTransient,
		"mail provider circuit open after %d consecutive failures", c.failures).
		WithDetails(map[string]any{
			"state":    c.state.String(),
			"cooldown": c.cfg.Cooldown.String(),
		})
}

func (c *CircuitSender) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures++
	c.lastFailure = time.Now()
	if c.state == CircuitHalfOpen || c.failures >= c.cfg.FailureThreshold {
		c.state = CircuitOpen
	}
	c.probeInFlight = false
}

func (c *CircuitSender) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures = 0
	c.state = CircuitClosed
	c.probeInFlight = false
}
