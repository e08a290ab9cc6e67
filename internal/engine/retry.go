package engine

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/piehands/campaignd/pkg/schema"
)

// SendPolicy bounds the retry behavior for transient send failures.
// After MaxAttempts the failure is escalated to permanent.
type SendPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
}

// DefaultSendPolicy is used when no policy is configured.
var DefaultSendPolicy = SendPolicy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    30 * time.Second,
}

func (p SendPolicy) withDefaults() SendPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultSendPolicy.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultSendPolicy.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultSendPolicy.MaxDelay
	}
	return p
}

// Backoff returns the delay before retry attempt (0-based): 2^attempt *
// base, capped at MaxDelay.
func (p SendPolicy) Backoff(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// IsRetryableError classifies whether an error should be retried.
// Timeouts and network errors are retryable; context cancellation means
// the engine is shutting down and is not.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		return engErr.IsRetryable()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// WaitForBackoff sleeps for the given delay or returns early if the
// context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
