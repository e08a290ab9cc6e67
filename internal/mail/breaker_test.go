package mail

import (
	"context"
	"testing"
	"time"

	"github.com/piehands/campaignd/pkg/schema"
)

type scriptedSender struct {
	calls int
	errs  []error
}

func (s *scriptedSender) Send(context.Context, SendRequest) (*SendResult, error) {
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &SendResult{SentAt: time.Now()}, nil
}

func transientErr() error {
	return schema.NewError(schema.ErrCodeTransient, "provider down")
}

func TestCircuitOpensAfterThreshold(t *testing.T) {
	inner := &scriptedSender{errs: []error{transientErr(), transientErr(), transientErr()}}
	c := NewCircuitSender(inner, BreakerConfig{FailureThreshold: 3, Cooldown: time.Hour})

	for i := 0; i < 3; i++ {
		if _, err := c.Send(context.Background(), SendRequest{}); err == nil {
			t.Fatalf("send %d: expected error", i)
		}
	}
	if got := c.State(); got != CircuitOpen {
		t.Fatalf("state = %s, want open", got)
	}

	// While open, the inner sender is never reached.
	before := inner.calls
	if _, err := c.Send(context.Background(), SendRequest{}); !IsTransient(err) {
		t.Fatalf("expected transient rejection, got %v", err)
	}
	if inner.calls != before {
		t.Error("inner sender called while circuit open")
	}
}

func TestCircuitProbesAfterCooldownAndRecloses(t *testing.T) {
	inner := &scriptedSender{errs: []error{transientErr(), transientErr()}}
	c := NewCircuitSender(inner, BreakerConfig{FailureThreshold: 2, Cooldown: time.Millisecond})

	for i := 0; i < 2; i++ {
		_, _ = c.Send(context.Background(), SendRequest{})
	}
	if got := c.State(); got != CircuitOpen {
		t.Fatalf("state = %s, want open", got)
	}

	time.Sleep(2 * time.Millisecond)
	if got := c.State(); got != CircuitHalfOpen {
		t.Fatalf("state = %s, want half_open", got)
	}

	// The probe succeeds, closing the circuit.
	if _, err := c.Send(context.Background(), SendRequest{}); err != nil {
		t.Fatalf("probe send: %v", err)
	}
	if got := c.State(); got != CircuitClosed {
		t.Fatalf("state = %s, want closed", got)
	}
}

func TestPermanentFailuresDoNotTripCircuit(t *testing.T) {
	perm := schema.NewError(schema.ErrCodePermanent, "invalid address")
	inner := &scriptedSender{errs: []error{perm, perm, perm}}
	c := NewCircuitSender(inner, BreakerConfig{FailureThreshold: 2, Cooldown: time.Hour})

	for i := 0; i < 3; i++ {
		_, _ = c.Send(context.Background(), SendRequest{})
	}
	if got := c.State(); got != CircuitClosed {
		t.Fatalf("state = %s, want closed", got)
	}
	if inner.calls != 3 {
		t.Errorf("inner calls = %d, want 3", inner.calls)
	}
}
