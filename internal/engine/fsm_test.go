package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piehands/campaignd/internal/store"
	"github.com/piehands/campaignd/pkg/schema"
)

// mockAppender records appended events for assertions.
type mockAppender struct {
	mu     sync.Mutex
	events []*store.DomainEvent
}

func (m *mockAppender) AppendEvent(_ context.Context, event *store.DomainEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockAppender) names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.Name
	}
	return out
}

// failAppender always returns an error.
type failAppender struct{}

func (f *failAppender) AppendEvent(_ context.Context, _ *store.DomainEvent) error {
	return errors.New("append failed")
}

func TestCampaignFSMValidTransitions(t *testing.T) {
	appender := &mockAppender{}
	fsm := NewCampaignFSM(appender)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "c-1", schema.CampaignStatusDraft, schema.CampaignStatusActive))
	require.NoError(t, fsm.Transition(ctx, "c-1", schema.CampaignStatusActive, schema.CampaignStatusSending))
	require.NoError(t, fsm.Transition(ctx, "c-1", schema.CampaignStatusSending, schema.CampaignStatusCompleted))

	// SENDING emits no event; activation and completion do.
	assert.Equal(t, []string{schema.EventCampaignActivated, schema.EventCampaignCompleted}, appender.names())
}

func TestCampaignFSMRejectsBackwardTransitions(t *testing.T) {
	fsm := NewCampaignFSM(&mockAppender{})
	ctx := context.Background()

	cases := []struct {
		from, to schema.CampaignStatus
	}{
		{schema.CampaignStatusActive, schema.CampaignStatusDraft},
		{schema.CampaignStatusCompleted, schema.CampaignStatusActive},
		{schema.CampaignStatusCompleted, schema.CampaignStatusDraft},
		{schema.CampaignStatusSending, schema.CampaignStatusActive},
		{schema.CampaignStatusDraft, schema.CampaignStatusSending},
	}
	for _, tc := range cases {
		err := fsm.Transition(ctx, "c-1", tc.from, tc.to)
		var engErr *schema.EngineError
		require.ErrorAs(t, err, &engErr, "%s -> %s", tc.from, tc.to)
		assert.Equal(t, schema.ErrCodeInvalidTransition, engErr.Code)
	}
}

func TestEnrollmentFSMLifecycle(t *testing.T) {
	appender := &mockAppender{}
	fsm := NewEnrollmentFSM(appender)
	ctx := context.Background()

	e := &store.Enrollment{CampaignID: "c-1", UserID: "u-1", CurrentNodeID: "n-1", Status: schema.EnrollmentStatusActive}

	require.NoError(t, fsm.Transition(ctx, e, schema.EnrollmentStatusWaiting))
	assert.Equal(t, schema.EnrollmentStatusWaiting, e.Status)

	require.NoError(t, fsm.Transition(ctx, e, schema.EnrollmentStatusActive))
	require.NoError(t, fsm.Transition(ctx, e, schema.EnrollmentStatusCompleted))

	// Resuming from WAITING emits no event.
	assert.Equal(t, []string{schema.EventEnrollmentWaiting, schema.EventEnrollmentCompleted}, appender.names())
}

func TestEnrollmentFSMTerminalStatesAreFinal(t *testing.T) {
	fsm := NewEnrollmentFSM(&mockAppender{})
	ctx := context.Background()

	for _, terminal := range []schema.EnrollmentStatus{
		schema.EnrollmentStatusCompleted,
		schema.EnrollmentStatusFailed,
		schema.EnrollmentStatusHalted,
	} {
		e := &store.Enrollment{CampaignID: "c-1", UserID: "u-1", Status: terminal}
		err := fsm.Transition(ctx, e, schema.EnrollmentStatusActive)
		var engErr *schema.EngineError
		require.ErrorAs(t, err, &engErr, "from %s", terminal)
		assert.Equal(t, schema.ErrCodeInvalidTransition, engErr.Code)
		assert.Equal(t, terminal, e.Status, "status must not change on rejected transition")
	}
}

func TestEnrollmentFSMHaltFromWaiting(t *testing.T) {
	appender := &mockAppender{}
	fsm := NewEnrollmentFSM(appender)

	e := &store.Enrollment{CampaignID: "c-1", UserID: "u-1", Status: schema.EnrollmentStatusWaiting}
	require.NoError(t, fsm.Transition(context.Background(), e, schema.EnrollmentStatusHalted))
	assert.Equal(t, []string{schema.EventEnrollmentHalted}, appender.names())
}

func TestFSMAppendFailureSurfacesAsStoreError(t *testing.T) {
	fsm := NewEnrollmentFSM(&failAppender{})

	e := &store.Enrollment{CampaignID: "c-1", UserID: "u-1", Status: schema.EnrollmentStatusActive}
	err := fsm.Transition(context.Background(), e, schema.EnrollmentStatusCompleted)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeStore, engErr.Code)
	// The in-memory status stays untouched when the event cannot be emitted.
	assert.Equal(t, schema.EnrollmentStatusActive, e.Status)
}
