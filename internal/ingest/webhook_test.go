package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piehands/campaignd/internal/engine"
	"github.com/piehands/campaignd/internal/store"
	"github.com/piehands/campaignd/pkg/schema"
)

func TestVerifier(t *testing.T) {
	v := NewVerifier("secret", time.Minute)
	body := []byte(`[{"event":"delivered"}]`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	assert.NoError(t, v.Verify(ts, v.Sign(ts, body), body))

	cases := []struct {
		name      string
		timestamp string
		signature string
		body      []byte
	}{
		{"forged signature", ts, "deadbeef", body},
		{"tampered body", ts, v.Sign(ts, body), []byte(`[{"event":"bounce"}]`)},
		{"missing headers", "", "", body},
		{"malformed timestamp", "yesterday", v.Sign("yesterday", body), body},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Verify(tc.timestamp, tc.signature, tc.body)
			var engErr *schema.EngineError
			require.ErrorAs(t, err, &engErr)
			assert.Equal(t, schema.ErrCodeAuthenticity, engErr.Code)
		})
	}
}

func TestVerifierRejectsStaleTimestamp(t *testing.T) {
	v := NewVerifier("secret", time.Minute)
	body := []byte(`[]`)
	stale := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)

	// A correctly signed but expired request is a replay, not a client bug.
	err := v.Verify(stale, v.Sign(stale, body), body)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeAuthenticity, engErr.Code)
}

type webhookFixture struct {
	store   *store.LibSQLStore
	handler *WebhookHandler
	pool    *engine.WorkerPool
	secret  string
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()
	st := newTestStore(t)
	pool := engine.NewWorkerPool(2)
	t.Cleanup(pool.Shutdown)

	secret := "whsec_test"
	handler := NewWebhookHandler(NewVerifier(secret, time.Minute), NewPipeline(st, nil), pool, nil)
	return &webhookFixture{store: st, handler: handler, pool: pool, secret: secret}
}

func (f *webhookFixture) post(t *testing.T, body []byte, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sendgrid", bytes.NewReader(body))
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set(HeaderTimestamp, ts)
	if sign {
		req.Header.Set(HeaderSignature, NewVerifier(f.secret, time.Minute).Sign(ts, body))
	} else {
		req.Header.Set(HeaderSignature, "0000")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestWebhookAcceptsAndProcessesBatch(t *testing.T) {
	f := newWebhookFixture(t)
	seedUser(t, f.store, "u-1", "u-1@example.com")

	body, err := json.Marshal([]ProviderEvent{
		{Email: "u-1@example.com", Event: "delivered", SGEventID: "sg-1", SGMessageID: "sgm-1"},
	})
	require.NoError(t, err)

	rec := f.post(t, body, true)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	f.pool.Wait()

	events := userEvents(t, f.store, "u-1")
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventEmailDelivered, events[0].Name)
}

func TestWebhookRejectsForgedBatchWithoutSideEffects(t *testing.T) {
	f := newWebhookFixture(t)
	seedUser(t, f.store, "u-1", "u-1@example.com")
	seedActiveEnrollment(t, f.store, "c-1", "u-1")

	body, err := json.Marshal([]ProviderEvent{bounceEvent("sg-forged")})
	require.NoError(t, err)

	rec := f.post(t, body, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	f.pool.Wait()

	// Nothing in the batch was processed: no downgrade, no halt, no history.
	user, err := f.store.GetUser(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, schema.DeliverabilityActive, user.Deliverability)

	e, err := f.store.GetEnrollment(context.Background(), "c-1", "u-1")
	require.NoError(t, err)
	assert.Equal(t, schema.EnrollmentStatusActive, e.Status)
	assert.Empty(t, userEvents(t, f.store, "u-1"))

	first, err := f.store.MarkProviderEvent(context.Background(), "sg-forged")
	require.NoError(t, err)
	assert.True(t, first, "rejected batch must not touch the dedup ledger")
}

func TestWebhookRejectsNonPost(t *testing.T) {
	f := newWebhookFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/webhooks/sendgrid", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWebhookRejectsMalformedJSON(t *testing.T) {
	f := newWebhookFixture(t)
	rec := f.post(t, []byte(`{"not":"an array"`), true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
