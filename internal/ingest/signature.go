package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/piehands/campaignd/pkg/schema"
)

// Header names for the webhook signature scheme.
const (
	HeaderSignature = "X-Piehands-Signature"
	HeaderTimestamp = "X-Piehands-Timestamp"
)

// DefaultSignatureWindow bounds how far a signed timestamp may drift from
// the receiver's clock before the request is rejected as a replay.
const DefaultSignatureWindow = 5 * time.Minute

// Verifier checks webhook batch authenticity: an HMAC-SHA256 signature
// over the request timestamp and raw body, plus a freshness window on the
// timestamp. Verification is all-or-nothing for the batch.
type Verifier struct {
	secret []byte
	window time.Duration
	now    func() time.Time
}

// NewVerifier builds a Verifier for the shared secret. A zero window
// falls back to DefaultSignatureWindow.
func NewVerifier(secret string, window time.Duration) *Verifier {
	if window <= 0 {
		window = DefaultSignatureWindow
	}
	return &Verifier{secret: []byte(secret), window: window, now: time.Now}
}

// Sign computes the hex signature for a timestamp (unix seconds, decimal)
// and body. Exposed so tests and senders produce matching signatures.
func (v *Verifier) Sign(timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the signature and timestamp freshness for a request body.
// Any failure is an AUTHENTICITY_ERROR and must reject the whole batch
// before any event in it is processed.
func (v *Verifier) Verify(timestamp, signature string, body []byte) error {
	if timestamp == "" || signature == "" {
		return schema.NewError(schema.ErrCodeAuthenticity, "missing signature headers")
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return schema.NewError(schema.ErrCodeAuthenticity, "malformed signature timestamp")
	}
	drift := v.now().Sub(time.Unix(ts, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > v.window {
		return schema.NewError(schema.ErrCodeAuthenticity, "signature timestamp outside acceptance window")
	}
	expected := v.Sign(timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return schema.NewError(schema.ErrCodeAuthenticity, "signature mismatch")
	}
	return nil
}
