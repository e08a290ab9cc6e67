package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/piehands/campaignd/internal/engine"
	"github.com/piehands/campaignd/pkg/schema"
)

// DefaultMaxBodyBytes caps webhook request bodies. Provider batches are
// at most a few hundred events; 1 MiB leaves ample headroom.
const DefaultMaxBodyBytes = 1 << 20

// processTimeout bounds async batch processing detached from the request.
const processTimeout = 30 * time.Second

// WebhookHandler terminates the provider's event webhook. It verifies
// batch authenticity synchronously, then accepts with 202 and processes
// the batch on the worker pool so provider timeouts never race real work.
type WebhookHandler struct {
	verifier *Verifier
	pipeline *Pipeline
	pool     *engine.WorkerPool
	logger   *slog.Logger
	maxBody  int64
}

func NewWebhookHandler(verifier *Verifier, pipeline *Pipeline, pool *engine.WorkerPool, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		verifier: verifier,
		pipeline: pipeline,
		pool:     pool,
		logger:   logger,
		maxBody:  DefaultMaxBodyBytes,
	}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBody+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if int64(len(body)) > h.maxBody {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	// Authenticity gates the whole batch; nothing is processed on failure.
	if err := h.verifier.Verify(r.Header.Get(HeaderTimestamp), r.Header.Get(HeaderSignature), body); err != nil {
		h.logger.Warn("webhook rejected", "remote", r.RemoteAddr, "error", err)
		writeJSONError(w, http.StatusUnauthorized, errorMessage(err))
		return
	}

	var batch []ProviderEvent
	if err := json.Unmarshal(body, &batch); err != nil {
		writeJSONError(w, http.StatusBadRequest, "body is not a JSON event array")
		return
	}

	if err := h.pool.Submit(r.Context(), func(context.Context) error {
		ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
		defer cancel()
		result := h.pipeline.Ingest(ctx, batch)
		if len(result.PerEventErrors) > 0 {
			h.logger.Warn("webhook batch processed with event failures",
				"accepted", result.Accepted,
				"failed", len(result.PerEventErrors))
		}
		return nil
	}); err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "ingest queue unavailable")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"queued": len(batch)})
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func errorMessage(err error) string {
	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		return engErr.Message
	}
	return err.Error()
}
