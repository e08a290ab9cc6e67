package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/piehands/campaignd/internal/engine"
	"github.com/piehands/campaignd/internal/graph"
	"github.com/piehands/campaignd/internal/ingest"
	"github.com/piehands/campaignd/internal/store"
	"github.com/piehands/campaignd/internal/validation"
	"github.com/piehands/campaignd/pkg/schema"
)

// apiServer exposes the campaign authoring and tracking surface plus the
// provider webhook.
type apiServer struct {
	store     store.Store
	executor  *engine.Executor
	validator validation.Validator
	webhook   *ingest.WebhookHandler
	logger    *slog.Logger
}

func (s *apiServer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /campaigns", s.handleCreateCampaign)
	mux.HandleFunc("GET /campaigns", s.handleListCampaigns)
	mux.HandleFunc("GET /campaigns/{id}", s.handleGetCampaign)
	mux.HandleFunc("POST /campaigns/{id}/activate", s.handleActivateCampaign)
	mux.HandleFunc("POST /events/track", s.handleTrackEvent)
	mux.Handle("POST /webhooks/sendgrid", s.webhook)
	return mux
}

func (s *apiServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createCampaignRequest struct {
	ID          string          `json:"id,omitempty"`
	WorkspaceID string          `json:"workspace_id"`
	Name        string          `json:"name"`
	Canvas      json.RawMessage `json:"canvas_definition"`
}

func (s *apiServer) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	if req.WorkspaceID == "" || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "workspace_id and name are required"})
		return
	}

	def, err := s.validator.ValidateRaw(req.Canvas)
	if err != nil {
		s.writeError(w, err)
		return
	}

	campaign := &store.Campaign{
		ID:          req.ID,
		WorkspaceID: req.WorkspaceID,
		Name:        req.Name,
		Definition:  *def,
	}
	if campaign.ID == "" {
		campaign.ID = uuid.NewString()
	}
	if err := s.store.CreateCampaign(r.Context(), campaign); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, campaign)
}

func (s *apiServer) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	filter := store.CampaignFilter{WorkspaceID: r.URL.Query().Get("workspace_id")}
	if v := r.URL.Query().Get("status"); v != "" {
		status := schema.CampaignStatus(v)
		filter.Status = &status
	}
	campaigns, err := s.store.ListCampaigns(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaigns": campaigns})
}

func (s *apiServer) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	campaign, err := s.store.GetCampaign(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	stats, err := s.store.CampaignStats(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaign": campaign, "enrollments": stats})
}

func (s *apiServer) handleActivateCampaign(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.executor.ActivateCampaign(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	campaign, err := s.store.GetCampaign(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

type trackEventRequest struct {
	UserID    string          `json:"user_id"`
	EventName string          `json:"event_name"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func (s *apiServer) handleTrackEvent(w http.ResponseWriter, r *http.Request) {
	var req trackEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	if req.UserID == "" || req.EventName == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id and event_name are required"})
		return
	}
	if err := s.executor.HandleTrackedEvent(r.Context(), req.UserID, req.EventName, req.Payload); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "tracked"})
}

func (s *apiServer) writeError(w http.ResponseWriter, err error) {
	var gerr *graph.Error
	if errors.As(err, &gerr) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": gerr.Error(),
			"code":  schema.ErrCodeValidation,
			"kind":  gerr.Kind,
		})
		return
	}
	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		writeJSON(w, statusForCode(engErr.Code), map[string]any{
			"error": engErr.Message,
			"code":  engErr.Code,
		})
		return
	}
	s.logger.Error("request failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func statusForCode(code string) int {
	switch code {
	case schema.ErrCodeValidation:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case schema.ErrCodeAuthenticity:
		return http.StatusUnauthorized
	case schema.ErrCodeTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
