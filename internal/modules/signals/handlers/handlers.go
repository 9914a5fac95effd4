// Package handlers provides HTTP handlers for signal submission and
// decision lookup.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/archonlabs/bastion/internal/domain"
	"github.com/archonlabs/bastion/internal/modules/signals"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// GateServiceInterface is the slice of the signal gate the HTTP layer needs
type GateServiceInterface interface {
	Submit(sig domain.Signal) (*domain.Decision, error)
	SubmitBatch(sigs []domain.Signal) ([]signals.BatchResult, error)
	GetDecision(id string) (*domain.Decision, error)
	Recent(profileID string, limit int) ([]domain.Decision, error)
	RateLimit(profileID string) signals.RateLimitStatus
	Stats(profileID string) (*signals.SignalStats, error)
	ReportExecution(decisionID string, success bool, errMsg string) error
}

// SignalHandlers contains HTTP handlers for the signal gate API
type SignalHandlers struct {
	svc GateServiceInterface
	log zerolog.Logger
}

// NewSignalHandlers creates a new signal handlers instance
func NewSignalHandlers(svc GateServiceInterface, log zerolog.Logger) *SignalHandlers {
	return &SignalHandlers{
		svc: svc,
		log: log.With().Str("handler", "signals").Logger(),
	}
}

// HandleSubmit processes a single inbound signal for the profile in the URL
// POST /api/profiles/{profileID}/signals
func (h *SignalHandlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "profileID")

	var sig domain.Signal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if sig.ProfileID != "" && sig.ProfileID != profileID {
		h.writeError(w, http.StatusBadRequest, "profile_id in body does not match URL")
		return
	}
	sig.ProfileID = profileID

	decision, err := h.svc.Submit(sig)
	if err != nil {
		h.writeSubmitError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, decision)
}

// HandleSubmitBatch processes up to the batch limit of signals in one request
// POST /api/profiles/{profileID}/signals/batch
func (h *SignalHandlers) HandleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "profileID")

	var req struct {
		Signals []domain.Signal `json:"signals"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	for i := range req.Signals {
		if req.Signals[i].ProfileID != "" && req.Signals[i].ProfileID != profileID {
			h.writeError(w, http.StatusBadRequest, "profile_id in body does not match URL")
			return
		}
		req.Signals[i].ProfileID = profileID
	}

	results, err := h.svc.SubmitBatch(req.Signals)
	if err != nil {
		h.writeSubmitError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"profile_id": profileID,
		"count":      len(results),
		"results":    results,
	})
}

// HandleGetDecision returns one decision by id
// GET /api/decisions/{decisionID}
func (h *SignalHandlers) HandleGetDecision(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "decisionID")

	decision, err := h.svc.GetDecision(id)
	if err != nil {
		h.log.Error().Err(err).Str("decision_id", id).Msg("Failed to load decision")
		h.writeError(w, http.StatusInternalServerError, "Failed to load decision")
		return
	}
	if decision == nil {
		h.writeError(w, http.StatusNotFound, "Decision not found")
		return
	}

	h.writeJSON(w, http.StatusOK, decision)
}

// HandleRecent returns recent decisions for the profile, newest first
// GET /api/profiles/{profileID}/signals/recent?limit=N
func (h *SignalHandlers) HandleRecent(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "profileID")

	limit := 50
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		if parsed, err := strconv.Atoi(limitParam); err == nil {
			limit = parsed
		}
	}

	decisions, err := h.svc.Recent(profileID, limit)
	if err != nil {
		h.log.Error().Err(err).Str("profile_id", profileID).Msg("Failed to list decisions")
		h.writeError(w, http.StatusInternalServerError, "Failed to list decisions")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"profile_id": profileID,
		"count":      len(decisions),
		"decisions":  decisions,
	})
}

// HandleReportExecution records the downstream execution outcome for an
// approved decision
// POST /api/decisions/{decisionID}/execution
func (h *SignalHandlers) HandleReportExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "decisionID")

	var req struct {
		Success bool   `json:"success"`
		Error   string `json:"error,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.svc.ReportExecution(id, req.Success, req.Error); err != nil {
		h.log.Warn().Err(err).Str("decision_id", id).Msg("Execution report rejected")
		h.writeError(w, http.StatusConflict, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"decision_id": id,
		"status":      "recorded",
	})
}

// HandleStats returns decision counts and rate limit state for the profile
// GET /api/profiles/{profileID}/signals/stats
func (h *SignalHandlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "profileID")

	stats, err := h.svc.Stats(profileID)
	if err != nil {
		h.log.Error().Err(err).Str("profile_id", profileID).Msg("Failed to compute signal stats")
		h.writeError(w, http.StatusInternalServerError, "Failed to compute signal stats")
		return
	}

	h.writeJSON(w, http.StatusOK, stats)
}

// HandleRateLimit returns the current rate window for the profile
// GET /api/profiles/{profileID}/signals/rate-limit
func (h *SignalHandlers) HandleRateLimit(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "profileID")
	h.writeJSON(w, http.StatusOK, h.svc.RateLimit(profileID))
}

// writeSubmitError maps pipeline errors onto HTTP statuses. Store faults are
// 503 so callers know the submission is safe to retry.
func (h *SignalHandlers) writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, signals.ErrInvalidSignal):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, signals.ErrUnknownProfile):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, signals.ErrStoreFailed):
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.log.Error().Err(err).Msg("Signal submission failed")
		h.writeError(w, http.StatusInternalServerError, "Signal submission failed")
	}
}

// writeJSON writes a JSON response
func (h *SignalHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (h *SignalHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
