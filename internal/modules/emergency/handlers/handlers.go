// Package handlers provides HTTP handlers for the emergency controls: the
// kill switch and the panic hedge.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/archonlabs/bastion/internal/domain"
	"github.com/archonlabs/bastion/internal/modules/emergency"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// EmergencyServiceInterface is the slice of the emergency service the HTTP
// layer needs
type EmergencyServiceInterface interface {
	ActivateKillSwitch(ctx context.Context, profileID, reason, by string) (*emergency.KillSwitchResult, error)
	ReleaseKillSwitch(profileID, by string) error
	TriggerManual(ctx context.Context, profileID, reason, by string) (*domain.PanicState, error)
	Reset(profileID, by string, force bool) error
	PanicFor(profileID string) *domain.PanicState
	History(profileID string, limit int) []emergency.TriggerRecord
	DrawdownStatus(profileID string) *emergency.DrawdownStatus
}

// AuthoriserInterface guards the admin-only emergency actions. The admin
// module supplies the real implementation.
type AuthoriserInterface interface {
	Authorise(tenantID, action, target string) error
}

// EmergencyHandlers contains HTTP handlers for the emergency control API
type EmergencyHandlers struct {
	svc  EmergencyServiceInterface
	auth AuthoriserInterface
	log  zerolog.Logger
}

// NewEmergencyHandlers creates a new emergency handlers instance
func NewEmergencyHandlers(svc EmergencyServiceInterface, auth AuthoriserInterface, log zerolog.Logger) *EmergencyHandlers {
	return &EmergencyHandlers{
		svc:  svc,
		auth: auth,
		log:  log.With().Str("handler", "emergency").Logger(),
	}
}

// HandleActivateKillSwitch disables trading and flattens the profile
// POST /api/profiles/{profileID}/kill-switch
func (h *EmergencyHandlers) HandleActivateKillSwitch(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "profileID")
	actor, ok := h.requireActor(w, r, "kill_switch", profileID)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.svc.ActivateKillSwitch(r.Context(), profileID, req.Reason, actor)
	if err != nil {
		h.writeActionError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// HandleReleaseKillSwitch re-enables trading for the profile
// POST /api/profiles/{profileID}/kill-switch/release
func (h *EmergencyHandlers) HandleReleaseKillSwitch(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "profileID")
	actor, ok := h.requireActor(w, r, "kill_switch_release", profileID)
	if !ok {
		return
	}

	if err := h.svc.ReleaseKillSwitch(profileID, actor); err != nil {
		h.writeActionError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"profile_id": profileID,
		"status":     "released",
	})
}

// HandleTriggerPanic raises a manual panic for the profile
// POST /api/profiles/{profileID}/panic
func (h *EmergencyHandlers) HandleTriggerPanic(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "profileID")
	actor, ok := h.requireActor(w, r, "panic_trigger", profileID)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	state, err := h.svc.TriggerManual(r.Context(), profileID, req.Reason, actor)
	if err != nil {
		h.writeActionError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, state)
}

// HandleResetPanic clears the profile's panic state
// POST /api/profiles/{profileID}/panic/reset
func (h *EmergencyHandlers) HandleResetPanic(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "profileID")
	actor, ok := h.requireActor(w, r, "panic_reset", profileID)
	if !ok {
		return
	}

	var req struct {
		Force bool `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.svc.Reset(profileID, actor, req.Force); err != nil {
		h.writeActionError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"profile_id": profileID,
		"status":     "reset",
	})
}

// HandleGetPanic returns the profile's panic state, drawdown track, and
// recent triggers
// GET /api/profiles/{profileID}/panic
func (h *EmergencyHandlers) HandleGetPanic(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "profileID")

	state := h.svc.PanicFor(profileID)
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"profile_id":      profileID,
		"active":          state != nil && state.Active,
		"state":           state,
		"drawdown":        h.svc.DrawdownStatus(profileID),
		"recent_triggers": h.svc.History(profileID, 20),
	})
}

// requireActor extracts the acting tenant set by the auth edge and runs the
// admin check for the requested action
func (h *EmergencyHandlers) requireActor(w http.ResponseWriter, r *http.Request, action, profileID string) (string, bool) {
	actor := r.Header.Get("X-Tenant-ID")
	if actor == "" {
		h.writeError(w, http.StatusUnauthorized, "Missing X-Tenant-ID header")
		return "", false
	}
	if err := h.auth.Authorise(actor, action, profileID); err != nil {
		h.log.Warn().
			Str("tenant_id", actor).
			Str("action", action).
			Str("profile_id", profileID).
			Msg("Emergency action refused")
		h.writeError(w, http.StatusForbidden, err.Error())
		return "", false
	}
	return actor, true
}

// writeActionError maps emergency errors onto HTTP statuses. State conflicts
// are 409 so callers can tell "already done" from "failed".
func (h *EmergencyHandlers) writeActionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, emergency.ErrProfileNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, emergency.ErrTradingAlreadyDisabled),
		errors.Is(err, emergency.ErrTradingAlreadyEnabled),
		errors.Is(err, emergency.ErrPanicActive),
		errors.Is(err, emergency.ErrPanicNotActive),
		errors.Is(err, emergency.ErrCooldownActive),
		errors.Is(err, emergency.ErrDrawdownNotRecovered):
		h.writeError(w, http.StatusConflict, err.Error())
	default:
		h.log.Error().Err(err).Msg("Emergency action failed")
		h.writeError(w, http.StatusInternalServerError, "Emergency action failed")
	}
}

// writeJSON writes a JSON response
func (h *EmergencyHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (h *EmergencyHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
