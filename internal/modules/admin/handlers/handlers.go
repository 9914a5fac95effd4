// Package handlers provides the HTTP handlers for the admin plane
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/archonlabs/bastion/internal/domain"
	"github.com/archonlabs/bastion/internal/modules/admin"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// AdminServiceInterface is the slice of the admin service the HTTP layer needs
type AdminServiceInterface interface {
	Authorise(tenantID, action, target string) error
	Dashboard() (*admin.Dashboard, error)
	Tenants(f admin.TenantFilter) ([]admin.TenantRow, error)
	Profiles(f admin.ProfileFilter) ([]admin.ProfileRow, error)
	ListAlerts(f admin.AlertFilter) (*admin.AlertsPage, error)
	PatchTenant(actor, id string, patch admin.TenantPatch) (*domain.Tenant, error)
	SuspendTenant(ctx context.Context, actor, id, reason string) (*domain.Tenant, error)
	PatchProfile(actor, id string, patch admin.ProfilePatch) (*domain.Profile, error)
	ForceDisconnect(ctx context.Context, actor, profileID, reason string) error
	AcknowledgeAlerts(actor string, ids []string) (int, error)
	CreateAlert(actor string, a domain.Alert) (*domain.Alert, error)
	Broadcast(actor, message string, severity domain.AlertSeverity) (*domain.Alert, error)
}

// AdminHandlers contains the HTTP handlers for the admin plane
type AdminHandlers struct {
	svc AdminServiceInterface
	log zerolog.Logger
}

// NewAdminHandlers creates a new admin handlers instance
func NewAdminHandlers(svc AdminServiceInterface, log zerolog.Logger) *AdminHandlers {
	return &AdminHandlers{
		svc: svc,
		log: log.With().Str("handler", "admin").Logger(),
	}
}

// HandleDashboard returns the fleet overview
// GET /api/admin/dashboard
func (h *AdminHandlers) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r, "dashboard_view", "")
	if !ok {
		return
	}
	_ = actor

	dash, err := h.svc.Dashboard()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to build dashboard")
		h.writeError(w, http.StatusInternalServerError, "Failed to build dashboard")
		return
	}
	h.writeJSON(w, http.StatusOK, dash)
}

// HandleListTenants returns the tenants page
// GET /api/admin/tenants?search=&role=&tier=&status=
func (h *AdminHandlers) HandleListTenants(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireActor(w, r, "tenant_list", ""); !ok {
		return
	}

	q := r.URL.Query()
	rows, err := h.svc.Tenants(admin.TenantFilter{
		Search: q.Get("search"),
		Role:   q.Get("role"),
		Tier:   q.Get("tier"),
		Status: q.Get("status"),
	})
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list tenants")
		h.writeError(w, http.StatusInternalServerError, "Failed to list tenants")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenants": rows,
		"count":   len(rows),
	})
}

// HandlePatchTenant applies a partial tenant update
// PATCH /api/admin/tenants/{tenantID}
func (h *AdminHandlers) HandlePatchTenant(w http.ResponseWriter, r *http.Request) {
	actor := r.Header.Get("X-Tenant-ID")
	if actor == "" {
		h.writeError(w, http.StatusUnauthorized, "Missing X-Tenant-ID header")
		return
	}
	id := chi.URLParam(r, "tenantID")

	var patch admin.TenantPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tenant, err := h.svc.PatchTenant(actor, id, patch)
	if err != nil {
		h.writeActionError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tenant)
}

// HandleSuspendTenant suspends a tenant and disconnects their profiles
// POST /api/admin/tenants/{tenantID}/suspend
func (h *AdminHandlers) HandleSuspendTenant(w http.ResponseWriter, r *http.Request) {
	actor := r.Header.Get("X-Tenant-ID")
	if actor == "" {
		h.writeError(w, http.StatusUnauthorized, "Missing X-Tenant-ID header")
		return
	}
	id := chi.URLParam(r, "tenantID")

	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tenant, err := h.svc.SuspendTenant(r.Context(), actor, id, req.Reason)
	if err != nil {
		h.writeActionError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tenant)
}

// HandleListProfiles returns the profiles page
// GET /api/admin/profiles?tenant_id=&broker=&connected=&trading=
func (h *AdminHandlers) HandleListProfiles(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireActor(w, r, "profile_list", ""); !ok {
		return
	}

	q := r.URL.Query()
	f := admin.ProfileFilter{
		TenantID: q.Get("tenant_id"),
		Broker:   q.Get("broker"),
	}
	if v := q.Get("connected"); v != "" {
		b := v == "true"
		f.Connected = &b
	}
	if v := q.Get("trading"); v != "" {
		b := v == "true"
		f.Trading = &b
	}

	rows, err := h.svc.Profiles(f)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list profiles")
		h.writeError(w, http.StatusInternalServerError, "Failed to list profiles")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"profiles": rows,
		"count":    len(rows),
	})
}

// HandlePatchProfile applies a partial profile update
// PATCH /api/admin/profiles/{profileID}
func (h *AdminHandlers) HandlePatchProfile(w http.ResponseWriter, r *http.Request) {
	actor := r.Header.Get("X-Tenant-ID")
	if actor == "" {
		h.writeError(w, http.StatusUnauthorized, "Missing X-Tenant-ID header")
		return
	}
	id := chi.URLParam(r, "profileID")

	var patch admin.ProfilePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	profile, err := h.svc.PatchProfile(actor, id, patch)
	if err != nil {
		h.writeActionError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, profile)
}

// HandleForceDisconnect drops a profile's broker session
// POST /api/admin/profiles/{profileID}/disconnect
func (h *AdminHandlers) HandleForceDisconnect(w http.ResponseWriter, r *http.Request) {
	actor := r.Header.Get("X-Tenant-ID")
	if actor == "" {
		h.writeError(w, http.StatusUnauthorized, "Missing X-Tenant-ID header")
		return
	}
	id := chi.URLParam(r, "profileID")

	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.svc.ForceDisconnect(r.Context(), actor, id, req.Reason); err != nil {
		h.writeActionError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"profile_id": id,
		"status":     "disconnected",
	})
}

// HandleListAlerts returns the alert inbox
// GET /api/admin/alerts?severity=&kind=&tenant_id=&profile_id=&acknowledged=&since=&until=&limit=&offset=
func (h *AdminHandlers) HandleListAlerts(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireActor(w, r, "alert_list", ""); !ok {
		return
	}

	q := r.URL.Query()
	f := admin.AlertFilter{
		Severity:  q.Get("severity"),
		Kind:      q.Get("kind"),
		TenantID:  q.Get("tenant_id"),
		ProfileID: q.Get("profile_id"),
		Limit:     50,
	}
	if v := q.Get("acknowledged"); v != "" {
		b := v == "true"
		f.Acknowledged = &b
	}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Since = t
		}
	}
	if v := q.Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Until = t
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			f.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			f.Offset = n
		}
	}

	page, err := h.svc.ListAlerts(f)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list alerts")
		h.writeError(w, http.StatusInternalServerError, "Failed to list alerts")
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}

// HandleCreateAlert stores an operator-raised alert
// POST /api/admin/alerts
func (h *AdminHandlers) HandleCreateAlert(w http.ResponseWriter, r *http.Request) {
	actor := r.Header.Get("X-Tenant-ID")
	if actor == "" {
		h.writeError(w, http.StatusUnauthorized, "Missing X-Tenant-ID header")
		return
	}

	var req struct {
		ProfileID string                 `json:"profile_id"`
		TenantID  string                 `json:"tenant_id"`
		Kind      string                 `json:"kind"`
		Severity  string                 `json:"severity"`
		Message   string                 `json:"message"`
		Details   map[string]interface{} `json:"details"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	alert, err := h.svc.CreateAlert(actor, domain.Alert{
		ProfileID: req.ProfileID,
		TenantID:  req.TenantID,
		Kind:      req.Kind,
		Severity:  domain.AlertSeverity(req.Severity),
		Message:   req.Message,
		Details:   req.Details,
	})
	if err != nil {
		h.writeActionError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, alert)
}

// HandleAcknowledgeAlerts marks a batch of alerts acknowledged
// POST /api/admin/alerts/acknowledge
func (h *AdminHandlers) HandleAcknowledgeAlerts(w http.ResponseWriter, r *http.Request) {
	actor := r.Header.Get("X-Tenant-ID")
	if actor == "" {
		h.writeError(w, http.StatusUnauthorized, "Missing X-Tenant-ID header")
		return
	}

	var req struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.IDs) == 0 {
		h.writeError(w, http.StatusBadRequest, "No alert ids given")
		return
	}

	acked, err := h.svc.AcknowledgeAlerts(actor, req.IDs)
	if err != nil {
		h.writeActionError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"acknowledged": acked,
		"requested":    len(req.IDs),
	})
}

// HandleBroadcast pushes a system message to every subscriber
// POST /api/admin/broadcast
func (h *AdminHandlers) HandleBroadcast(w http.ResponseWriter, r *http.Request) {
	actor := r.Header.Get("X-Tenant-ID")
	if actor == "" {
		h.writeError(w, http.StatusUnauthorized, "Missing X-Tenant-ID header")
		return
	}

	var req struct {
		Message  string `json:"message"`
		Severity string `json:"severity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	alert, err := h.svc.Broadcast(actor, req.Message, domain.AlertSeverity(req.Severity))
	if err != nil {
		h.writeActionError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, alert)
}

// requireActor extracts the acting tenant and runs the admin check
func (h *AdminHandlers) requireActor(w http.ResponseWriter, r *http.Request, action, target string) (string, bool) {
	actor := r.Header.Get("X-Tenant-ID")
	if actor == "" {
		h.writeError(w, http.StatusUnauthorized, "Missing X-Tenant-ID header")
		return "", false
	}
	if err := h.svc.Authorise(actor, action, target); err != nil {
		h.writeActionError(w, err)
		return "", false
	}
	return actor, true
}

// writeActionError maps admin errors onto HTTP statuses
func (h *AdminHandlers) writeActionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, admin.ErrUnknownTenant):
		h.writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, admin.ErrNotAdmin),
		errors.Is(err, admin.ErrTenantSuspended),
		errors.Is(err, admin.ErrSelfSuspend),
		errors.Is(err, admin.ErrSelfDemote):
		h.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, admin.ErrLastAdmin):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, admin.ErrInvalidPatch):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, admin.ErrTenantNotFound),
		errors.Is(err, admin.ErrProfileNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	default:
		h.log.Error().Err(err).Msg("Admin action failed")
		h.writeError(w, http.StatusInternalServerError, "Admin action failed")
	}
}

// writeJSON writes a JSON response
func (h *AdminHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (h *AdminHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
