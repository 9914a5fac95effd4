package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/archonlabs/bastion/internal/clock"
	"github.com/archonlabs/bastion/internal/domain"
	"github.com/archonlabs/bastion/internal/modules/profiles"
	"github.com/archonlabs/bastion/internal/modules/tenants"
	"github.com/archonlabs/bastion/internal/pool"
)

// AuthoriserInterface guards actions on profiles the caller does not own.
// The admin module supplies the real implementation.
type AuthoriserInterface interface {
	Authorise(tenantID, action, target string) error
}

// ProfileHandlers contains the pool and gate-config HTTP handlers
type ProfileHandlers struct {
	profiles *profiles.Repository
	tenants  *tenants.Repository
	pool     *pool.Pool
	auth     AuthoriserInterface
	clk      clock.Clock
	log      zerolog.Logger
}

// NewProfileHandlers creates a new profile handlers instance
func NewProfileHandlers(
	profileRepo *profiles.Repository,
	tenantRepo *tenants.Repository,
	p *pool.Pool,
	auth AuthoriserInterface,
	clk clock.Clock,
	log zerolog.Logger,
) *ProfileHandlers {
	return &ProfileHandlers{
		profiles: profileRepo,
		tenants:  tenantRepo,
		pool:     p,
		auth:     auth,
		clk:      clk,
		log:      log.With().Str("handler", "profiles").Logger(),
	}
}

// RegisterRoutes registers the pool and gate-config routes
func (h *ProfileHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/profiles/{profileID}", func(r chi.Router) {
		r.Post("/connect", h.HandleConnect)
		r.Post("/disconnect", h.HandleDisconnect)
		r.Get("/gate-config", h.HandleGetGateConfig)
		r.Put("/gate-config", h.HandlePutGateConfig)
	})
	r.Get("/pool/stats", h.HandlePoolStats)
}

// HandleConnect opens a broker session for the profile
// POST /api/profiles/{profileID}/connect
func (h *ProfileHandlers) HandleConnect(w http.ResponseWriter, r *http.Request) {
	profile, ok := h.requireOwner(w, r, "profile_connect")
	if !ok {
		return
	}

	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	creds := domain.BrokerCredentials{
		AccountNumber: profile.AccountNumber,
		Password:      req.Password,
		Server:        profile.Server,
	}

	session, err := h.pool.Connect(r.Context(), profile.ID, creds)
	if err != nil {
		switch {
		case errors.Is(err, pool.ErrAlreadyConnected):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, pool.ErrPoolFull):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			h.log.Error().Err(err).Str("profile_id", profile.ID).Msg("Broker connect failed")
			writeError(w, http.StatusBadGateway, "Broker refused the connection")
		}
		return
	}

	writeJSON(w, http.StatusOK, session)
}

// HandleDisconnect closes the profile's broker session. Disconnecting an
// already-closed session succeeds.
// POST /api/profiles/{profileID}/disconnect
func (h *ProfileHandlers) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	profile, ok := h.requireOwner(w, r, "profile_disconnect")
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Reason == "" {
		req.Reason = "disconnected by owner"
	}

	if err := h.pool.Disconnect(r.Context(), profile.ID, req.Reason); err != nil {
		h.log.Error().Err(err).Str("profile_id", profile.ID).Msg("Disconnect failed")
		writeError(w, http.StatusInternalServerError, "Disconnect failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"profile_id": profile.ID,
		"status":     "disconnected",
	})
}

// HandlePoolStats returns the pool occupancy counters. Admin only.
// GET /api/pool/stats
func (h *ProfileHandlers) HandlePoolStats(w http.ResponseWriter, r *http.Request) {
	actor := r.Header.Get("X-Tenant-ID")
	if actor == "" {
		writeError(w, http.StatusUnauthorized, "Missing X-Tenant-ID header")
		return
	}
	if err := h.auth.Authorise(actor, "pool_stats", ""); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, h.pool.GetStats())
}

// HandleGetGateConfig returns the profile's signal gate thresholds
// GET /api/profiles/{profileID}/gate-config
func (h *ProfileHandlers) HandleGetGateConfig(w http.ResponseWriter, r *http.Request) {
	profile, ok := h.requireOwner(w, r, "gate_config_read")
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, profile.GateConfig)
}

// HandlePutGateConfig replaces the profile's signal gate thresholds
// PUT /api/profiles/{profileID}/gate-config
func (h *ProfileHandlers) HandlePutGateConfig(w http.ResponseWriter, r *http.Request) {
	profile, ok := h.requireOwner(w, r, "gate_config_write")
	if !ok {
		return
	}

	cfg := profile.GateConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := validateGateConfig(cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.profiles.UpdateGateConfig(profile.ID, cfg, h.clk.Now()); err != nil {
		h.log.Error().Err(err).Str("profile_id", profile.ID).Msg("Gate config update failed")
		writeError(w, http.StatusInternalServerError, "Gate config update failed")
		return
	}

	writeJSON(w, http.StatusOK, cfg)
}

// validateGateConfig bounds-checks the tunable gate thresholds
func validateGateConfig(cfg domain.GateConfig) error {
	if cfg.MinConfidence < 0 || cfg.MinConfidence > 1 {
		return errors.New("min_confidence must be between 0 and 1")
	}
	if cfg.MaxDailySignals < 0 {
		return errors.New("max_daily_signals must not be negative")
	}
	if cfg.MaxConcurrentPositions < 0 {
		return errors.New("max_concurrent_positions must not be negative")
	}
	if cfg.MaxDrawdownToTrade < 0 || cfg.MaxDrawdownToTrade > 1 {
		return errors.New("max_drawdown_to_trade must be between 0 and 1")
	}
	if cfg.MaxCorrelationExposure < 0 || cfg.MaxCorrelationExposure > 1 {
		return errors.New("max_correlation_exposure must be between 0 and 1")
	}
	if cfg.NoTradeBeforeNewsMinutes < 0 || cfg.NoTradeAfterNewsMinutes < 0 {
		return errors.New("news windows must not be negative")
	}
	for day, window := range cfg.AllowedTradingHours {
		if !validWeekday(day) {
			return fmt.Errorf("unknown weekday %q in allowed_trading_hours", day)
		}
		if _, _, err := domain.ParseTradingWindow(window); err != nil {
			return err
		}
	}
	return nil
}

func validWeekday(day string) bool {
	switch day {
	case "monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday":
		return true
	}
	return false
}

// requireOwner resolves the acting tenant and the target profile. The owner
// passes directly; anyone else needs an admin grant for the action.
func (h *ProfileHandlers) requireOwner(w http.ResponseWriter, r *http.Request, action string) (*domain.Profile, bool) {
	actor := r.Header.Get("X-Tenant-ID")
	if actor == "" {
		writeError(w, http.StatusUnauthorized, "Missing X-Tenant-ID header")
		return nil, false
	}

	profileID := chi.URLParam(r, "profileID")
	profile, err := h.profiles.GetByID(profileID)
	if err != nil {
		h.log.Error().Err(err).Str("profile_id", profileID).Msg("Profile lookup failed")
		writeError(w, http.StatusInternalServerError, "Profile lookup failed")
		return nil, false
	}
	if profile == nil {
		writeError(w, http.StatusNotFound, "Profile not found")
		return nil, false
	}

	if profile.TenantID == actor {
		tenant, err := h.tenants.GetByID(actor)
		if err != nil {
			h.log.Error().Err(err).Str("tenant_id", actor).Msg("Tenant lookup failed")
			writeError(w, http.StatusInternalServerError, "Tenant lookup failed")
			return nil, false
		}
		if tenant == nil {
			writeError(w, http.StatusUnauthorized, "Unknown tenant")
			return nil, false
		}
		if tenant.Status == domain.TenantSuspended {
			writeError(w, http.StatusForbidden, "Tenant is suspended")
			return nil, false
		}
		return profile, true
	}

	if err := h.auth.Authorise(actor, action, profileID); err != nil {
		h.log.Warn().
			Str("tenant_id", actor).
			Str("action", action).
			Str("profile_id", profileID).
			Msg("Profile action refused")
		writeError(w, http.StatusForbidden, err.Error())
		return nil, false
	}
	return profile, true
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
