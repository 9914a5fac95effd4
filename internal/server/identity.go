package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/archonlabs/bastion/internal/domain"
)

// ProfileReaderInterface resolves profiles for the ownership checks
type ProfileReaderInterface interface {
	GetByID(id string) (*domain.Profile, error)
}

// TenantReaderInterface resolves the acting tenant
type TenantReaderInterface interface {
	GetByID(id string) (*domain.Tenant, error)
}

// DecisionReaderInterface resolves decisions to their owning profile
type DecisionReaderInterface interface {
	GetByID(id string) (*domain.Decision, error)
}

// TenantGuard gates profile- and decision-scoped routes on the acting
// tenant. The owner of the target profile passes directly; anyone else
// needs an admin grant for the action. Refused non-owners get the same
// 404 an unknown profile would, so the surface does not confirm which
// profile IDs exist.
type TenantGuard struct {
	profiles  ProfileReaderInterface
	tenants   TenantReaderInterface
	decisions DecisionReaderInterface
	auth      AuthoriserInterface
	log       zerolog.Logger
}

// NewTenantGuard creates the route guard
func NewTenantGuard(
	profiles ProfileReaderInterface,
	tenants TenantReaderInterface,
	decisions DecisionReaderInterface,
	auth AuthoriserInterface,
	log zerolog.Logger,
) *TenantGuard {
	return &TenantGuard{
		profiles:  profiles,
		tenants:   tenants,
		decisions: decisions,
		auth:      auth,
		log:       log.With().Str("component", "tenant_guard").Logger(),
	}
}

// ProfileOwner guards routes carrying a {profileID} URL parameter
func (g *TenantGuard) ProfileOwner(action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			profileID := chi.URLParam(r, "profileID")
			if g.allowProfile(w, r, action, profileID, "Profile not found") {
				next.ServeHTTP(w, r)
			}
		})
	}
}

// DecisionOwner guards routes carrying a {decisionID} URL parameter by
// resolving the decision to its owning profile
func (g *TenantGuard) DecisionOwner(action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decisionID := chi.URLParam(r, "decisionID")
			decision, err := g.decisions.GetByID(decisionID)
			if err != nil {
				g.log.Error().Err(err).Str("decision_id", decisionID).Msg("Decision lookup failed")
				writeError(w, http.StatusInternalServerError, "Decision lookup failed")
				return
			}
			if decision == nil {
				writeError(w, http.StatusNotFound, "Decision not found")
				return
			}
			if g.allowProfile(w, r, action, decision.Signal.ProfileID, "Decision not found") {
				next.ServeHTTP(w, r)
			}
		})
	}
}

// AdminOnly guards routes with no profile scope, like the compliance
// audit surface
func (g *TenantGuard) AdminOnly(action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := r.Header.Get("X-Tenant-ID")
			if actor == "" {
				writeError(w, http.StatusUnauthorized, "Missing X-Tenant-ID header")
				return
			}
			if err := g.auth.Authorise(actor, action, ""); err != nil {
				g.log.Warn().
					Str("tenant_id", actor).
					Str("action", action).
					Msg("Admin action refused")
				writeError(w, http.StatusForbidden, err.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// allowProfile runs the ownership check for one profile target. Writes
// the refusal response and returns false when the caller must not pass.
func (g *TenantGuard) allowProfile(w http.ResponseWriter, r *http.Request, action, profileID, notFound string) bool {
	actor := r.Header.Get("X-Tenant-ID")
	if actor == "" {
		writeError(w, http.StatusUnauthorized, "Missing X-Tenant-ID header")
		return false
	}

	profile, err := g.profiles.GetByID(profileID)
	if err != nil {
		g.log.Error().Err(err).Str("profile_id", profileID).Msg("Profile lookup failed")
		writeError(w, http.StatusInternalServerError, "Profile lookup failed")
		return false
	}
	if profile == nil {
		writeError(w, http.StatusNotFound, notFound)
		return false
	}

	if profile.TenantID == actor {
		tenant, err := g.tenants.GetByID(actor)
		if err != nil {
			g.log.Error().Err(err).Str("tenant_id", actor).Msg("Tenant lookup failed")
			writeError(w, http.StatusInternalServerError, "Tenant lookup failed")
			return false
		}
		if tenant == nil {
			writeError(w, http.StatusUnauthorized, "Unknown tenant")
			return false
		}
		if tenant.Status == domain.TenantSuspended {
			writeError(w, http.StatusForbidden, "Tenant is suspended")
			return false
		}
		return true
	}

	if err := g.auth.Authorise(actor, action, profileID); err != nil {
		g.log.Warn().
			Str("tenant_id", actor).
			Str("action", action).
			Str("profile_id", profileID).
			Msg("Cross-tenant access refused")
		writeError(w, http.StatusNotFound, notFound)
		return false
	}
	return true
}
