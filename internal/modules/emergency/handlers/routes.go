package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the profile-scoped emergency control routes
// behind the caller's ownership middleware; the mutations additionally run
// their own admin check. Narrow subtrees keep the shared {profileID}
// segment compatible with the other modules mounted beside it.
func (h *EmergencyHandlers) RegisterRoutes(r chi.Router, owner func(http.Handler) http.Handler) {
	r.Route("/profiles/{profileID}/kill-switch", func(r chi.Router) {
		r.Use(owner)
		r.Post("/", h.HandleActivateKillSwitch)
		r.Post("/release", h.HandleReleaseKillSwitch)
	})
	r.Route("/profiles/{profileID}/panic", func(r chi.Router) {
		r.Use(owner)
		r.Get("/", h.HandleGetPanic)
		r.Post("/", h.HandleTriggerPanic)
		r.Post("/reset", h.HandleResetPanic)
	})
}
