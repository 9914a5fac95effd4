package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the compliance audit routes behind the
// caller's admin middleware. The per-decision chain routes live under
// /decisions and are wired by the server next to the signal gate's
// decision routes.
func (h *ComplianceHandlers) RegisterRoutes(r chi.Router, admin func(http.Handler) http.Handler) {
	r.Route("/compliance", func(r chi.Router) {
		r.Use(admin)

		r.Route("/chains", func(r chi.Router) {
			r.Get("/", h.HandleQueryChains)
			r.Get("/{chainID}", h.HandleGetChain)
			r.Get("/{chainID}/verify", h.HandleVerifyChain)
			r.Get("/{chainID}/timeline", h.HandleChainTimeline)
		})

		r.Get("/events", h.HandleListEvents)
		r.Post("/evidence", h.HandleBuildEvidence)
	})
}
