package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the profile-scoped signal gate routes behind
// the caller's ownership middleware. The decision lookup routes live
// under /decisions and are wired by the server next to the compliance
// chain routes.
func (h *SignalHandlers) RegisterRoutes(r chi.Router, owner func(http.Handler) http.Handler) {
	r.Route("/profiles/{profileID}/signals", func(r chi.Router) {
		r.Use(owner)

		r.Post("/", h.HandleSubmit)
		r.Post("/batch", h.HandleSubmitBatch)

		r.Get("/recent", h.HandleRecent)
		r.Get("/stats", h.HandleStats)
		r.Get("/rate-limit", h.HandleRateLimit)
	})
}
