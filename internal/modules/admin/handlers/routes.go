package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the admin plane under /admin
func (h *AdminHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Get("/dashboard", h.HandleDashboard)

		r.Get("/tenants", h.HandleListTenants)
		r.Patch("/tenants/{tenantID}", h.HandlePatchTenant)
		r.Post("/tenants/{tenantID}/suspend", h.HandleSuspendTenant)

		r.Get("/profiles", h.HandleListProfiles)
		r.Patch("/profiles/{profileID}", h.HandlePatchProfile)
		r.Post("/profiles/{profileID}/disconnect", h.HandleForceDisconnect)

		r.Get("/alerts", h.HandleListAlerts)
		r.Post("/alerts", h.HandleCreateAlert)
		r.Post("/alerts/acknowledge", h.HandleAcknowledgeAlerts)

		r.Post("/broadcast", h.HandleBroadcast)
	})
}
