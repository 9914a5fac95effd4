// Package server provides the HTTP server and routing for Bastion.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/archonlabs/bastion/internal/config"
	"github.com/archonlabs/bastion/internal/di"
	adminhandlers "github.com/archonlabs/bastion/internal/modules/admin/handlers"
	compliancehandlers "github.com/archonlabs/bastion/internal/modules/compliance/handlers"
	emergencyhandlers "github.com/archonlabs/bastion/internal/modules/emergency/handlers"
	signalhandlers "github.com/archonlabs/bastion/internal/modules/signals/handlers"
)

// Config holds server configuration
type Config struct {
	Log       zerolog.Logger
	Config    *config.Config
	Container *di.Container
	Port      int
	DevMode   bool
}

// Server represents the HTTP server
type Server struct {
	router          *chi.Mux
	server          *http.Server
	log             zerolog.Logger
	cfg             *config.Config
	container       *di.Container
	profileHandlers *ProfileHandlers
	systemHandlers  *SystemHandlers
	wsHandler       *WSHandler
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	c := cfg.Container

	profileHandlers := NewProfileHandlers(
		c.Profiles, c.Tenants, c.Pool, c.Admin, c.Clock, cfg.Log)
	systemHandlers := NewSystemHandlers(
		cfg.Config.DataDir, c.Databases, c.Pool, c.Hub, c.Reconcile, c.Scheduler, cfg.Log)
	wsHandler := NewWSHandler(c.Hub, c.Pool, c.Profiles, c.Tenants, c.Positions,
		cfg.Config.Hub.PingInterval, c.Clock, cfg.Log)

	s := &Server{
		router:          chi.NewRouter(),
		log:             cfg.Log.With().Str("component", "server").Logger(),
		cfg:             cfg.Config,
		container:       c,
		profileHandlers: profileHandlers,
		systemHandlers:  systemHandlers,
		wsHandler:       wsHandler,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(s.loggingMiddleware)

	// Timeout
	s.router.Use(middleware.Timeout(60 * time.Second))

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Compress responses
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes wires the module handlers onto the router
func (s *Server) setupRoutes() {
	c := s.container

	signalH := signalhandlers.NewSignalHandlers(c.Signals, s.log)
	emergencyH := emergencyhandlers.NewEmergencyHandlers(c.Emergency, c.Admin, s.log)
	adminH := adminhandlers.NewAdminHandlers(c.Admin, s.log)

	// The evidence store is optional; a typed nil must not reach the
	// interface field.
	var store compliancehandlers.ObjectStoreInterface
	if c.Store != nil {
		store = c.Store
	}
	complianceH := compliancehandlers.NewComplianceHandlers(
		c.Chains, c.Events, c.Packager, c.Decisions, store, s.log)

	guard := NewTenantGuard(c.Profiles, c.Tenants, c.Decisions, c.Admin, s.log)

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/ws/{profileID}", s.wsHandler.HandleWS)

	s.router.Route("/api", func(r chi.Router) {
		signalH.RegisterRoutes(r, guard.ProfileOwner("signals_access"))
		emergencyH.RegisterRoutes(r, guard.ProfileOwner("emergency_access"))
		complianceH.RegisterRoutes(r, guard.AdminOnly("compliance_access"))
		adminH.RegisterRoutes(r)
		s.profileHandlers.RegisterRoutes(r)
		s.systemHandlers.RegisterRoutes(r)

		// The decision lookup and chain routes share the /decisions
		// subtree, so they are mounted here rather than by either module.
		r.Route("/decisions/{decisionID}", func(r chi.Router) {
			r.Use(guard.DecisionOwner("decision_access"))

			r.Get("/", signalH.HandleGetDecision)
			r.Post("/execution", signalH.HandleReportExecution)
			r.Get("/chain", complianceH.HandleGetDecisionChain)
			r.Get("/chain/verify", complianceH.HandleVerifyDecisionChain)
		})
	})
}

// handleHealth is the liveness probe
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.container.Pool.GetStats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": stats.Sessions,
		"live":     stats.Live,
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
