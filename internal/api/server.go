package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/defterlab/kestrel/internal/alerting"
	"github.com/defterlab/kestrel/internal/domain"
	"github.com/defterlab/kestrel/internal/registry"
	"github.com/defterlab/kestrel/internal/scoring"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, reg *registry.Registry, runner *scoring.Runner, alerts *alerting.Manager, version string, tier domain.Tier) *Server {
	handler := NewHandler(repo, cache, bus, reg, runner, alerts, version, tier)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (tenant required)
	router.Route("/", func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Document ingestion and retrieval
		r.Post("/documents", handler.IngestDocument)
		r.Get("/documents/{id}", handler.GetDocument)

		// Score snapshots
		r.Get("/scores/{id}", handler.GetScore)
		r.Get("/subjects/{kind}/{id}/scores", handler.ListSubjectScores)
		r.Get("/subjects/{kind}/{id}/scores/latest", handler.GetLatestSubjectScore)

		// On-demand scoring runs
		r.Post("/companies/{id}/score", handler.ScoreCompany)
		r.Post("/batch/score", handler.RunBatch)

		// Alert triage
		r.Get("/alerts", handler.ListAlerts)
		r.Get("/alerts/{id}", handler.GetAlert)
		r.Post("/alerts/{id}/acknowledge", handler.AcknowledgeAlert)
		r.Post("/alerts/{id}/resolve", handler.ResolveAlert)
		r.Post("/alerts/{id}/ignore", handler.IgnoreAlert)

		// Rule management
		r.Get("/rules", handler.ListRules)
		r.Get("/rules/{code}", handler.GetRule)
		r.Post("/rules", handler.CreateRule)
		r.Post("/rules/reload", handler.ReloadRules)

		// Reports
		r.Get("/reports/top-rules", handler.TopRules)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
