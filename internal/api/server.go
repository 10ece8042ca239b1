package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-credit/kestrel/internal/analyzer"
	"github.com/opensource-credit/kestrel/internal/domain"
	"github.com/opensource-credit/kestrel/internal/experiment"
	"github.com/opensource-credit/kestrel/internal/exposure"
	"github.com/opensource-credit/kestrel/internal/registry"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Dependencies) *Server {
	handler := NewHandler(deps)
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

		// Model version registry
		r.Route("/models", func(r chi.Router) {
			r.Get("/", handler.ListModelVersions)
			r.Post("/", handler.CreateModelVersion)
			r.Post("/from-adjustment", handler.CreateVersionFromAdjustment)
			r.Get("/active", handler.GetActiveModelVersion)
			r.Get("/compare", handler.CompareModelVersions)
			r.Get("/{id}", handler.GetModelVersion)
			r.Post("/{id}/submit", handler.SubmitModelVersion)
			r.Post("/{id}/metrics", handler.RecordModelMetrics)
			r.Post("/{id}/promote", handler.PromoteModelVersion)
			r.Post("/{id}/archive", handler.ArchiveModelVersion)
			r.Get("/{id}/features", handler.ListFeaturePerformance)
		})

		// A/B experiments
		r.Route("/experiments", func(r chi.Router) {
			r.Get("/", handler.ListExperiments)
			r.Post("/", handler.CreateExperiment)
			r.Get("/{id}", handler.GetExperiment)
			r.Post("/{id}/start", handler.StartExperiment)
			r.Post("/{id}/pause", handler.PauseExperiment)
			r.Post("/{id}/resume", handler.ResumeExperiment)
			r.Post("/{id}/stop", handler.StopExperiment)
			r.Post("/{id}/cancel", handler.CancelExperiment)
			r.Get("/{id}/results", handler.ExperimentResults)
			r.Get("/{id}/exposure", handler.ExperimentExposure)
		})

		// Assignment hot path and outcome ingestion
		r.Post("/assign", handler.Assign)
		r.Post("/outcomes", handler.RecordOutcome)

		// Feature performance analysis
		r.Post("/analyze", handler.Analyze)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Dependencies bundles the services the handlers delegate to.
type Dependencies struct {
	Repo       domain.Repository
	Cache      domain.Cache
	Bus        domain.EventBus
	Registry   *registry.Service
	Analyzer   *analyzer.Analyzer
	Controller *experiment.Controller
	Exposure   *exposure.Service
	Version    string

	// AsyncOutcomes defers experiment arm counting to the bus worker.
	AsyncOutcomes bool
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
