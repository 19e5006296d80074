package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ensemble"
	"github.com/opensource-finance/kestrel/internal/explain"
	"github.com/opensource-finance/kestrel/internal/feature"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/ledger"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/registry"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

// Deps bundles the backing components the API serves from.
type Deps struct {
	Repo      domain.Repository
	Cache     domain.Cache
	Bus       domain.EventBus
	Ledger    *ledger.Ledger
	Registry  *registry.Registry
	Policy    *policy.Engine
	History   *history.Provider
	Velocity  *velocity.Tracker
	Assembler *feature.Assembler
	Scorer    *ensemble.Scorer
	Ranker    *explain.Ranker
	Stats     *metrics.Tracker
	Version   string
}

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(MetricsMiddleware)      // Prometheus request metrics
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Operational endpoints
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Get("/stats", handler.Stats)
	router.Handle("/metrics", metrics.Handler())

	// Scoring
	router.Post("/score", handler.Score)
	router.Get("/decisions/{txnID}", handler.GetDecision)
	router.Get("/transactions/{txnID}", handler.GetTransaction)

	// Audit ledger
	router.Get("/audit/events", handler.AuditEvents)
	router.Get("/audit/verify", handler.AuditVerify)

	// Model registry
	router.Get("/models", handler.ListModels)
	router.Post("/models", handler.ImportModel)
	router.Get("/models/{id}", handler.GetModel)
	router.Post("/models/{id}/activate", handler.ActivateModel)
	router.Post("/models/{id}/deactivate", handler.DeactivateModel)

	// Decision policy
	router.Get("/policy", handler.GetPolicy)
	router.Put("/policy", handler.UpdatePolicy)

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
