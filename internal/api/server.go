package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mailward/mailward/internal/dispatch"
	"github.com/mailward/mailward/internal/engage"
	"github.com/mailward/mailward/internal/lifecycle"
	"github.com/mailward/mailward/internal/metrics"
	"github.com/mailward/mailward/internal/repository"
	"github.com/mailward/mailward/internal/resolver"
)

// Config holds HTTP server settings
type Config struct {
	ListenAddr     string
	APIKey         string
	WebhookSecrets map[string]string // provider -> HMAC secret, empty disables verification
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	config     *Config
	logger     *slog.Logger

	lifecycle    *lifecycle.Service
	resolver     *resolver.Resolver
	dispatcher   *dispatch.Dispatcher
	processor    *engage.Processor
	adapters     map[string]engage.Adapter
	campaigns    *repository.CampaignRepository
	recipients   *repository.RecipientRepository
	suppressions *repository.SuppressionRepository
	contacts     *repository.ContactRepository
	templates    *repository.TemplateRepository
	metrics      *metrics.Metrics
}

// NewServer creates a new API server
func NewServer(
	cfg *Config,
	lc *lifecycle.Service,
	res *resolver.Resolver,
	dispatcher *dispatch.Dispatcher,
	processor *engage.Processor,
	campaigns *repository.CampaignRepository,
	recipients *repository.RecipientRepository,
	suppressions *repository.SuppressionRepository,
	contacts *repository.ContactRepository,
	templates *repository.TemplateRepository,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Server {
	s := &Server{
		router:       chi.NewRouter(),
		config:       cfg,
		logger:       logger.With("component", "api"),
		lifecycle:    lc,
		resolver:     res,
		dispatcher:   dispatcher,
		processor:    processor,
		adapters:     engage.Adapters(),
		campaigns:    campaigns,
		recipients:   recipients,
		suppressions: suppressions,
		contacts:     contacts,
		templates:    templates,
		metrics:      m,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check and metrics (no auth required)
	s.router.Get("/health", s.handleHealth)
	if s.metrics != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	}

	// Tracking endpoints are reached from recipient mail clients
	s.router.Get("/t/open/{recipientID}.gif", s.handleTrackOpen)
	s.router.Get("/t/click/{recipientID}", s.handleTrackClick)
	s.router.Get("/t/unsub/{recipientID}", s.handleTrackUnsubscribe)

	// Provider callbacks are HMAC-verified, not API-key authed
	s.router.Post("/webhooks/{provider}", s.handleWebhook)

	// API v1 routes (auth required)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", s.handleCreateCampaign)
			r.Get("/", s.handleListCampaigns)
			r.Get("/{id}", s.handleGetCampaign)
			r.Put("/{id}", s.handleUpdateCampaign)
			r.Delete("/{id}", s.handleDeleteCampaign)

			r.Post("/{id}/schedule", s.handleScheduleCampaign)
			r.Post("/{id}/start", s.handleStartCampaign)
			r.Post("/{id}/pause", s.handlePauseCampaign)
			r.Post("/{id}/resume", s.handleResumeCampaign)
			r.Post("/{id}/cancel", s.handleCancelCampaign)

			r.Post("/{id}/test-send", s.handleTestSend)
			r.Get("/{id}/analytics", s.handleAnalytics)
			r.Get("/{id}/variants", s.handleVariantStats)

			r.Post("/{id}/preview", s.handlePreviewRecipients)
			r.Post("/{id}/populate", s.handlePopulateRecipients)
			r.Get("/{id}/recipients", s.handleListRecipients)
		})

		r.Route("/suppressions", func(r chi.Router) {
			r.Get("/", s.handleListSuppressions)
			r.Post("/", s.handleAddSuppression)
			r.Delete("/", s.handleRemoveSuppression)
		})

		r.Post("/templates", s.handleCreateTemplate)
		r.Get("/templates/{id}", s.handleGetTemplate)
		r.Post("/contacts", s.handleCreateContact)
	})
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Router exposes the handler for tests
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
