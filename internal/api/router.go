package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/alvesdmateus/instance-deployer/internal/cache"
	"github.com/alvesdmateus/instance-deployer/internal/liveshell"
	"github.com/alvesdmateus/instance-deployer/internal/observability"
	"github.com/alvesdmateus/instance-deployer/internal/progress"
	"github.com/alvesdmateus/instance-deployer/internal/remote"
	"github.com/alvesdmateus/instance-deployer/internal/state"
	"github.com/alvesdmateus/instance-deployer/pkg/crypto"
)

const healthCheckTimeout = 3 * time.Second

// Dependencies are the collaborators the API serves from
type Dependencies struct {
	Repo     *state.Repository
	Jobs     JobClient
	Cache    *cache.Cache
	Secrets  *crypto.SecretBox
	Resolver BranchResolver
	Dialer   remote.Dialer
	Hub      *progress.Hub
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer
	Gatherer prometheus.Gatherer
}

// Options tune the HTTP surface
type Options struct {
	Version     string
	CORSOrigins []string
	RateLimit   RateLimitConfig
	SSHUsername string
	Logger      zerolog.Logger
}

// Server represents the HTTP API server
type Server struct {
	router            *chi.Mux
	deps              Dependencies
	opts              Options
	deploymentHandler *DeploymentHandler
	instanceHandler   *InstanceHandler
	streamHandler     *StreamHandler
	webhookHandler    *WebhookHandler
}

// NewServer creates a new API server
func NewServer(deps Dependencies, opts Options) *Server {
	if deps.Secrets == nil {
		deps.Secrets = crypto.NewSecretBox("", "")
	}
	if deps.Hub == nil {
		deps.Hub = progress.NewHub()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	s := &Server{
		router:            chi.NewRouter(),
		deps:              deps,
		opts:              opts,
		deploymentHandler: NewDeploymentHandler(deps.Repo, deps.Jobs, deps.Cache, deps.Secrets, deps.Resolver),
		instanceHandler: NewInstanceHandler(deps.Repo, deps.Jobs, deps.Cache, deps.Secrets, deps.Dialer,
			liveshell.NewBridge(opts.Logger), opts.SSHUsername),
		streamHandler:  NewStreamHandler(deps.Hub, deps.Metrics, opts.Logger),
		webhookHandler: NewWebhookHandler(deps.Repo, deps.Jobs),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(RequestLogger)
	s.router.Use(CORSMiddleware(s.opts.CORSOrigins))
	if s.deps.Tracer != nil {
		s.router.Use(TracingMiddleware(s.deps.Tracer))
	}
	if s.deps.Metrics != nil {
		s.router.Use(MetricsMiddleware(s.deps.Metrics))
	}

	s.router.Get("/health", s.healthCheck)
	s.router.Handle("/metrics", s.metricsHandler())

	s.router.With(RateLimitMiddleware(s.opts.RateLimit)).
		Post("/webhooks/github", s.webhookHandler.GitHubPush)

	writeLimit := RateLimitMiddleware(WriteRateLimitConfig(s.opts.RateLimit))

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(RequireUser)
		r.Use(RateLimitMiddleware(s.opts.RateLimit))

		r.Route("/deployments", func(r chi.Router) {
			r.Get("/", s.deploymentHandler.ListDeployments)
			r.With(writeLimit).Post("/", s.deploymentHandler.CreateDeployment)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.deploymentHandler.GetDeployment)
				r.Get("/status", s.deploymentHandler.GetStatus)
				r.Get("/result", s.deploymentHandler.GetResult)
				r.Get("/logs", s.deploymentHandler.GetLogs)
				r.With(writeLimit).Post("/redeploy", s.deploymentHandler.Redeploy)
				r.With(writeLimit).Put("/env", s.deploymentHandler.UpdateEnv)
			})
		})

		r.Route("/instances", func(r chi.Router) {
			r.Get("/", s.instanceHandler.ListInstances)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.instanceHandler.GetInstance)
				r.With(writeLimit).Delete("/", s.instanceHandler.DeleteInstance)
				r.Get("/shell", s.instanceHandler.Shell)
			})
		})

		r.Get("/logs/stream", s.streamHandler.StreamLogs)
		r.Get("/queue/stats", s.queueStats)
	})
}

func (s *Server) metricsHandler() http.Handler {
	if s.deps.Gatherer != nil {
		return promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

// healthCheck handles GET /health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	response := HealthResponse{
		Status:   "ok",
		Database: "ok",
		Redis:    "ok",
		Version:  s.opts.Version,
	}
	if err := s.deps.Repo.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("Database health check failed")
		response.Database = "error"
		response.Status = "degraded"
	}
	if err := s.deps.Jobs.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("Redis health check failed")
		response.Redis = "error"
		response.Status = "degraded"
	}

	status := http.StatusOK
	if response.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	RespondWithJSON(w, status, response)
}

// queueStats handles GET /api/v1/queue/stats
func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Jobs.GetQueueStats(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to get queue stats")
		RespondWithError(w, http.StatusServiceUnavailable, "Failed to get queue stats")
		return
	}
	RespondWithJSON(w, http.StatusOK, stats)
}

// Handler returns the http.Handler for the server
func (s *Server) Handler() http.Handler {
	return s.router
}
