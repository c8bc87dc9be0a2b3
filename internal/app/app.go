// Package app wires configuration into the long-running components shared by
// the api, worker and combined server binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/alvesdmateus/instance-deployer/internal/api"
	"github.com/alvesdmateus/instance-deployer/internal/cache"
	"github.com/alvesdmateus/instance-deployer/internal/gitref"
	"github.com/alvesdmateus/instance-deployer/internal/observability"
	"github.com/alvesdmateus/instance-deployer/internal/orchestrator"
	"github.com/alvesdmateus/instance-deployer/internal/progress"
	"github.com/alvesdmateus/instance-deployer/internal/provisioner"
	"github.com/alvesdmateus/instance-deployer/internal/proxy"
	"github.com/alvesdmateus/instance-deployer/internal/queue"
	"github.com/alvesdmateus/instance-deployer/internal/remote"
	"github.com/alvesdmateus/instance-deployer/internal/state"
	"github.com/alvesdmateus/instance-deployer/pkg/config"
	"github.com/alvesdmateus/instance-deployer/pkg/crypto"
	"github.com/alvesdmateus/instance-deployer/pkg/database"
)

// MetricsNamespace prefixes every exported series
const MetricsNamespace = "deployer"

// Runtime holds the connections shared by every component of one process
type Runtime struct {
	Config   *config.Config
	DB       *gorm.DB
	Repo     *state.Repository
	Queue    *queue.RedisQueue
	Cache    *cache.Cache
	Secrets  *crypto.SecretBox
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer
	Registry *prometheus.Registry
	Logger   zerolog.Logger

	closers []func()
}

// Open connects to the database and redis, migrates the schema and starts
// the tracer. Close releases everything Open acquired.
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Runtime, error) {
	rt := &Runtime{
		Config:  cfg,
		Secrets: crypto.NewSecretBox(cfg.Secrets.Key, cfg.Secrets.IV),
		Logger:  logger,
	}

	db, err := database.New(DatabaseConfig(cfg.Database))
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	rt.DB = db
	rt.onClose(func() {
		if err := database.Close(db); err != nil {
			logger.Warn().Err(err).Msg("Failed to close database")
		}
	})

	if err := state.Migrate(db); err != nil {
		rt.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	rt.Repo = state.NewRepository(db)

	q, err := queue.NewRedisQueue(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	rt.Queue = q
	rt.onClose(func() { _ = q.Close() })
	rt.Cache = cache.New(q.Client(), cfg.Cache.ListTTL, cfg.Cache.ResultTTL)

	if err := observability.InitGlobalTracer(ctx, TracingConfig(cfg.Tracing)); err != nil {
		logger.Warn().Err(err).Msg("Tracing disabled")
	}
	rt.Tracer = observability.GetGlobalTracer()
	rt.onClose(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := observability.ShutdownGlobalTracer(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Failed to flush traces")
		}
	})

	rt.Registry = prometheus.NewRegistry()
	rt.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rt.Metrics = observability.NewMetrics(MetricsNamespace, rt.Registry)

	return rt, nil
}

func (rt *Runtime) onClose(fn func()) {
	rt.closers = append(rt.closers, fn)
}

// Close releases resources in reverse acquisition order
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

// Publisher fans progress out to redis pub/sub plus the optional NATS and
// HTTP relay sinks.
func (rt *Runtime) Publisher() progress.Publisher {
	cfg := rt.Config.Progress
	sinks := progress.Fanout{progress.NewRedisPublisher(rt.Queue.Client(), cfg.ChannelPrefix)}

	if cfg.NATSURL != "" {
		nc, err := progress.NewNATSPublisher(cfg.NATSURL, rt.Logger)
		if err != nil {
			rt.Logger.Warn().Err(err).Str("url", cfg.NATSURL).Msg("NATS progress sink disabled")
		} else {
			sinks = append(sinks, nc)
			rt.onClose(nc.Close)
		}
	}
	if cfg.RelayURL != "" {
		sinks = append(sinks, progress.NewHTTPRelay(cfg.RelayURL, cfg.RelayTimeout))
	}
	return sinks
}

// Engine builds the pipeline engine against AWS and SSH
func (rt *Runtime) Engine() *orchestrator.Engine {
	cfg := rt.Config
	prov := provisioner.New(
		provisioner.AWSClientFactory{},
		provisioner.NewTracker(rt.Repo, rt.Secrets),
		ProvisionerConfig(cfg.Provisioner),
		rt.Metrics,
		rt.Logger,
	)

	return orchestrator.NewEngine(orchestrator.Dependencies{
		Repo:        rt.Repo,
		Provisioner: prov,
		Dialer:      remote.NewSSHDialer(cfg.SSH.DialTimeout, rt.Logger),
		Locker:      proxy.NewRedisLocker(rt.Queue.Client(), cfg.Worker.ProxyLockTTL),
		Cache:       rt.Cache,
		Publisher:   rt.Publisher(),
		Secrets:     rt.Secrets,
		Metrics:     rt.Metrics,
		Tracer:      rt.Tracer,
	}, orchestrator.Config{
		SSHUsername:     cfg.SSH.Username,
		ConnectAttempts: cfg.SSH.ConnectAttempts,
		RetryDelay:      cfg.SSH.RetryDelay,
		DefaultRegion:   cfg.Provisioner.DefaultRegion,
	}, rt.Logger)
}

// Worker builds a queue consumer driving a fresh engine
func (rt *Runtime) Worker() *orchestrator.Worker {
	w := orchestrator.NewWorker(rt.Queue, rt.Engine(), rt.Config.Worker.Concurrency, rt.Metrics, rt.Logger)
	w.SetPollTimeout(rt.Config.Worker.PollInterval)
	return w
}

// APIServer builds the HTTP API fed by hub
func (rt *Runtime) APIServer(hub *progress.Hub, version string) *api.Server {
	cfg := rt.Config
	deps := api.Dependencies{
		Repo:     rt.Repo,
		Jobs:     orchestrator.NewClient(rt.Queue, rt.Logger),
		Cache:    rt.Cache,
		Secrets:  rt.Secrets,
		Dialer:   remote.NewSSHDialer(cfg.SSH.DialTimeout, rt.Logger),
		Hub:      hub,
		Metrics:  rt.Metrics,
		Tracer:   rt.Tracer,
		Gatherer: rt.Registry,
	}
	if cfg.Git.VerifyBranch {
		deps.Resolver = gitref.NewResolver(cfg.Git.Timeout)
	}

	return api.NewServer(deps, api.Options{
		Version:     version,
		CORSOrigins: cfg.Server.CORSOrigins,
		RateLimit:   RateLimitConfig(cfg.RateLimit),
		SSHUsername: cfg.SSH.Username,
		Logger:      rt.Logger,
	})
}

// ForwardProgress relays published lines into hub until ctx is done
func (rt *Runtime) ForwardProgress(ctx context.Context, hub *progress.Hub) error {
	return progress.Forward(ctx, rt.Queue.Client(), rt.Config.Progress.ChannelPrefix, hub, rt.Logger)
}

// HTTPServer wraps handler with the configured timeouts
func (rt *Runtime) HTTPServer(handler http.Handler) *http.Server {
	cfg := rt.Config.Server
	return &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
}

// Serve runs srv until ctx is cancelled, then shuts it down gracefully
func Serve(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration, logger zerolog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("API server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}
