// Package orchestrator sequences provisioning, remote setup and routing for
// each deployment job, and runs the worker pool that consumes those jobs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/alvesdmateus/instance-deployer/internal/cache"
	"github.com/alvesdmateus/instance-deployer/internal/configurator"
	"github.com/alvesdmateus/instance-deployer/internal/observability"
	"github.com/alvesdmateus/instance-deployer/internal/progress"
	"github.com/alvesdmateus/instance-deployer/internal/provisioner"
	"github.com/alvesdmateus/instance-deployer/internal/proxy"
	"github.com/alvesdmateus/instance-deployer/internal/queue"
	"github.com/alvesdmateus/instance-deployer/internal/remote"
	"github.com/alvesdmateus/instance-deployer/internal/reposync"
	"github.com/alvesdmateus/instance-deployer/internal/stack"
	"github.com/alvesdmateus/instance-deployer/internal/state"
	"github.com/alvesdmateus/instance-deployer/pkg/crypto"
	"github.com/alvesdmateus/instance-deployer/pkg/models"
)

// Provisioner creates and tears down instances
type Provisioner interface {
	Provision(ctx context.Context, req provisioner.Request, reporter progress.Reporter) (*state.Instance, *provisioner.Result, error)
	Destroy(ctx context.Context, req provisioner.DestroyRequest, reporter progress.Reporter) error
}

// Config tunes how the engine reaches instances
type Config struct {
	SSHUsername     string
	ConnectAttempts int
	RetryDelay      time.Duration
	DefaultRegion   string
}

// DefaultConfig returns the connection settings used when nothing is configured
func DefaultConfig() Config {
	return Config{
		SSHUsername:     "ubuntu",
		ConnectAttempts: 20,
		RetryDelay:      5 * time.Second,
	}
}

// Dependencies are the collaborators an Engine drives. Cache, Publisher,
// Metrics and Tracer are optional.
type Dependencies struct {
	Repo         *state.Repository
	Provisioner  Provisioner
	Dialer       remote.Dialer
	Installer    *stack.Installer
	Synchronizer *reposync.Synchronizer
	Configurator *configurator.Configurator
	Proxy        *proxy.Writer
	Locker       proxy.Locker
	Cache        *cache.Cache
	Publisher    progress.Publisher
	Secrets      *crypto.SecretBox
	Metrics      *observability.Metrics
	Tracer       *observability.Tracer
}

// Engine runs deployment pipelines
type Engine struct {
	repo         *state.Repository
	provisioner  Provisioner
	dialer       remote.Dialer
	installer    *stack.Installer
	synchronizer *reposync.Synchronizer
	configurator *configurator.Configurator
	proxy        *proxy.Writer
	locker       proxy.Locker
	cache        *cache.Cache
	publisher    progress.Publisher
	secrets      *crypto.SecretBox
	metrics      *observability.Metrics
	tracer       *observability.Tracer
	config       Config
	logger       zerolog.Logger
}

// NewEngine creates a new orchestrator engine
func NewEngine(deps Dependencies, config Config, logger zerolog.Logger) *Engine {
	logger = logger.With().Str("component", "orchestrator").Logger()

	e := &Engine{
		repo:         deps.Repo,
		provisioner:  deps.Provisioner,
		dialer:       deps.Dialer,
		installer:    deps.Installer,
		synchronizer: deps.Synchronizer,
		configurator: deps.Configurator,
		proxy:        deps.Proxy,
		locker:       deps.Locker,
		cache:        deps.Cache,
		publisher:    deps.Publisher,
		secrets:      deps.Secrets,
		metrics:      deps.Metrics,
		tracer:       deps.Tracer,
		config:       config,
		logger:       logger,
	}

	if e.installer == nil {
		e.installer = stack.NewInstaller(logger)
	}
	if e.synchronizer == nil {
		e.synchronizer = reposync.NewSynchronizer(logger)
	}
	if e.configurator == nil {
		e.configurator = configurator.New(logger)
	}
	if e.proxy == nil {
		e.proxy = proxy.NewWriter(logger)
	}
	if e.locker == nil {
		e.locker = proxy.NewLocalLocker()
	}
	if e.secrets == nil {
		e.secrets = crypto.NewSecretBox("", "")
	}
	if e.tracer == nil {
		e.tracer = observability.GetGlobalTracer()
	}
	if e.config.SSHUsername == "" {
		e.config.SSHUsername = DefaultConfig().SSHUsername
	}
	if e.config.ConnectAttempts < 1 {
		e.config.ConnectAttempts = DefaultConfig().ConnectAttempts
	}

	return e
}

// run is the state of one pipeline attempt
type run struct {
	op   string
	job  *queue.Job
	dep  *state.Deployment
	inst *state.Instance
	log  *DeploymentLogger
	span trace.Span

	env        string
	privateKey string
	paths      reposync.Paths
	outcome    configurator.Outcome
	failedIn   models.Phase
}

// ExposedURL is where a routed deployment is reachable
func ExposedURL(publicIP, slug string) string {
	return fmt.Sprintf("http://%s/%s/", publicIP, slug)
}

func (e *Engine) loadDeployment(ctx context.Context, raw string) (*state.Deployment, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse deployment ID: %w", err)
	}
	dep, err := e.repo.GetDeployment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get deployment: %w", err)
	}
	return dep, nil
}

// begin marks the row RUNNING and opens the job span
func (e *Engine) begin(ctx context.Context, op string, job *queue.Job, dep *state.Deployment) (context.Context, *run) {
	logger := e.logger.With().
		Str("job_id", job.ID).
		Str("deployment_id", dep.ID.String()).
		Str("slug", dep.Slug).
		Logger()

	depID := dep.ID
	r := &run{
		op:  op,
		job: job,
		dep: dep,
		log: NewDeploymentLogger(e.repo, e.publisher, jobRef{
			userID:       dep.UserID,
			jobID:        job.ID,
			deploymentID: &depID,
			instanceID:   dep.InstanceID,
		}, logger),
	}

	attrs := append(observability.JobSpanAttributes(job.ID, string(job.Type), dep.UserID),
		observability.DeploymentSpanAttributes(dep.ID.String(), dep.Slug, string(dep.AppKind))...)
	ctx, r.span = e.tracer.StartSpan(ctx, "pipeline."+op, trace.WithAttributes(attrs...))

	if err := e.repo.MarkDeploymentRunning(ctx, dep.ID); err != nil {
		logger.Warn().Err(err).Msg("Failed to mark deployment running")
	}
	now := time.Now()
	dep.Status = models.StatusRunning
	dep.StartedAt = &now
	dep.FinishedAt = nil

	e.setStatus(ctx, dep.ID, models.StatusRunning, models.PhaseReceived)
	r.log.Log(ctx, fmt.Sprintf("Job received: %s %s (%s)", op, dep.Slug, dep.AppKind))

	if e.metrics != nil {
		e.metrics.IncActiveDeployments()
	}
	return ctx, r
}

// phase runs fn as one observable pipeline phase
func (e *Engine) phase(ctx context.Context, r *run, phase models.Phase, fn func(ctx context.Context) error) error {
	r.log.SetPhase(phase)
	e.setStatus(ctx, r.dep.ID, models.StatusRunning, phase)

	ctx, span := e.tracer.StartPhase(ctx, string(phase), r.dep.ID.String())
	start := time.Now()
	err := fn(ctx)
	observability.EndSpan(span, err)

	status := "success"
	if err != nil {
		status = "failed"
		r.failedIn = phase
	}
	if e.metrics != nil {
		e.metrics.RecordPhaseDuration(string(phase), status, time.Since(start).Seconds())
	}
	return err
}

// attach links the run's instance to the deployment row
func (e *Engine) attach(ctx context.Context, r *run) error {
	id := r.inst.ID
	r.dep.InstanceID = &id
	r.log.SetInstance(id)
	if err := e.repo.UpdateDeployment(ctx, r.dep); err != nil {
		return fmt.Errorf("attach instance: %w", err)
	}
	return nil
}

// pipeline runs CONNECTING through PERSISTING against r.inst
func (e *Engine) pipeline(ctx context.Context, r *run, isRedeploy bool) error {
	var session remote.Session
	defer func() {
		if session != nil {
			if err := session.Close(); err != nil {
				e.logger.Debug().Err(err).Msg("Failed to close remote session")
			}
		}
	}()

	if err := e.phase(ctx, r, models.PhaseConnecting, func(ctx context.Context) error {
		var err error
		session, err = e.connect(ctx, r.inst, r.log)
		return err
	}); err != nil {
		return err
	}

	if !isRedeploy {
		if err := e.phase(ctx, r, models.PhaseInstalling, func(ctx context.Context) error {
			_, err := e.installer.Install(ctx, session, r.dep.AppKind, r.log)
			return err
		}); err != nil {
			return err
		}
	}

	if err := e.phase(ctx, r, models.PhaseSyncing, func(ctx context.Context) error {
		paths, err := reposync.BuildAppPaths(r.dep.Slug, r.dep.SubPath)
		if err != nil {
			return err
		}
		r.paths = paths
		return e.synchronizer.Sync(ctx, session, reposync.Request{
			RepoURL:    r.dep.RepoURL,
			Branch:     r.dep.Branch,
			Paths:      paths,
			IsRedeploy: isRedeploy,
		}, r.log)
	}); err != nil {
		return err
	}

	if err := e.phase(ctx, r, models.PhaseConfiguring, func(ctx context.Context) error {
		wrote, err := configurator.WriteEnvFile(ctx, session, r.paths.AppDir, r.env)
		if err != nil {
			return err
		}
		if wrote {
			r.log.Log(ctx, "Environment file written")
		}
		r.outcome, err = e.configurator.Configure(ctx, session, r.dep.AppKind, configurator.Params{
			AppDir:     r.paths.AppDir,
			EntryPoint: r.dep.EntryPoint,
			Slug:       r.dep.Slug,
			Port:       r.dep.Port,
		}, r.log)
		return err
	}); err != nil {
		return err
	}

	if err := e.phase(ctx, r, models.PhaseRouting, func(ctx context.Context) error {
		return e.route(ctx, session, r)
	}); err != nil {
		return err
	}

	return e.phase(ctx, r, models.PhasePersisting, func(ctx context.Context) error {
		return e.persist(ctx, r)
	})
}

// connect waits for the instance to accept a session
func (e *Engine) connect(ctx context.Context, inst *state.Instance, reporter progress.Reporter) (remote.Session, error) {
	username := inst.SSHUsername
	if username == "" {
		username = e.config.SSHUsername
	}
	target := remote.Target{
		Host:       inst.PublicIP,
		Username:   username,
		PrivateKey: []byte(e.secrets.Decrypt(inst.PrivateKey)),
	}

	reporter.Log(ctx, fmt.Sprintf("Connecting to %s@%s", username, inst.PublicIP))
	session, err := remote.WaitUntilReady(ctx, e.dialer, target, e.config.ConnectAttempts, e.config.RetryDelay, func(attempt int, err error) {
		reporter.Log(ctx, fmt.Sprintf("SSH not ready (attempt %d/%d), retrying...", attempt, e.config.ConnectAttempts))
	})
	if err != nil {
		return nil, err
	}
	reporter.Log(ctx, "SSH connection established")
	return session, nil
}

// route writes the proxy entry while holding the instance's proxy lock
func (e *Engine) route(ctx context.Context, session remote.Session, r *run) error {
	unlock, err := e.locker.Lock(ctx, "proxy:"+r.inst.ID.String())
	if err != nil {
		return fmt.Errorf("failed to lock proxy config: %w", err)
	}
	defer unlock()

	if err := e.proxy.EnsureBase(ctx, session, r.log); err != nil {
		return err
	}
	_, err = e.proxy.WriteLocation(ctx, session, proxy.Route{
		Slug:    r.dep.Slug,
		Kind:    r.dep.AppKind,
		Port:    r.outcome.Port,
		WebRoot: r.outcome.WebRoot,
	}, r.log)
	return err
}

// persist records the successful attempt on the deployment row
func (e *Engine) persist(ctx context.Context, r *run) error {
	env, err := e.secrets.Encrypt(r.env)
	if err != nil {
		return fmt.Errorf("failed to encrypt env: %w", err)
	}

	now := time.Now()
	r.dep.Status = models.StatusSuccess
	r.dep.RepoDir = r.paths.RepoDir
	r.dep.AppDir = r.paths.AppDir
	if r.outcome.EntryPoint != "" {
		r.dep.EntryPoint = r.outcome.EntryPoint
	}
	if r.outcome.Port > 0 {
		r.dep.Port = r.outcome.Port
	}
	r.dep.EnvVars = env
	r.dep.ExposedURL = ExposedURL(r.inst.PublicIP, r.dep.Slug)
	r.dep.Logs = "Deployment successful"
	r.dep.FinishedAt = &now

	return e.repo.UpdateDeployment(ctx, r.dep)
}

// complete settles the attempt. err is returned unchanged so the worker
// sees the pipeline's own error.
func (e *Engine) complete(ctx context.Context, r *run, err error) error {
	if e.metrics != nil {
		e.metrics.DecActiveDeployments()
	}
	defer func() { observability.EndSpan(r.span, err) }()

	// the outcome must be recorded even when the job's context is done
	ctx = context.WithoutCancel(ctx)

	status := "success"
	if err != nil {
		status = "failed"
		e.fail(ctx, r, err)
	} else {
		e.succeed(ctx, r)
	}
	if e.metrics != nil {
		e.metrics.RecordDeployment(r.op, string(r.dep.AppKind), status)
	}
	return err
}

func (e *Engine) succeed(ctx context.Context, r *run) {
	r.log.SetPhase(models.PhaseSuccess)
	e.setStatus(ctx, r.dep.ID, models.StatusSuccess, models.PhaseSuccess)

	result := models.Result{
		DeploymentID: r.dep.ID,
		Status:       models.StatusSuccess,
		InstanceID:   r.inst.ID.String(),
		PublicIP:     r.inst.PublicIP,
		ExposedURL:   r.dep.ExposedURL,
		Message:      "Deployment successful",
	}
	if r.privateKey != "" {
		key, err := e.secrets.Encrypt(r.privateKey)
		if err != nil {
			r.log.Warn(ctx, "Private key could not be encrypted for hand-off", Details("error", err.Error()))
		} else {
			result.PrivateKey = key
		}
	}
	e.storeResult(ctx, result)
	e.invalidate(ctx, r.dep.UserID)

	r.log.Log(ctx, fmt.Sprintf("Deployment successful! App available at %s", r.dep.ExposedURL))
}

func (e *Engine) fail(ctx context.Context, r *run, err error) {
	msg := FailureMessage(err)

	r.log.SetPhase(models.PhaseFailed)
	r.log.Error(ctx, "Deployment failed: "+msg, err, Details("failed_phase", string(r.failedIn)))

	if merr := e.repo.MarkDeploymentFailed(ctx, r.dep.ID, msg); merr != nil {
		e.logger.Error().Err(merr).Str("deployment_id", r.dep.ID.String()).Msg("Failed to record deployment failure")
	}
	r.dep.Status = models.StatusFailed
	r.dep.Logs = msg

	e.setStatus(ctx, r.dep.ID, models.StatusFailed, models.PhaseFailed)

	result := models.Result{
		DeploymentID: r.dep.ID,
		Status:       models.StatusFailed,
		Message:      msg,
	}
	if r.inst != nil {
		result.InstanceID = r.inst.ID.String()
		result.PublicIP = r.inst.PublicIP
	}
	e.storeResult(ctx, result)
	e.invalidate(ctx, r.dep.UserID)
}

// FailureMessage is the user-facing description of a pipeline error
func FailureMessage(err error) string {
	var proxyErr *proxy.ProxyConfigError
	if errors.As(err, &proxyErr) {
		return "The shared nginx configuration on this instance failed validation; every application routed on the instance is affected. " + err.Error()
	}
	return err.Error()
}

// restoreStatus releases a deployment claimed for an env update
func (e *Engine) restoreStatus(ctx context.Context, id uuid.UUID, status models.DeploymentStatus) {
	if err := e.repo.ReleaseDeployment(ctx, id, status); err != nil {
		e.logger.Error().Err(err).Str("deployment_id", id.String()).Msg("Failed to restore deployment status")
	}
	phase := models.PhaseSuccess
	if status == models.StatusFailed {
		phase = models.PhaseFailed
	}
	e.setStatus(ctx, id, status, phase)
}

func (e *Engine) setStatus(ctx context.Context, id uuid.UUID, status models.DeploymentStatus, phase models.Phase) {
	if e.cache == nil {
		return
	}
	if err := e.cache.SetStatus(ctx, id, status, phase); err != nil {
		e.logger.Warn().Err(err).Str("deployment_id", id.String()).Msg("Failed to cache deployment status")
	}
}

func (e *Engine) storeResult(ctx context.Context, result models.Result) {
	if e.cache == nil {
		return
	}
	if err := e.cache.SetResult(ctx, result); err != nil {
		e.logger.Warn().Err(err).Str("deployment_id", result.DeploymentID.String()).Msg("Failed to store deployment result")
	}
}

func (e *Engine) invalidate(ctx context.Context, userID string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.InvalidateUser(ctx, userID); err != nil {
		e.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to invalidate cached views")
	}
}

func (e *Engine) credentials(inst *state.Instance) provisioner.Credentials {
	return provisioner.Credentials{
		AccessKeyID:     e.secrets.Decrypt(inst.AccessKeyID),
		SecretAccessKey: e.secrets.Decrypt(inst.SecretAccessKey),
	}
}
