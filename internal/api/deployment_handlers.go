package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/alvesdmateus/instance-deployer/internal/cache"
	"github.com/alvesdmateus/instance-deployer/internal/configurator"
	"github.com/alvesdmateus/instance-deployer/internal/gitref"
	"github.com/alvesdmateus/instance-deployer/internal/queue"
	"github.com/alvesdmateus/instance-deployer/internal/reposync"
	"github.com/alvesdmateus/instance-deployer/internal/state"
	"github.com/alvesdmateus/instance-deployer/pkg/crypto"
	"github.com/alvesdmateus/instance-deployer/pkg/models"
)

const defaultLogLimit = 500

// JobClient enqueues work for the orchestrator workers
type JobClient interface {
	TriggerDeploy(ctx context.Context, userID string, payload *queue.DeployPayload) (*queue.Job, error)
	TriggerRedeploy(ctx context.Context, userID string, payload *queue.RedeployPayload) (*queue.Job, error)
	TriggerEnvUpdate(ctx context.Context, userID string, payload *queue.EnvUpdatePayload) (*queue.Job, error)
	TriggerDestroyInstance(ctx context.Context, userID string, instanceID uuid.UUID) (*queue.Job, error)
	GetQueueStats(ctx context.Context) (*models.QueueStats, error)
	Ping(ctx context.Context) error
}

// BranchResolver resolves a branch to its head commit
type BranchResolver interface {
	ResolveBranch(ctx context.Context, repoURL, branch string) (string, error)
}

// DeploymentHandler handles deployment-related HTTP requests
type DeploymentHandler struct {
	repo     *state.Repository
	jobs     JobClient
	cache    *cache.Cache
	secrets  *crypto.SecretBox
	resolver BranchResolver
}

// NewDeploymentHandler creates a new deployment handler. A nil resolver
// disables branch verification.
func NewDeploymentHandler(repo *state.Repository, jobs JobClient, c *cache.Cache, secrets *crypto.SecretBox, resolver BranchResolver) *DeploymentHandler {
	return &DeploymentHandler{
		repo:     repo,
		jobs:     jobs,
		cache:    c,
		secrets:  secrets,
		resolver: resolver,
	}
}

// CreateDeployment handles POST /api/v1/deployments
func (h *DeploymentHandler) CreateDeployment(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	var req models.DeployRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	req.RepoURL = strings.TrimSpace(req.RepoURL)
	if req.RepoURL == "" {
		RespondWithError(w, http.StatusBadRequest, "repo_url is required")
		return
	}
	if req.Branch == "" {
		req.Branch = "main"
	}
	if err := reposync.ValidateRepoURL(req.RepoURL); err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := reposync.ValidateBranch(req.Branch); err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	kind := models.AppKindNode
	if req.AppKind != "" {
		parsed, err := models.ParseAppKind(string(req.AppKind))
		if err != nil {
			RespondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		kind = parsed
	}
	subPath, err := reposync.SanitizeSubPath(req.SubPath)
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	var target *state.Instance
	if req.TargetInstanceID != nil {
		target, err = h.repo.GetInstanceForUser(r.Context(), *req.TargetInstanceID, userID)
		if err != nil {
			respondLookupError(w, err, "Instance")
			return
		}
	} else if req.Credentials == nil || req.Credentials.AccessKeyID == "" || req.Credentials.SecretAccessKey == "" {
		RespondWithError(w, http.StatusBadRequest, "credentials are required when no target_instance_id is given")
		return
	}

	var sha string
	if h.resolver != nil {
		sha, err = h.resolver.ResolveBranch(r.Context(), req.RepoURL, req.Branch)
		if err != nil {
			if errors.Is(err, gitref.ErrBranchNotFound) {
				RespondWithError(w, http.StatusUnprocessableEntity, "Branch "+req.Branch+" not found in "+req.RepoURL)
				return
			}
			log.Warn().Err(err).Str("repo_url", req.RepoURL).Msg("Branch verification failed")
			RespondWithError(w, http.StatusUnprocessableEntity, "Could not verify branch: "+err.Error())
			return
		}
	}

	env, err := h.secrets.Encrypt(req.Env)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encrypt env")
		RespondWithError(w, http.StatusInternalServerError, "Failed to create deployment")
		return
	}

	repoName := reposync.RepoNameFromURL(req.RepoURL)
	deployment := &state.Deployment{
		UserID:       userID,
		RepoName:     repoName,
		RepoURL:      req.RepoURL,
		Branch:       req.Branch,
		SubPath:      subPath,
		GitSHA:       sha,
		AppKind:      kind,
		Slug:         reposync.NewSlug(repoName),
		EntryPoint:   req.EntryPoint,
		Port:         int(req.Port),
		EnvVars:      env,
		AutoRedeploy: req.AutoRedeploy,
		Status:       models.StatusPending,
	}
	if kind.Supervised() {
		if deployment.EntryPoint == "" {
			deployment.EntryPoint = configurator.DefaultEntryPoint(kind)
		}
		if deployment.Port == 0 {
			deployment.Port = configurator.DefaultPort(kind)
		}
	}
	if target != nil {
		deployment.InstanceID = &target.ID
	}

	if err := h.repo.CreateDeployment(r.Context(), deployment); err != nil {
		log.Error().Err(err).Msg("Failed to create deployment")
		RespondWithError(w, http.StatusInternalServerError, "Failed to create deployment")
		return
	}

	payload := &queue.DeployPayload{
		DeploymentID: deployment.ID.String(),
		Region:       req.Region,
		InstanceType: req.InstanceType,
	}
	if target != nil {
		payload.TargetInstanceID = target.ID.String()
	} else {
		if payload.AccessKeyID, err = h.secrets.Encrypt(req.Credentials.AccessKeyID); err == nil {
			payload.SecretAccessKey, err = h.secrets.Encrypt(req.Credentials.SecretAccessKey)
		}
		if err != nil {
			h.abandon(r.Context(), deployment.ID, "Failed to encrypt credentials")
			RespondWithError(w, http.StatusInternalServerError, "Failed to create deployment")
			return
		}
	}

	job, err := h.jobs.TriggerDeploy(r.Context(), userID, payload)
	if err != nil {
		h.abandon(r.Context(), deployment.ID, "Failed to enqueue deployment")
		RespondWithError(w, http.StatusServiceUnavailable, "Failed to enqueue deployment")
		return
	}
	h.invalidate(r.Context(), userID)

	RespondWithJSON(w, http.StatusAccepted, models.JobAccepted{
		DeploymentID: deployment.ID,
		JobID:        job.ID,
		Slug:         deployment.Slug,
		Status:       models.StatusPending,
	})
}

// ListDeployments handles GET /api/v1/deployments
func (h *DeploymentHandler) ListDeployments(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	load := func(ctx context.Context) ([]models.DeploymentView, error) {
		deployments, err := h.repo.ListDeployments(ctx, userID, limit, offset)
		if err != nil {
			return nil, err
		}
		return DeploymentsToView(deployments), nil
	}

	var views []models.DeploymentView
	var err error
	if limit > 0 || offset > 0 {
		// pages are not cached
		views, err = load(r.Context())
	} else {
		views, err = cache.ReadThrough(r.Context(), h.cache, cache.DeploymentsKey(userID), load)
	}
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to list deployments")
		RespondWithError(w, http.StatusInternalServerError, "Failed to list deployments")
		return
	}

	RespondWithJSON(w, http.StatusOK, ListDeploymentsResponse{
		Deployments: views,
		Total:       len(views),
		Limit:       limit,
		Offset:      offset,
	})
}

// GetDeployment handles GET /api/v1/deployments/{id}
func (h *DeploymentHandler) GetDeployment(w http.ResponseWriter, r *http.Request) {
	deployment, ok := h.lookup(w, r)
	if !ok {
		return
	}
	RespondWithJSON(w, http.StatusOK, DeploymentToView(deployment))
}

// GetStatus handles GET /api/v1/deployments/{id}/status
func (h *DeploymentHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	deployment, ok := h.lookup(w, r)
	if !ok {
		return
	}

	if h.cache != nil {
		view, found, err := h.cache.GetStatus(r.Context(), deployment.ID)
		if err != nil {
			log.Warn().Err(err).Str("deployment_id", deployment.ID.String()).Msg("Status cache read failed")
		} else if found {
			RespondWithJSON(w, http.StatusOK, view)
			return
		}
	}

	RespondWithJSON(w, http.StatusOK, models.StatusView{
		DeploymentID: deployment.ID,
		Status:       deployment.Status,
		UpdatedAt:    deployment.UpdatedAt,
	})
}

// GetResult handles GET /api/v1/deployments/{id}/result. A private key
// is served on the first read only.
func (h *DeploymentHandler) GetResult(w http.ResponseWriter, r *http.Request) {
	deployment, ok := h.lookup(w, r)
	if !ok {
		return
	}

	if h.cache != nil {
		result, found, err := h.cache.TakeResult(r.Context(), deployment.ID)
		if err != nil {
			log.Warn().Err(err).Str("deployment_id", deployment.ID.String()).Msg("Result cache read failed")
		} else if found {
			if result.PrivateKey != "" {
				result.PrivateKey = h.secrets.Decrypt(result.PrivateKey)
			}
			RespondWithJSON(w, http.StatusOK, result)
			return
		}
	}

	if !deployment.Status.Terminal() {
		RespondWithError(w, http.StatusNotFound, "Deployment has not finished")
		return
	}

	result := models.Result{
		DeploymentID: deployment.ID,
		Status:       deployment.Status,
		ExposedURL:   deployment.ExposedURL,
		Message:      deployment.Logs,
	}
	if deployment.InstanceID != nil {
		result.InstanceID = deployment.InstanceID.String()
	}
	RespondWithJSON(w, http.StatusOK, result)
}

// GetLogs handles GET /api/v1/deployments/{id}/logs
func (h *DeploymentHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	deployment, ok := h.lookup(w, r)
	if !ok {
		return
	}

	limit := defaultLogLimit
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = l
	}

	logs, err := h.repo.ListLogs(r.Context(), deployment.ID, limit)
	if err != nil {
		log.Error().Err(err).Str("deployment_id", deployment.ID.String()).Msg("Failed to list logs")
		RespondWithError(w, http.StatusInternalServerError, "Failed to list logs")
		return
	}

	RespondWithJSON(w, http.StatusOK, LogsResponse{
		DeploymentID: deployment.ID.String(),
		Logs:         LogsToEntries(logs),
	})
}

// Redeploy handles POST /api/v1/deployments/{id}/redeploy
func (h *DeploymentHandler) Redeploy(w http.ResponseWriter, r *http.Request) {
	deployment, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var req models.RedeployRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	payload := &queue.RedeployPayload{
		DeploymentID: deployment.ID.String(),
		EntryPoint:   req.EntryPoint,
		Trigger:      "manual",
	}
	if req.Port != nil {
		port := int(*req.Port)
		payload.Port = &port
	}
	if req.Env != nil {
		env, err := h.secrets.Encrypt(*req.Env)
		if err != nil {
			log.Error().Err(err).Msg("Failed to encrypt env")
			RespondWithError(w, http.StatusInternalServerError, "Failed to redeploy")
			return
		}
		payload.Env = &env
	}

	if !h.claim(w, r, deployment) {
		return
	}
	job, err := h.jobs.TriggerRedeploy(r.Context(), deployment.UserID, payload)
	if err != nil {
		h.release(r.Context(), deployment)
		RespondWithError(w, http.StatusServiceUnavailable, "Failed to enqueue redeploy")
		return
	}
	h.queued(r.Context(), deployment)

	RespondWithJSON(w, http.StatusAccepted, models.JobAccepted{
		DeploymentID: deployment.ID,
		JobID:        job.ID,
		Slug:         deployment.Slug,
		Status:       models.StatusPending,
	})
}

// UpdateEnv handles PUT /api/v1/deployments/{id}/env
func (h *DeploymentHandler) UpdateEnv(w http.ResponseWriter, r *http.Request) {
	deployment, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var req models.EnvUpdateRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	env, err := h.secrets.Encrypt(req.Env)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encrypt env")
		RespondWithError(w, http.StatusInternalServerError, "Failed to update env")
		return
	}

	if !h.claim(w, r, deployment) {
		return
	}
	job, err := h.jobs.TriggerEnvUpdate(r.Context(), deployment.UserID, &queue.EnvUpdatePayload{
		DeploymentID:  deployment.ID.String(),
		Env:           env,
		RestoreStatus: deployment.Status,
	})
	if err != nil {
		h.release(r.Context(), deployment)
		RespondWithError(w, http.StatusServiceUnavailable, "Failed to enqueue env update")
		return
	}
	h.queued(r.Context(), deployment)

	RespondWithJSON(w, http.StatusAccepted, models.JobAccepted{
		DeploymentID: deployment.ID,
		JobID:        job.ID,
		Slug:         deployment.Slug,
		Status:       models.StatusPending,
	})
}

// lookup loads the {id} deployment owned by the caller, writing the error
// response itself when it cannot
func (h *DeploymentHandler) lookup(w http.ResponseWriter, r *http.Request) (*state.Deployment, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid deployment ID")
		return nil, false
	}

	deployment, err := h.repo.GetDeploymentForUser(r.Context(), id, UserIDFromContext(r.Context()))
	if err != nil {
		respondLookupError(w, err, "Deployment")
		return nil, false
	}
	return deployment, true
}

// claim moves an idle deployment to PENDING before work is queued for it,
// rejecting deployments with no instance or an attempt already in flight
func (h *DeploymentHandler) claim(w http.ResponseWriter, r *http.Request, deployment *state.Deployment) bool {
	if deployment.InstanceID == nil {
		RespondWithError(w, http.StatusConflict, "Deployment is not attached to an instance")
		return false
	}
	if err := h.repo.ClaimDeployment(r.Context(), deployment.ID, deployment.Status); err != nil {
		if state.IsBusy(err) {
			RespondWithError(w, http.StatusConflict, "Deployment is already in progress")
			return false
		}
		log.Error().Err(err).Str("deployment_id", deployment.ID.String()).Msg("Failed to claim deployment")
		RespondWithError(w, http.StatusInternalServerError, "Failed to claim deployment")
		return false
	}
	return true
}

// release undoes a claim whose job never reached the queue
func (h *DeploymentHandler) release(ctx context.Context, deployment *state.Deployment) {
	if err := h.repo.ReleaseDeployment(ctx, deployment.ID, deployment.Status); err != nil {
		log.Error().Err(err).Str("deployment_id", deployment.ID.String()).Msg("Failed to release deployment")
	}
}

// queued records the claimed row's new status for readers of the caches
func (h *DeploymentHandler) queued(ctx context.Context, deployment *state.Deployment) {
	if h.cache != nil {
		if err := h.cache.SetStatus(ctx, deployment.ID, models.StatusPending, models.PhaseReceived); err != nil {
			log.Warn().Err(err).Str("deployment_id", deployment.ID.String()).Msg("Failed to cache deployment status")
		}
	}
	h.invalidate(ctx, deployment.UserID)
}

func (h *DeploymentHandler) abandon(ctx context.Context, id uuid.UUID, message string) {
	if err := h.repo.MarkDeploymentFailed(ctx, id, message); err != nil {
		log.Error().Err(err).Str("deployment_id", id.String()).Msg("Failed to mark abandoned deployment")
	}
}

func (h *DeploymentHandler) invalidate(ctx context.Context, userID string) {
	if h.cache == nil {
		return
	}
	if err := h.cache.InvalidateUser(ctx, userID); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Failed to invalidate cached views")
	}
}

// respondLookupError maps a repository lookup failure to 404 or 500
func respondLookupError(w http.ResponseWriter, err error, resource string) {
	if state.IsNotFound(err) {
		RespondWithError(w, http.StatusNotFound, resource+" not found")
		return
	}
	log.Error().Err(err).Msg("Failed to load " + strings.ToLower(resource))
	RespondWithError(w, http.StatusInternalServerError, "Failed to load "+strings.ToLower(resource))
}
