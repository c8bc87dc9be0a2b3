package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/alvesdmateus/instance-deployer/internal/cache"
	"github.com/alvesdmateus/instance-deployer/internal/liveshell"
	"github.com/alvesdmateus/instance-deployer/internal/remote"
	"github.com/alvesdmateus/instance-deployer/internal/state"
	"github.com/alvesdmateus/instance-deployer/pkg/crypto"
	"github.com/alvesdmateus/instance-deployer/pkg/models"
)

// InstanceHandler handles instance-related HTTP requests
type InstanceHandler struct {
	repo        *state.Repository
	jobs        JobClient
	cache       *cache.Cache
	secrets     *crypto.SecretBox
	dialer      remote.Dialer
	bridge      *liveshell.Bridge
	upgrader    websocket.Upgrader
	sshUsername string
}

// NewInstanceHandler creates a new instance handler
func NewInstanceHandler(repo *state.Repository, jobs JobClient, c *cache.Cache, secrets *crypto.SecretBox, dialer remote.Dialer, bridge *liveshell.Bridge, sshUsername string) *InstanceHandler {
	if sshUsername == "" {
		sshUsername = "ubuntu"
	}
	return &InstanceHandler{
		repo:    repo,
		jobs:    jobs,
		cache:   c,
		secrets: secrets,
		dialer:  dialer,
		bridge:  bridge,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sshUsername: sshUsername,
	}
}

// ListInstances handles GET /api/v1/instances
func (h *InstanceHandler) ListInstances(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	views, err := cache.ReadThrough(r.Context(), h.cache, cache.InstancesKey(userID), func(ctx context.Context) ([]models.InstanceView, error) {
		instances, err := h.repo.ListInstances(ctx, userID)
		if err != nil {
			return nil, err
		}
		return InstancesToView(instances), nil
	})
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to list instances")
		RespondWithError(w, http.StatusInternalServerError, "Failed to list instances")
		return
	}

	RespondWithJSON(w, http.StatusOK, ListInstancesResponse{
		Instances: views,
		Total:     len(views),
	})
}

// GetInstance handles GET /api/v1/instances/{id}
func (h *InstanceHandler) GetInstance(w http.ResponseWriter, r *http.Request) {
	instance, ok := h.lookup(w, r)
	if !ok {
		return
	}
	RespondWithJSON(w, http.StatusOK, InstanceToView(instance))
}

// DeleteInstance handles DELETE /api/v1/instances/{id}
func (h *InstanceHandler) DeleteInstance(w http.ResponseWriter, r *http.Request) {
	instance, ok := h.lookup(w, r)
	if !ok {
		return
	}

	job, err := h.jobs.TriggerDestroyInstance(r.Context(), instance.UserID, instance.ID)
	if err != nil {
		RespondWithError(w, http.StatusServiceUnavailable, "Failed to enqueue instance deletion")
		return
	}

	RespondWithJSON(w, http.StatusAccepted, models.JobAccepted{
		InstanceID: instance.ID,
		JobID:      job.ID,
	})
}

// Shell handles GET /api/v1/instances/{id}/shell. The connection to the
// instance is made once, before the upgrade, so failures surface as 502.
func (h *InstanceHandler) Shell(w http.ResponseWriter, r *http.Request) {
	instance, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if instance.PublicIP == "" {
		RespondWithError(w, http.StatusConflict, "Instance has no public address")
		return
	}

	username := instance.SSHUsername
	if username == "" {
		username = h.sshUsername
	}
	session, err := h.dialer.Connect(r.Context(), remote.Target{
		Host:       instance.PublicIP,
		Username:   username,
		PrivateKey: []byte(h.secrets.Decrypt(instance.PrivateKey)),
	})
	if err != nil {
		log.Warn().Err(err).Str("instance_id", instance.ID.String()).Msg("Live shell connection failed")
		RespondWithError(w, http.StatusBadGateway, "SSH error: "+err.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = session.Close()
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	// clear the deadline the server set for the plain request
	_ = conn.SetReadDeadline(time.Time{})

	// the request context ends with the hijacked connection's handler
	if err := h.bridge.Run(context.WithoutCancel(r.Context()), conn, session); err != nil {
		log.Warn().Err(err).Str("instance_id", instance.ID.String()).Msg("Live shell ended with error")
	}
}

func (h *InstanceHandler) lookup(w http.ResponseWriter, r *http.Request) (*state.Instance, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid instance ID")
		return nil, false
	}

	instance, err := h.repo.GetInstanceForUser(r.Context(), id, UserIDFromContext(r.Context()))
	if err != nil {
		respondLookupError(w, err, "Instance")
		return nil, false
	}
	return instance, true
}
