package api

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/alvesdmateus/instance-deployer/internal/queue"
	"github.com/alvesdmateus/instance-deployer/internal/state"
	"github.com/alvesdmateus/instance-deployer/pkg/models"
)

// WebhookHandler turns repository push events into redeploys
type WebhookHandler struct {
	repo *state.Repository
	jobs JobClient
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(repo *state.Repository, jobs JobClient) *WebhookHandler {
	return &WebhookHandler{repo: repo, jobs: jobs}
}

// GitHubPush handles POST /webhooks/github
func (h *WebhookHandler) GitHubPush(w http.ResponseWriter, r *http.Request) {
	if event := r.Header.Get("X-GitHub-Event"); event != "push" {
		RespondWithJSON(w, http.StatusAccepted, models.WebhookResult{Skipped: true, Results: []models.JobAccepted{}})
		return
	}

	var event githubPushEvent
	if err := decodeJSON(w, r, &event, false); err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !strings.HasPrefix(event.Ref, "refs/heads/") {
		// tag pushes
		RespondWithJSON(w, http.StatusAccepted, models.WebhookResult{Skipped: true, Results: []models.JobAccepted{}})
		return
	}
	branch := strings.TrimPrefix(event.Ref, "refs/heads/")

	seen := make(map[uuid.UUID]bool)
	var matches []state.Deployment
	for _, url := range []string{event.Repository.HTMLURL, event.Repository.CloneURL} {
		if url == "" {
			continue
		}
		deployments, err := h.repo.FindAutoRedeploy(r.Context(), url, branch)
		if err != nil {
			log.Error().Err(err).Str("repo_url", url).Msg("Failed to find auto-redeploy deployments")
			RespondWithError(w, http.StatusInternalServerError, "Failed to find deployments")
			return
		}
		for _, d := range deployments {
			if !seen[d.ID] {
				seen[d.ID] = true
				matches = append(matches, d)
			}
		}
	}

	result := models.WebhookResult{Matched: len(matches), Results: []models.JobAccepted{}}
	for _, d := range matches {
		if d.InstanceID == nil {
			log.Info().Str("deployment_id", d.ID.String()).Msg("Skipping webhook redeploy of detached deployment")
			continue
		}
		if err := h.repo.ClaimDeployment(r.Context(), d.ID, d.Status); err != nil {
			if state.IsBusy(err) {
				log.Info().Str("deployment_id", d.ID.String()).Str("status", string(d.Status)).Msg("Skipping webhook redeploy")
			} else {
				log.Error().Err(err).Str("deployment_id", d.ID.String()).Msg("Failed to claim deployment")
			}
			continue
		}
		job, err := h.jobs.TriggerRedeploy(r.Context(), d.UserID, &queue.RedeployPayload{
			DeploymentID: d.ID.String(),
			Trigger:      "webhook",
		})
		if err != nil {
			log.Error().Err(err).Str("deployment_id", d.ID.String()).Msg("Failed to enqueue webhook redeploy")
			if rerr := h.repo.ReleaseDeployment(r.Context(), d.ID, d.Status); rerr != nil {
				log.Error().Err(rerr).Str("deployment_id", d.ID.String()).Msg("Failed to release deployment")
			}
			continue
		}
		result.Results = append(result.Results, models.JobAccepted{
			DeploymentID: d.ID,
			JobID:        job.ID,
			Slug:         d.Slug,
			Status:       models.StatusPending,
		})
	}

	log.Info().
		Str("ref", event.Ref).
		Int("matched", result.Matched).
		Int("triggered", len(result.Results)).
		Msg("Processed push webhook")

	RespondWithJSON(w, http.StatusAccepted, result)
}
