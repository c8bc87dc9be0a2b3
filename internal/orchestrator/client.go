package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/alvesdmateus/instance-deployer/internal/queue"
	"github.com/alvesdmateus/instance-deployer/pkg/models"
)

// Client provides orchestration capabilities for the API layer.
// It only requires a queue connection, not the full worker dependencies.
type Client struct {
	queue  *queue.RedisQueue
	logger zerolog.Logger
}

// NewClient creates a new orchestrator client for API use
func NewClient(q *queue.RedisQueue, logger zerolog.Logger) *Client {
	return &Client{
		queue:  q,
		logger: logger.With().Str("component", "orchestrator-client").Logger(),
	}
}

func (c *Client) enqueue(ctx context.Context, t queue.JobType, userID string, deploymentID, instanceID string, payload interface{}) (*queue.Job, error) {
	job, err := queue.NewJob(t, userID, payload)
	if err != nil {
		return nil, err
	}
	job.DeploymentID = deploymentID
	job.InstanceID = instanceID

	if err := c.queue.Enqueue(ctx, job); err != nil {
		c.logger.Error().
			Err(err).
			Str("job_type", string(t)).
			Str("deployment_id", deploymentID).
			Str("instance_id", instanceID).
			Msg("Failed to enqueue job")
		return nil, fmt.Errorf("enqueue %s job: %w", t, err)
	}

	c.logger.Info().
		Str("job_id", job.ID).
		Str("job_type", string(t)).
		Str("deployment_id", deploymentID).
		Str("instance_id", instanceID).
		Msg("Job enqueued successfully")
	return job, nil
}

// TriggerDeploy enqueues the pipeline for a pending deployment
func (c *Client) TriggerDeploy(ctx context.Context, userID string, payload *queue.DeployPayload) (*queue.Job, error) {
	return c.enqueue(ctx, queue.JobTypeDeploy, userID, payload.DeploymentID, payload.TargetInstanceID, payload)
}

// TriggerRedeploy enqueues a redeploy of an existing deployment
func (c *Client) TriggerRedeploy(ctx context.Context, userID string, payload *queue.RedeployPayload) (*queue.Job, error) {
	return c.enqueue(ctx, queue.JobTypeRedeploy, userID, payload.DeploymentID, "", payload)
}

// TriggerEnvUpdate enqueues an env rewrite and process restart
func (c *Client) TriggerEnvUpdate(ctx context.Context, userID string, payload *queue.EnvUpdatePayload) (*queue.Job, error) {
	return c.enqueue(ctx, queue.JobTypeEnvUpdate, userID, payload.DeploymentID, "", payload)
}

// TriggerDestroyInstance enqueues the teardown of an instance
func (c *Client) TriggerDestroyInstance(ctx context.Context, userID string, instanceID uuid.UUID) (*queue.Job, error) {
	return c.enqueue(ctx, queue.JobTypeDestroyInstance, userID, "", instanceID.String(),
		&queue.DestroyInstancePayload{InstanceID: instanceID.String()})
}

// GetQueueStats returns statistics about the job queues
func (c *Client) GetQueueStats(ctx context.Context) (*models.QueueStats, error) {
	lengths, processing, err := c.queue.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("get queue stats: %w", err)
	}
	return &models.QueueStats{Queues: lengths, Processing: processing}, nil
}

// Ping checks if the queue connection is alive
func (c *Client) Ping(ctx context.Context) error {
	return c.queue.Ping(ctx)
}
