package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alvesdmateus/instance-deployer/pkg/models"
)

// JobType represents the type of job to be processed
type JobType string

const (
	// JobTypeDeploy runs the full pipeline for a new deployment
	JobTypeDeploy JobType = "deploy"

	// JobTypeRedeploy re-enters the pipeline at the sync step
	JobTypeRedeploy JobType = "redeploy"

	// JobTypeEnvUpdate rewrites the env file and restarts the process
	JobTypeEnvUpdate JobType = "env_update"

	// JobTypeDestroyInstance tears down an instance and its cloud resources
	JobTypeDestroyInstance JobType = "destroy_instance"
)

// JobTypes lists every queue in the order workers poll them
var JobTypes = []JobType{
	JobTypeDeploy,
	JobTypeRedeploy,
	JobTypeEnvUpdate,
	JobTypeDestroyInstance,
}

// Retry policy constants
const (
	BaseBackoffDelay     = 5 * time.Second
	MaxBackoffDelay      = 5 * time.Minute
	BackoffMultiplier    = 2.0
	BackoffJitterPercent = 0.1
)

// MaxAttempts returns how many times a job of type t may run. Pipeline
// failures are already recorded on the deployment row, and redriving a
// deploy would provision a second instance.
func MaxAttempts(t JobType) int {
	if t == JobTypeDestroyInstance {
		return 3
	}
	return 1
}

// Job represents a work item in the queue
type Job struct {
	ID           string          `json:"id"`
	Type         JobType         `json:"type"`
	UserID       string          `json:"user_id"`
	DeploymentID string          `json:"deployment_id,omitempty"`
	InstanceID   string          `json:"instance_id,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"created_at"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	LastError    string          `json:"last_error,omitempty"`
	NextRetryAt  time.Time       `json:"next_retry_at,omitempty"`
}

// NewJob builds a job envelope around payload
func NewJob(t JobType, userID string, payload interface{}) (*Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	return &Job{
		ID:          uuid.New().String(),
		Type:        t,
		UserID:      userID,
		Payload:     data,
		CreatedAt:   time.Now().UTC(),
		MaxAttempts: MaxAttempts(t),
	}, nil
}

// Decode unmarshals the payload into dest
func (j *Job) Decode(dest interface{}) error {
	if err := json.Unmarshal(j.Payload, dest); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", j.Type, err)
	}
	return nil
}

// DeployPayload contains data for a deploy job. Credentials and Env are
// encrypted with the deployer's secret box.
type DeployPayload struct {
	DeploymentID     string `json:"deployment_id"`
	Region           string `json:"region,omitempty"`
	InstanceType     string `json:"instance_type,omitempty"`
	AccessKeyID      string `json:"access_key_id,omitempty"`
	SecretAccessKey  string `json:"secret_access_key,omitempty"`
	TargetInstanceID string `json:"target_instance_id,omitempty"`
	Env              string `json:"env,omitempty"`
}

// RedeployPayload contains data for a redeploy job. Nil fields keep the
// values recorded on the deployment.
type RedeployPayload struct {
	DeploymentID string  `json:"deployment_id"`
	Env          *string `json:"env,omitempty"`
	Port         *int    `json:"port,omitempty"`
	EntryPoint   *string `json:"entry_point,omitempty"`
	Trigger      string  `json:"trigger,omitempty"`
}

// EnvUpdatePayload contains data for an env update job. The API claims the
// deployment before queueing; the worker puts it back to RestoreStatus.
type EnvUpdatePayload struct {
	DeploymentID  string                  `json:"deployment_id"`
	Env           string                  `json:"env"`
	RestoreStatus models.DeploymentStatus `json:"restore_status,omitempty"`
}

// DestroyInstancePayload contains data for a destroy job
type DestroyInstancePayload struct {
	InstanceID string `json:"instance_id"`
}
