package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"
)

// Port is a TCP port that accepts both JSON numbers and numeric strings
type Port int

// UnmarshalJSON implements json.Unmarshaler
func (p *Port) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*p = 0
		return nil
	}

	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if s, ok := raw.(string); ok && s == "" {
		*p = 0
		return nil
	}

	n, err := cast.ToIntE(raw)
	if err != nil {
		return fmt.Errorf("invalid port %s: %w", string(data), err)
	}
	if n < 0 || n > 65535 {
		return fmt.Errorf("port %d out of range", n)
	}
	*p = Port(n)
	return nil
}

// Credentials are long-lived cloud account credentials supplied by the caller
type Credentials struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
}

// DeployRequest is the inbound request for a new deployment
type DeployRequest struct {
	RepoURL          string       `json:"repo_url"`
	Branch           string       `json:"branch,omitempty"`
	AppKind          AppKind      `json:"app_kind,omitempty"`
	Region           string       `json:"region,omitempty"`
	InstanceType     string       `json:"instance_type,omitempty"`
	Credentials      *Credentials `json:"credentials,omitempty"`
	TargetInstanceID *uuid.UUID   `json:"target_instance_id,omitempty"`
	Port             Port         `json:"port,omitempty"`
	EntryPoint       string       `json:"entry_point,omitempty"`
	Env              string       `json:"env,omitempty"`
	SubPath          string       `json:"sub_path,omitempty"`
	AutoRedeploy     bool         `json:"auto_redeploy,omitempty"`
}

// RedeployRequest carries optional overrides; nil fields keep the stored value
type RedeployRequest struct {
	Env        *string `json:"env,omitempty"`
	Port       *Port   `json:"port,omitempty"`
	EntryPoint *string `json:"entry_point,omitempty"`
}

// EnvUpdateRequest replaces the environment blob of a running deployment
type EnvUpdateRequest struct {
	Env string `json:"env"`
}

// JobAccepted is returned when work has been enqueued
type JobAccepted struct {
	DeploymentID uuid.UUID        `json:"deployment_id,omitempty"`
	InstanceID   uuid.UUID        `json:"instance_id,omitempty"`
	JobID        string           `json:"job_id"`
	Slug         string           `json:"slug,omitempty"`
	Status       DeploymentStatus `json:"status,omitempty"`
}

// DeploymentView is the public representation of a deployment
type DeploymentView struct {
	ID           uuid.UUID        `json:"id"`
	InstanceID   *uuid.UUID       `json:"instance_id,omitempty"`
	RepoName     string           `json:"repo_name"`
	RepoURL      string           `json:"repo_url"`
	Branch       string           `json:"branch"`
	SubPath      string           `json:"sub_path,omitempty"`
	GitSHA       string           `json:"git_sha,omitempty"`
	AppKind      AppKind          `json:"app_kind"`
	Slug         string           `json:"slug"`
	EntryPoint   string           `json:"entry_point,omitempty"`
	Port         int              `json:"port,omitempty"`
	AutoRedeploy bool             `json:"auto_redeploy"`
	ExposedURL   string           `json:"exposed_url,omitempty"`
	Status       DeploymentStatus `json:"status"`
	Logs         string           `json:"logs,omitempty"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	FinishedAt   *time.Time       `json:"finished_at,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// InstanceView is the public representation of an instance; secrets are never included
type InstanceView struct {
	ID              uuid.UUID `json:"id"`
	CloudInstanceID string    `json:"cloud_instance_id"`
	PublicIP        string    `json:"public_ip"`
	Region          string    `json:"region"`
	InstanceType    string    `json:"instance_type"`
	SecurityGroupID string    `json:"security_group_id"`
	KeyPairName     string    `json:"key_pair_name"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// StatusView is the cached, cheap-to-poll status of a deployment
type StatusView struct {
	DeploymentID uuid.UUID        `json:"deployment_id"`
	Status       DeploymentStatus `json:"status"`
	Phase        Phase            `json:"phase,omitempty"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Result is the terminal payload of a deployment attempt
type Result struct {
	DeploymentID uuid.UUID        `json:"deployment_id"`
	Status       DeploymentStatus `json:"status"`
	InstanceID   string           `json:"instance_id,omitempty"`
	PublicIP     string           `json:"public_ip,omitempty"`
	ExposedURL   string           `json:"exposed_url,omitempty"`
	Message      string           `json:"message,omitempty"`
	PrivateKey   string           `json:"private_key,omitempty"`
}

// LogEntry is one persisted progress line
type LogEntry struct {
	Phase     Phase     `json:"phase"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// WebhookResult summarizes the redeploys triggered by a push event
type WebhookResult struct {
	Matched int           `json:"matched"`
	Skipped bool          `json:"skipped,omitempty"`
	Results []JobAccepted `json:"results"`
}

// QueueStats reports pending jobs per queue
type QueueStats struct {
	Queues     map[string]int64 `json:"queues"`
	Processing int              `json:"processing"`
}
