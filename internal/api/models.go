package api

import (
	"github.com/alvesdmateus/instance-deployer/pkg/models"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// SuccessResponse represents a generic success response
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Redis    string `json:"redis"`
	Version  string `json:"version"`
}

// ListDeploymentsResponse represents a list of deployments
type ListDeploymentsResponse struct {
	Deployments []models.DeploymentView `json:"deployments"`
	Total       int                     `json:"total"`
	Limit       int                     `json:"limit,omitempty"`
	Offset      int                     `json:"offset,omitempty"`
}

// ListInstancesResponse represents a list of instances
type ListInstancesResponse struct {
	Instances []models.InstanceView `json:"instances"`
	Total     int                   `json:"total"`
}

// LogsResponse is a deployment's progress history
type LogsResponse struct {
	DeploymentID string            `json:"deployment_id"`
	Logs         []models.LogEntry `json:"logs"`
}

// githubPushEvent holds the fields of a push webhook we act on
type githubPushEvent struct {
	Ref        string `json:"ref"`
	Repository struct {
		HTMLURL  string `json:"html_url"`
		CloneURL string `json:"clone_url"`
	} `json:"repository"`
}
