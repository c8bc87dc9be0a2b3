package api

import (
	"github.com/alvesdmateus/instance-deployer/internal/state"
	"github.com/alvesdmateus/instance-deployer/pkg/models"
)

// DeploymentToView converts a state.Deployment to its API representation
func DeploymentToView(d *state.Deployment) models.DeploymentView {
	return models.DeploymentView{
		ID:           d.ID,
		InstanceID:   d.InstanceID,
		RepoName:     d.RepoName,
		RepoURL:      d.RepoURL,
		Branch:       d.Branch,
		SubPath:      d.SubPath,
		GitSHA:       d.GitSHA,
		AppKind:      d.AppKind,
		Slug:         d.Slug,
		EntryPoint:   d.EntryPoint,
		Port:         d.Port,
		AutoRedeploy: d.AutoRedeploy,
		ExposedURL:   d.ExposedURL,
		Status:       d.Status,
		Logs:         d.Logs,
		StartedAt:    d.StartedAt,
		FinishedAt:   d.FinishedAt,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

// DeploymentsToView converts a slice of state.Deployment
func DeploymentsToView(deployments []state.Deployment) []models.DeploymentView {
	views := make([]models.DeploymentView, len(deployments))
	for i := range deployments {
		views[i] = DeploymentToView(&deployments[i])
	}
	return views
}

// InstanceToView converts a state.Instance. Key material and credentials
// are never part of the view.
func InstanceToView(i *state.Instance) models.InstanceView {
	return models.InstanceView{
		ID:              i.ID,
		CloudInstanceID: i.CloudInstanceID,
		PublicIP:        i.PublicIP,
		Region:          i.Region,
		InstanceType:    i.InstanceType,
		SecurityGroupID: i.SecurityGroupID,
		KeyPairName:     i.KeyPairName,
		CreatedAt:       i.CreatedAt,
		UpdatedAt:       i.UpdatedAt,
	}
}

// InstancesToView converts a slice of state.Instance
func InstancesToView(instances []state.Instance) []models.InstanceView {
	views := make([]models.InstanceView, len(instances))
	for i := range instances {
		views[i] = InstanceToView(&instances[i])
	}
	return views
}

// LogsToEntries converts persisted progress lines
func LogsToEntries(logs []state.DeploymentLog) []models.LogEntry {
	entries := make([]models.LogEntry, len(logs))
	for i, l := range logs {
		entries[i] = models.LogEntry{
			Phase:     l.Phase,
			Level:     l.Level,
			Message:   l.Message,
			Timestamp: l.Timestamp,
		}
	}
	return entries
}
