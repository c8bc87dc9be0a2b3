package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/alvesdmateus/instance-deployer/pkg/models"
)

// Repository provides database operations for instances, deployments and their logs
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new state repository
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Ping verifies the underlying connection
func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return persistErr("get database instance", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return persistErr("ping database", err)
	}
	return nil
}

// CreateInstance creates a new instance record
func (r *Repository) CreateInstance(ctx context.Context, instance *Instance) error {
	if instance.ID == uuid.Nil {
		instance.ID = uuid.New()
	}

	if err := r.db.WithContext(ctx).Create(instance).Error; err != nil {
		return persistErr("create instance", err)
	}

	return nil
}

// GetInstance retrieves an instance by ID
func (r *Repository) GetInstance(ctx context.Context, id uuid.UUID) (*Instance, error) {
	var instance Instance

	if err := r.db.WithContext(ctx).First(&instance, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("instance not found: %s: %w", id, ErrNotFound)
		}
		return nil, persistErr("get instance", err)
	}

	return &instance, nil
}

// GetInstanceForUser retrieves an instance owned by userID
func (r *Repository) GetInstanceForUser(ctx context.Context, id uuid.UUID, userID string) (*Instance, error) {
	var instance Instance

	if err := r.db.WithContext(ctx).
		First(&instance, "id = ? AND user_id = ?", id, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("instance not found: %s: %w", id, ErrNotFound)
		}
		return nil, persistErr("get instance", err)
	}

	return &instance, nil
}

// ListInstances retrieves a user's instances, newest first
func (r *Repository) ListInstances(ctx context.Context, userID string) ([]Instance, error) {
	var instances []Instance

	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&instances).Error; err != nil {
		return nil, persistErr("list instances", err)
	}

	return instances, nil
}

// DeleteInstance deletes an instance together with its deployments and logs
func (r *Repository) DeleteInstance(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		deploymentIDs := tx.Model(&Deployment{}).Select("id").Where("instance_id = ?", id)

		if err := tx.Where("deployment_id IN (?) OR instance_id = ?", deploymentIDs, id).
			Delete(&DeploymentLog{}).Error; err != nil {
			return persistErr("delete deployment logs", err)
		}

		if err := tx.Where("instance_id = ?", id).Delete(&Deployment{}).Error; err != nil {
			return persistErr("delete deployments", err)
		}

		if err := tx.Delete(&Instance{}, "id = ?", id).Error; err != nil {
			return persistErr("delete instance", err)
		}

		return nil
	})
}

// CreateDeployment creates a new deployment record
func (r *Repository) CreateDeployment(ctx context.Context, deployment *Deployment) error {
	if deployment.ID == uuid.Nil {
		deployment.ID = uuid.New()
	}

	if err := r.db.WithContext(ctx).Create(deployment).Error; err != nil {
		return persistErr("create deployment", err)
	}

	return nil
}

// GetDeployment retrieves a deployment by ID
func (r *Repository) GetDeployment(ctx context.Context, id uuid.UUID) (*Deployment, error) {
	var deployment Deployment

	if err := r.db.WithContext(ctx).First(&deployment, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("deployment not found: %s: %w", id, ErrNotFound)
		}
		return nil, persistErr("get deployment", err)
	}

	return &deployment, nil
}

// GetDeploymentForUser retrieves a deployment owned by userID
func (r *Repository) GetDeploymentForUser(ctx context.Context, id uuid.UUID, userID string) (*Deployment, error) {
	var deployment Deployment

	if err := r.db.WithContext(ctx).
		First(&deployment, "id = ? AND user_id = ?", id, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("deployment not found: %s: %w", id, ErrNotFound)
		}
		return nil, persistErr("get deployment", err)
	}

	return &deployment, nil
}

// ListDeployments retrieves a user's deployments, newest first
func (r *Repository) ListDeployments(ctx context.Context, userID string, limit, offset int) ([]Deployment, error) {
	var deployments []Deployment

	query := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Offset(offset)
	if limit > 0 {
		query = query.Limit(limit)
	}

	if err := query.Find(&deployments).Error; err != nil {
		return nil, persistErr("list deployments", err)
	}

	return deployments, nil
}

// ListDeploymentsByInstance retrieves every deployment routed on an instance
func (r *Repository) ListDeploymentsByInstance(ctx context.Context, instanceID uuid.UUID) ([]Deployment, error) {
	var deployments []Deployment

	if err := r.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("created_at ASC").
		Find(&deployments).Error; err != nil {
		return nil, persistErr("list deployments by instance", err)
	}

	return deployments, nil
}

// FindAutoRedeploy returns deployments that opted into redeploy on push
func (r *Repository) FindAutoRedeploy(ctx context.Context, repoURL, branch string) ([]Deployment, error) {
	var deployments []Deployment

	if err := r.db.WithContext(ctx).
		Where("repo_url = ? AND branch = ? AND auto_redeploy = ?", repoURL, branch, true).
		Find(&deployments).Error; err != nil {
		return nil, persistErr("find auto-redeploy deployments", err)
	}

	return deployments, nil
}

// UpdateDeployment saves every field of a deployment record
func (r *Repository) UpdateDeployment(ctx context.Context, deployment *Deployment) error {
	if err := r.db.WithContext(ctx).Save(deployment).Error; err != nil {
		return persistErr("update deployment", err)
	}

	return nil
}

// UpdateDeploymentStatus updates only the status of a deployment
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, id uuid.UUID, status models.DeploymentStatus) error {
	if err := r.db.WithContext(ctx).
		Model(&Deployment{}).
		Where("id = ?", id).
		Update("status", status).Error; err != nil {
		return persistErr("update deployment status", err)
	}

	return nil
}

// ClaimDeployment moves an idle deployment from its current status to
// PENDING in one conditional update. It fails with ErrDeploymentBusy when
// the row is no longer in the from status or already has an attempt in
// flight, so concurrent callers cannot both queue work for it.
func (r *Repository) ClaimDeployment(ctx context.Context, id uuid.UUID, from models.DeploymentStatus) error {
	result := r.db.WithContext(ctx).
		Model(&Deployment{}).
		Where("id = ? AND status = ? AND status NOT IN ?", id, from,
			[]models.DeploymentStatus{models.StatusPending, models.StatusRunning}).
		Update("status", models.StatusPending)
	if result.Error != nil {
		return persistErr("claim deployment", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrDeploymentBusy
	}

	return nil
}

// ReleaseDeployment puts a claimed deployment back to the status it had
// before the claim
func (r *Repository) ReleaseDeployment(ctx context.Context, id uuid.UUID, to models.DeploymentStatus) error {
	if err := r.db.WithContext(ctx).
		Model(&Deployment{}).
		Where("id = ? AND status = ?", id, models.StatusPending).
		Update("status", to).Error; err != nil {
		return persistErr("release deployment", err)
	}

	return nil
}

// MarkDeploymentRunning starts a new attempt on the row
func (r *Repository) MarkDeploymentRunning(ctx context.Context, id uuid.UUID) error {
	now := time.Now()

	if err := r.db.WithContext(ctx).
		Model(&Deployment{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      models.StatusRunning,
			"started_at":  now,
			"finished_at": nil,
		}).Error; err != nil {
		return persistErr("mark deployment running", err)
	}

	return nil
}

// MarkDeploymentFailed records a terminal failure with its message
func (r *Repository) MarkDeploymentFailed(ctx context.Context, id uuid.UUID, message string) error {
	now := time.Now()

	if err := r.db.WithContext(ctx).
		Model(&Deployment{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      models.StatusFailed,
			"logs":        message,
			"finished_at": now,
		}).Error; err != nil {
		return persistErr("mark deployment failed", err)
	}

	return nil
}

// UpdateDeploymentEnv replaces the stored environment blob
func (r *Repository) UpdateDeploymentEnv(ctx context.Context, id uuid.UUID, env string) error {
	if err := r.db.WithContext(ctx).
		Model(&Deployment{}).
		Where("id = ?", id).
		Update("env_vars", env).Error; err != nil {
		return persistErr("update deployment env", err)
	}

	return nil
}

// CreateLog persists one progress line
func (r *Repository) CreateLog(ctx context.Context, entry *DeploymentLog) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return persistErr("create deployment log", err)
	}

	return nil
}

// ListLogs returns a deployment's progress lines in order
func (r *Repository) ListLogs(ctx context.Context, deploymentID uuid.UUID, limit int) ([]DeploymentLog, error) {
	var logs []DeploymentLog

	query := r.db.WithContext(ctx).
		Where("deployment_id = ?", deploymentID).
		Order("timestamp ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	if err := query.Find(&logs).Error; err != nil {
		return nil, persistErr("list deployment logs", err)
	}

	return logs, nil
}
