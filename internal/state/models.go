package state

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/alvesdmateus/instance-deployer/pkg/models"
)

// Instance is a provisioned virtual machine. Key material and account
// credentials are stored encrypted and never serialized.
type Instance struct {
	ID                uuid.UUID `gorm:"type:uuid;primary_key"`
	UserID            string    `gorm:"index;not null"`
	CloudInstanceID   string    `gorm:"index"`
	PublicIP          string
	Region            string `gorm:"not null"`
	InstanceType      string
	SecurityGroupID   string
	SecurityGroupName string
	IAMProfileName    string
	KeyPairName       string
	SSHUsername       string `gorm:"default:ubuntu"`
	PrivateKey        string `gorm:"type:text" json:"-"`
	AccessKeyID       string `json:"-"`
	SecretAccessKey   string `json:"-"`
	CreatedAt         time.Time
	UpdatedAt         time.Time

	Deployments []Deployment `gorm:"foreignKey:InstanceID"`
}

// Deployment is one application routed on one instance. Redeploys update
// the row in place.
type Deployment struct {
	ID           uuid.UUID  `gorm:"type:uuid;primary_key"`
	UserID       string     `gorm:"index;not null"`
	InstanceID   *uuid.UUID `gorm:"type:uuid;index"`
	RepoName     string
	RepoURL      string `gorm:"not null;index:idx_repo_branch"`
	Branch       string `gorm:"not null;index:idx_repo_branch"`
	SubPath      string
	GitSHA       string
	AppKind      models.AppKind `gorm:"not null"`
	Slug         string         `gorm:"uniqueIndex:idx_deployments_slug;not null"`
	RepoDir      string
	AppDir       string
	EntryPoint   string
	Port         int
	EnvVars      string `gorm:"type:text"`
	AutoRedeploy bool
	ExposedURL   string
	Status       models.DeploymentStatus `gorm:"not null;index:idx_deployments_status"`
	Logs         string                  `gorm:"type:text"`
	StartedAt    *time.Time
	FinishedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time

	Instance *Instance `gorm:"foreignKey:InstanceID"`
}

// DeploymentLog is one persisted progress line
type DeploymentLog struct {
	ID           uuid.UUID  `gorm:"type:uuid;primary_key"`
	DeploymentID *uuid.UUID `gorm:"type:uuid;index:idx_logs_deployment"`
	InstanceID   *uuid.UUID `gorm:"type:uuid;index"`
	UserID       string     `gorm:"index"`
	JobID        string
	Phase        models.Phase
	Level        string
	Message      string `gorm:"type:text"`
	Details      string `gorm:"type:text"`
	Timestamp    time.Time `gorm:"index"`
}

// BeforeCreate assigns an id when the caller did not
func (i *Instance) BeforeCreate(tx *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}

// BeforeCreate assigns an id when the caller did not
func (d *Deployment) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

// BeforeCreate assigns an id and timestamp when the caller did not
func (l *DeploymentLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now()
	}
	return nil
}
