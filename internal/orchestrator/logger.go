package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/alvesdmateus/instance-deployer/internal/progress"
	"github.com/alvesdmateus/instance-deployer/internal/state"
	"github.com/alvesdmateus/instance-deployer/pkg/models"
)

// Log levels
const (
	LogLevelInfo  = "INFO"
	LogLevelWarn  = "WARN"
	LogLevelError = "ERROR"
)

// DeploymentLogger is the progress port handed to every pipeline component.
// Each line is persisted, written to the operator log and published to live
// viewers. None of those sinks can fail the pipeline.
type DeploymentLogger struct {
	repo      *state.Repository
	publisher progress.Publisher
	logger    zerolog.Logger

	userID       string
	jobID        string
	deploymentID *uuid.UUID
	instanceID   *uuid.UUID

	mu    sync.Mutex
	phase models.Phase
}

// NewDeploymentLogger creates a logger for one job. publisher may be nil.
func NewDeploymentLogger(repo *state.Repository, publisher progress.Publisher, job jobRef, logger zerolog.Logger) *DeploymentLogger {
	return &DeploymentLogger{
		repo:         repo,
		publisher:    publisher,
		logger:       logger,
		userID:       job.userID,
		jobID:        job.jobID,
		deploymentID: job.deploymentID,
		instanceID:   job.instanceID,
		phase:        models.PhaseReceived,
	}
}

// jobRef identifies what a logger's lines belong to
type jobRef struct {
	userID       string
	jobID        string
	deploymentID *uuid.UUID
	instanceID   *uuid.UUID
}

// Log implements progress.Reporter
func (l *DeploymentLogger) Log(ctx context.Context, msg string) {
	l.write(ctx, LogLevelInfo, msg, nil)
}

// Warn records a warning line
func (l *DeploymentLogger) Warn(ctx context.Context, msg string, details map[string]interface{}) {
	l.write(ctx, LogLevelWarn, msg, details)
}

// Error records a failure line with the error attached to its details
func (l *DeploymentLogger) Error(ctx context.Context, msg string, err error, details map[string]interface{}) {
	if details == nil {
		details = make(map[string]interface{})
	}
	if err != nil {
		details["error"] = err.Error()
	}
	l.write(ctx, LogLevelError, msg, details)
}

// SetPhase tags subsequent lines with phase
func (l *DeploymentLogger) SetPhase(phase models.Phase) {
	l.mu.Lock()
	l.phase = phase
	l.mu.Unlock()
}

// Phase returns the current phase
func (l *DeploymentLogger) Phase() models.Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.phase
}

// SetInstance attaches subsequent lines to an instance
func (l *DeploymentLogger) SetInstance(id uuid.UUID) {
	l.mu.Lock()
	l.instanceID = &id
	l.mu.Unlock()
}

func (l *DeploymentLogger) write(ctx context.Context, level, msg string, details map[string]interface{}) {
	l.mu.Lock()
	phase, instanceID := l.phase, l.instanceID
	l.mu.Unlock()

	now := time.Now().UTC()

	event := l.logger.Info()
	switch level {
	case LogLevelWarn:
		event = l.logger.Warn()
	case LogLevelError:
		event = l.logger.Error()
	}
	event.Str("phase", string(phase))
	if details != nil {
		event.Interface("details", details)
	}
	event.Msg(msg)

	if l.repo != nil {
		var detailsJSON string
		if details != nil {
			if b, err := json.Marshal(details); err == nil {
				detailsJSON = string(b)
			}
		}

		entry := &state.DeploymentLog{
			DeploymentID: l.deploymentID,
			InstanceID:   instanceID,
			UserID:       l.userID,
			JobID:        l.jobID,
			Phase:        phase,
			Level:        level,
			Message:      msg,
			Details:      detailsJSON,
			Timestamp:    now,
		}
		// a cancelled job still records its last lines
		if err := l.repo.CreateLog(context.WithoutCancel(ctx), entry); err != nil {
			l.logger.Warn().Err(err).Str("message", msg).Msg("Failed to write deployment log to database")
		}
	}

	if l.publisher != nil {
		ev := progress.Event{
			UserID:    l.userID,
			Phase:     string(phase),
			Message:   msg,
			Timestamp: now,
		}
		if l.deploymentID != nil {
			ev.DeploymentID = l.deploymentID.String()
		}
		if err := l.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
			l.logger.Debug().Err(err).Msg("Failed to publish progress line")
		}
	}
}

// Details builds a details map from alternating keys and values
func Details(pairs ...interface{}) map[string]interface{} {
	details := make(map[string]interface{})
	for i := 0; i+1 < len(pairs); i += 2 {
		if key, ok := pairs[i].(string); ok {
			details[key] = pairs[i+1]
		}
	}
	return details
}
