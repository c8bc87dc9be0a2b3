package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/alvesdmateus/instance-deployer/internal/configurator"
	"github.com/alvesdmateus/instance-deployer/internal/provisioner"
	"github.com/alvesdmateus/instance-deployer/internal/queue"
	"github.com/alvesdmateus/instance-deployer/internal/remote"
	"github.com/alvesdmateus/instance-deployer/internal/reposync"
	"github.com/alvesdmateus/instance-deployer/internal/state"
	"github.com/alvesdmateus/instance-deployer/pkg/models"
)

// Deploy runs the full pipeline for a pending deployment, provisioning a
// new instance unless the job targets an existing one
func (e *Engine) Deploy(ctx context.Context, job *queue.Job) error {
	var payload queue.DeployPayload
	if err := job.Decode(&payload); err != nil {
		return err
	}

	dep, err := e.loadDeployment(ctx, payload.DeploymentID)
	if err != nil {
		return err
	}

	ctx, r := e.begin(ctx, "deploy", job, dep)
	return e.complete(ctx, r, e.deploy(ctx, r, &payload))
}

func (e *Engine) deploy(ctx context.Context, r *run, payload *queue.DeployPayload) error {
	r.env = e.secrets.Decrypt(r.dep.EnvVars)
	if payload.Env != "" {
		r.env = e.secrets.Decrypt(payload.Env)
	}

	if payload.TargetInstanceID != "" {
		id, err := uuid.Parse(payload.TargetInstanceID)
		if err != nil {
			return fmt.Errorf("invalid target instance id: %w", err)
		}
		inst, err := e.repo.GetInstanceForUser(ctx, id, r.dep.UserID)
		if err != nil {
			return err
		}
		r.inst = inst
		r.log.Log(ctx, fmt.Sprintf("Reusing instance %s (%s)", inst.CloudInstanceID, inst.PublicIP))
	} else {
		if err := e.phase(ctx, r, models.PhaseProvisioning, func(ctx context.Context) error {
			return e.provision(ctx, r, payload)
		}); err != nil {
			return err
		}
	}

	if err := e.attach(ctx, r); err != nil {
		return err
	}
	return e.pipeline(ctx, r, false)
}

func (e *Engine) provision(ctx context.Context, r *run, payload *queue.DeployPayload) error {
	region := payload.Region
	if region == "" {
		region = e.config.DefaultRegion
	}
	creds := provisioner.Credentials{
		AccessKeyID:     e.secrets.Decrypt(payload.AccessKeyID),
		SecretAccessKey: e.secrets.Decrypt(payload.SecretAccessKey),
	}
	if region == "" || creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return errors.New("region and cloud credentials are required to provision a new instance")
	}
	if e.provisioner == nil {
		return errors.New("provisioning is not configured on this worker")
	}

	r.log.Log(ctx, fmt.Sprintf("Provisioning a new instance in %s", region))
	inst, res, err := e.provisioner.Provision(ctx, provisioner.Request{
		UserID:       r.dep.UserID,
		Region:       region,
		InstanceType: payload.InstanceType,
		Credentials:  creds,
	}, r.log)
	if err != nil {
		return err
	}

	r.inst = inst
	r.privateKey = res.PrivateKey
	return nil
}

// Redeploy re-runs sync, configure and route for an existing deployment,
// keeping its slug, port, entry point and env unless the job overrides them
func (e *Engine) Redeploy(ctx context.Context, job *queue.Job) error {
	var payload queue.RedeployPayload
	if err := job.Decode(&payload); err != nil {
		return err
	}

	dep, err := e.loadDeployment(ctx, payload.DeploymentID)
	if err != nil {
		return err
	}

	ctx, r := e.begin(ctx, "redeploy", job, dep)
	return e.complete(ctx, r, e.redeploy(ctx, r, &payload))
}

func (e *Engine) redeploy(ctx context.Context, r *run, payload *queue.RedeployPayload) error {
	if r.dep.InstanceID == nil {
		return errors.New("deployment is not attached to an instance")
	}
	inst, err := e.repo.GetInstance(ctx, *r.dep.InstanceID)
	if err != nil {
		return err
	}
	r.inst = inst
	r.log.SetInstance(inst.ID)

	r.env = e.secrets.Decrypt(r.dep.EnvVars)
	if payload.Env != nil {
		r.env = e.secrets.Decrypt(*payload.Env)
	}
	if payload.Port != nil && *payload.Port > 0 {
		r.dep.Port = *payload.Port
	}
	if payload.EntryPoint != nil && *payload.EntryPoint != "" {
		r.dep.EntryPoint = *payload.EntryPoint
	}

	trigger := payload.Trigger
	if trigger == "" {
		trigger = "manual"
	}
	r.log.Log(ctx, fmt.Sprintf("Redeploying %s on %s (trigger: %s)", r.dep.Slug, inst.PublicIP, trigger))

	return e.pipeline(ctx, r, true)
}

// UpdateEnv rewrites a deployment's env file and restarts its process.
// Sync, configure and route are not re-run. The deployment goes back to the
// status it had when the update was requested, whatever the outcome.
func (e *Engine) UpdateEnv(ctx context.Context, job *queue.Job) error {
	var payload queue.EnvUpdatePayload
	if err := job.Decode(&payload); err != nil {
		return err
	}

	dep, err := e.loadDeployment(ctx, payload.DeploymentID)
	if err != nil {
		return err
	}
	if payload.RestoreStatus != "" {
		defer e.restoreStatus(context.WithoutCancel(ctx), dep.ID, payload.RestoreStatus)
	}
	if dep.InstanceID == nil {
		return errors.New("deployment is not attached to an instance")
	}
	inst, err := e.repo.GetInstance(ctx, *dep.InstanceID)
	if err != nil {
		return fmt.Errorf("get instance: %w", err)
	}

	depID := dep.ID
	log := NewDeploymentLogger(e.repo, e.publisher, jobRef{
		userID:       dep.UserID,
		jobID:        job.ID,
		deploymentID: &depID,
		instanceID:   dep.InstanceID,
	}, e.logger.With().Str("job_id", job.ID).Str("deployment_id", dep.ID.String()).Logger())
	log.SetPhase(models.PhaseEnvUpdate)

	err = e.updateEnv(ctx, log, dep.AppKind, dep.Slug, dep.AppDir, inst, e.secrets.Decrypt(payload.Env))
	if err != nil {
		log.Error(ctx, "Environment update failed: "+err.Error(), err, nil)
		if e.metrics != nil {
			e.metrics.RecordDeployment("env_update", string(dep.AppKind), "failed")
		}
		return err
	}

	if err := e.repo.UpdateDeploymentEnv(ctx, dep.ID, payload.Env); err != nil {
		return err
	}
	e.invalidate(ctx, dep.UserID)
	if e.metrics != nil {
		e.metrics.RecordDeployment("env_update", string(dep.AppKind), "success")
	}
	log.Log(ctx, "Environment updated")
	return nil
}

func (e *Engine) updateEnv(ctx context.Context, log *DeploymentLogger, kind models.AppKind, slug, appDir string, inst *state.Instance, env string) error {
	if appDir == "" {
		paths, err := reposync.BuildAppPaths(slug, "")
		if err != nil {
			return err
		}
		appDir = paths.AppDir
	}

	session, err := e.connect(ctx, inst, log)
	if err != nil {
		return err
	}
	defer session.Close()

	wrote, err := configurator.WriteEnvFile(ctx, session, appDir, env)
	if err != nil {
		return err
	}
	if !wrote {
		// an empty blob clears the file
		cmd := "cat > " + remote.Quote(path.Join(appDir, ".env"))
		if _, err := session.Execute(ctx, cmd, remote.ExecOptions{Stdin: strings.NewReader("")}); err != nil {
			return fmt.Errorf("failed to clear env file: %w", err)
		}
	}
	log.Log(ctx, "Environment file written")

	if kind.Supervised() {
		log.Log(ctx, fmt.Sprintf("Restarting %s", slug))
		if err := configurator.RestartProcess(ctx, session, slug, log); err != nil {
			return err
		}
	}
	return nil
}

// DestroyInstance terminates an instance and its cloud resources, then
// deletes its row together with the deployments routed on it
func (e *Engine) DestroyInstance(ctx context.Context, job *queue.Job) error {
	var payload queue.DestroyInstancePayload
	if err := job.Decode(&payload); err != nil {
		return err
	}

	id, err := uuid.Parse(payload.InstanceID)
	if err != nil {
		return fmt.Errorf("parse instance ID: %w", err)
	}

	inst, err := e.repo.GetInstanceForUser(ctx, id, job.UserID)
	if err != nil {
		if state.IsNotFound(err) {
			// already gone; a retried job must not fail again
			e.logger.Info().Str("instance_id", payload.InstanceID).Msg("Instance already deleted")
			return nil
		}
		return fmt.Errorf("get instance: %w", err)
	}

	log := NewDeploymentLogger(e.repo, e.publisher, jobRef{
		userID:     inst.UserID,
		jobID:      job.ID,
		instanceID: &id,
	}, e.logger.With().Str("job_id", job.ID).Str("instance_id", id.String()).Logger())
	log.SetPhase(models.PhaseDestroy)

	if e.provisioner == nil {
		return errors.New("provisioning is not configured on this worker")
	}

	log.Log(ctx, fmt.Sprintf("Deleting instance %s", inst.CloudInstanceID))
	if err := e.provisioner.Destroy(ctx, provisioner.DestroyRequest{
		Region:          inst.Region,
		Credentials:     e.credentials(inst),
		CloudInstanceID: inst.CloudInstanceID,
		SecurityGroupID: inst.SecurityGroupID,
		KeyPairName:     inst.KeyPairName,
	}, log); err != nil {
		log.Error(ctx, "Instance deletion failed: "+err.Error(), err, nil)
		return err
	}

	if err := e.repo.DeleteInstance(ctx, id); err != nil {
		return err
	}
	e.invalidate(ctx, inst.UserID)

	e.logger.Info().Str("instance_id", id.String()).Msg("Instance deleted")
	return nil
}
