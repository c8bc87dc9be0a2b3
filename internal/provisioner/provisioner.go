// Package provisioner creates and destroys compute instances together with
// the key pair, firewall group and management identity they need.
package provisioner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/rs/zerolog"

	"github.com/alvesdmateus/instance-deployer/internal/observability"
	"github.com/alvesdmateus/instance-deployer/internal/poll"
	"github.com/alvesdmateus/instance-deployer/internal/progress"
	"github.com/alvesdmateus/instance-deployer/internal/state"
)

// Config holds provisioning settings
type Config struct {
	ImageID             string
	InstanceType        string
	PollAttempts        int
	PollInterval        time.Duration
	SettleTime          time.Duration
	RoleName            string
	InstanceProfileName string
	ManagedPolicies     []string
	KeyPairPrefix       string
	SecurityGroupPrefix string
}

// DefaultConfig returns the settings used when nothing is configured
func DefaultConfig() Config {
	return Config{
		ImageID:             "ami-0ecb62995f68bb549",
		InstanceType:        "t3.micro",
		PollAttempts:        60,
		PollInterval:        5 * time.Second,
		SettleTime:          30 * time.Second,
		RoleName:            "Deployer-EC2-SSM-Role",
		InstanceProfileName: "Deployer-EC2-SSM-Instance-Profile",
		ManagedPolicies: []string{
			"arn:aws:iam::aws:policy/AmazonSSMManagedInstanceCore",
			"arn:aws:iam::aws:policy/AmazonSSMFullAccess",
			"arn:aws:iam::aws:policy/CloudWatchAgentServerPolicy",
		},
		KeyPairPrefix:       "deployer-key",
		SecurityGroupPrefix: "deployer-sg",
	}
}

// Ports opened on every instance's firewall group
var ingressPorts = []int32{22, 80}

// Request describes a new instance
type Request struct {
	UserID       string
	Region       string
	InstanceType string
	Credentials  Credentials
}

// Result describes the cloud resources of a provisioned instance.
// PrivateKey is plaintext and must not outlive the run.
type Result struct {
	CloudInstanceID   string
	PublicIP          string
	Region            string
	InstanceType      string
	SecurityGroupID   string
	SecurityGroupName string
	KeyPairName       string
	IAMProfileName    string
	PrivateKey        string
	Duration          time.Duration
}

// InstanceStore persists a provisioned instance
type InstanceStore interface {
	Persist(ctx context.Context, req Request, res *Result) (*state.Instance, error)
}

// Provisioner stands up instances with all-or-nothing semantics
type Provisioner struct {
	factory ClientFactory
	store   InstanceStore
	config  Config
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates a provisioner
func New(factory ClientFactory, store InstanceStore, config Config, metrics *observability.Metrics, logger zerolog.Logger) *Provisioner {
	return &Provisioner{
		factory: factory,
		store:   store,
		config:  config,
		metrics: metrics,
		logger:  logger.With().Str("component", "provisioner").Logger(),
		now:     time.Now,
	}
}

// Provision creates a new instance and persists it. On any failure after the
// first cloud resource exists, everything created so far is released before
// the original error is returned.
func (p *Provisioner) Provision(ctx context.Context, req Request, reporter progress.Reporter) (inst *state.Instance, res *Result, err error) {
	start := p.now()
	if req.InstanceType == "" {
		req.InstanceType = p.config.InstanceType
	}

	logger := p.logger.With().Str("user_id", req.UserID).Str("region", req.Region).Logger()
	defer func() {
		status := "success"
		if err != nil {
			status = "failed"
		}
		if p.metrics != nil {
			p.metrics.RecordProvisioning("create", req.Region, status, time.Since(start).Seconds())
		}
	}()

	clients, err := p.factory.Clients(ctx, req.Region, req.Credentials)
	if err != nil {
		return nil, nil, &StepError{Step: "create cloud clients", Err: err}
	}

	profileName, err := p.ensureIdentity(ctx, clients.IAM, reporter)
	if err != nil {
		return nil, nil, err
	}

	cleanup := NewCleanupStack(logger)
	if p.metrics != nil {
		cleanup.observe = func(name string, err error) {
			status := "success"
			if err != nil {
				status = "failed"
			}
			p.metrics.RecordRollback(name, status)
		}
	}
	defer func() {
		if err == nil {
			cleanup.Release()
			return
		}
		reporter.Log(ctx, "Instance creation failed. Rolling back resources...")
		if cerr := cleanup.Run(ctx, p.rollbackTimeout()); cerr != nil {
			logger.Error().Err(cerr).Msg("Rollback incomplete")
			reporter.Log(ctx, fmt.Sprintf("Rollback incomplete: %v", cerr))
		}
	}()

	stamp := p.now().UnixMilli()
	res = &Result{
		Region:         req.Region,
		InstanceType:   req.InstanceType,
		IAMProfileName: profileName,
	}

	res.KeyPairName = fmt.Sprintf("%s-%d", p.config.KeyPairPrefix, stamp)
	reporter.Log(ctx, fmt.Sprintf("Creating key pair %s", res.KeyPairName))
	kp, err := clients.EC2.CreateKeyPair(ctx, &ec2.CreateKeyPairInput{KeyName: aws.String(res.KeyPairName)})
	if err != nil {
		return nil, nil, &StepError{Step: "create key pair", Err: err}
	}
	res.PrivateKey = aws.ToString(kp.KeyMaterial)
	keyName := res.KeyPairName
	cleanup.Push("key_pair", func(ctx context.Context) error {
		reporter.Log(ctx, fmt.Sprintf("Deleting key pair %s", keyName))
		_, err := clients.EC2.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{KeyName: aws.String(keyName)})
		return err
	})

	res.SecurityGroupName = fmt.Sprintf("%s-%d", p.config.SecurityGroupPrefix, stamp)
	reporter.Log(ctx, fmt.Sprintf("Creating security group %s", res.SecurityGroupName))
	sg, err := clients.EC2.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(res.SecurityGroupName),
		Description: aws.String("Security group for deployer instance"),
	})
	if err != nil {
		return nil, nil, &StepError{Step: "create security group", Err: err}
	}
	res.SecurityGroupID = aws.ToString(sg.GroupId)
	groupID, groupName := res.SecurityGroupID, res.SecurityGroupName
	cleanup.Push("security_group", func(ctx context.Context) error {
		reporter.Log(ctx, fmt.Sprintf("Deleting security group %s", groupName))
		_, err := clients.EC2.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: aws.String(groupID)})
		return err
	})

	reporter.Log(ctx, "Allowing ingress on ports 22 and 80")
	if _, err = clients.EC2.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:       aws.String(res.SecurityGroupID),
		IpPermissions: ipPermissions(ingressPorts),
	}); err != nil {
		return nil, nil, &StepError{Step: "authorize ingress", Err: err}
	}

	reporter.Log(ctx, "Launching instance...")
	run, err := clients.EC2.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:          aws.String(p.config.ImageID),
		InstanceType:     ec2types.InstanceType(req.InstanceType),
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		KeyName:          aws.String(res.KeyPairName),
		SecurityGroupIds: []string{res.SecurityGroupID},
	})
	if err != nil {
		return nil, nil, &StepError{Step: "launch instance", Err: err}
	}
	if len(run.Instances) == 0 || aws.ToString(run.Instances[0].InstanceId) == "" {
		return nil, nil, &StepError{Step: "launch instance", Err: errors.New("response carried no instance id")}
	}
	res.CloudInstanceID = aws.ToString(run.Instances[0].InstanceId)
	instanceID := res.CloudInstanceID
	cleanup.Push("instance", func(ctx context.Context) error {
		reporter.Log(ctx, fmt.Sprintf("Terminating instance %s", instanceID))
		if _, err := clients.EC2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{instanceID}}); err != nil {
			return err
		}
		// the firewall group cannot be deleted while the instance still holds it
		if werr := p.waitTerminated(ctx, clients.EC2, instanceID); werr != nil {
			logger.Warn().Err(werr).Str("instance_id", instanceID).Msg("Instance not yet terminated")
		}
		return nil
	})
	reporter.Log(ctx, fmt.Sprintf("Instance launched: %s", res.CloudInstanceID))

	reporter.Log(ctx, "Waiting for instance to enter 'running' state...")
	if err = p.waitRunning(ctx, clients.EC2, res.CloudInstanceID); err != nil {
		return nil, nil, err
	}

	reporter.Log(ctx, "Attaching IAM instance profile...")
	if _, err = clients.EC2.AssociateIamInstanceProfile(ctx, &ec2.AssociateIamInstanceProfileInput{
		InstanceId:         aws.String(res.CloudInstanceID),
		IamInstanceProfile: &ec2types.IamInstanceProfileSpecification{Name: aws.String(profileName)},
	}); err != nil {
		return nil, nil, &StepError{Step: "attach instance profile", Err: err}
	}

	reporter.Log(ctx, "Waiting for public IP...")
	if res.PublicIP, err = p.waitPublicIP(ctx, clients.EC2, res.CloudInstanceID); err != nil {
		return nil, nil, err
	}
	reporter.Log(ctx, fmt.Sprintf("Public IP: %s", res.PublicIP))

	if p.config.SettleTime > 0 {
		progress.LogAfter(ctx, reporter,
			fmt.Sprintf("Allowing instance to finish boot sequence (%s)...", p.config.SettleTime),
			p.config.SettleTime)
		if err = ctx.Err(); err != nil {
			return nil, nil, err
		}
	}

	res.Duration = time.Since(start)
	inst, err = p.store.Persist(ctx, req, res)
	if err != nil {
		return nil, nil, err
	}

	logger.Info().
		Str("instance_id", res.CloudInstanceID).
		Str("public_ip", res.PublicIP).
		Dur("duration", res.Duration).
		Msg("Instance provisioned")
	reporter.Log(ctx, "Instance ready")

	return inst, res, nil
}

// rollbackTimeout leaves room to wait out a termination before the
// firewall group is deleted
func (p *Provisioner) rollbackTimeout() time.Duration {
	return time.Duration(p.config.PollAttempts)*p.config.PollInterval + time.Minute
}

func ipPermissions(ports []int32) []ec2types.IpPermission {
	perms := make([]ec2types.IpPermission, 0, len(ports))
	for _, port := range ports {
		perms = append(perms, ec2types.IpPermission{
			IpProtocol: aws.String("tcp"),
			FromPort:   aws.Int32(port),
			ToPort:     aws.Int32(port),
			IpRanges:   []ec2types.IpRange{{CidrIp: aws.String("0.0.0.0/0")}},
		})
	}
	return perms
}

var assumeRolePolicy = func() string {
	doc, _ := json.Marshal(map[string]interface{}{
		"Version": "2012-10-17",
		"Statement": []map[string]interface{}{{
			"Effect":    "Allow",
			"Principal": map[string]string{"Service": "ec2.amazonaws.com"},
			"Action":    "sts:AssumeRole",
		}},
	})
	return string(doc)
}()

// ensureIdentity makes sure the management role and instance profile exist.
// Each is looked up by name and created only when the lookup reports it missing.
func (p *Provisioner) ensureIdentity(ctx context.Context, client IAMAPI, reporter progress.Reporter) (string, error) {
	role, profile := p.config.RoleName, p.config.InstanceProfileName
	reporter.Log(ctx, "Checking IAM role and instance profile...")

	_, err := client.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(role)})
	switch {
	case err == nil:
	case isNoSuchEntity(err):
		reporter.Log(ctx, "Creating IAM role...")
		if _, err := client.CreateRole(ctx, &iam.CreateRoleInput{
			RoleName:                 aws.String(role),
			AssumeRolePolicyDocument: aws.String(assumeRolePolicy),
		}); err != nil {
			return "", &StepError{Step: "create role", Err: err}
		}
		for _, arn := range p.config.ManagedPolicies {
			if _, err := client.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
				RoleName:  aws.String(role),
				PolicyArn: aws.String(arn),
			}); err != nil {
				return "", &StepError{Step: "attach role policy", Err: err}
			}
		}
	default:
		return "", &StepError{Step: "get role", Err: err}
	}

	_, err = client.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{InstanceProfileName: aws.String(profile)})
	switch {
	case err == nil:
	case isNoSuchEntity(err):
		reporter.Log(ctx, "Creating instance profile...")
		if _, err := client.CreateInstanceProfile(ctx, &iam.CreateInstanceProfileInput{
			InstanceProfileName: aws.String(profile),
		}); err != nil {
			return "", &StepError{Step: "create instance profile", Err: err}
		}
		if _, err := client.AddRoleToInstanceProfile(ctx, &iam.AddRoleToInstanceProfileInput{
			InstanceProfileName: aws.String(profile),
			RoleName:            aws.String(role),
		}); err != nil {
			return "", &StepError{Step: "add role to instance profile", Err: err}
		}
	default:
		return "", &StepError{Step: "get instance profile", Err: err}
	}

	return profile, nil
}

func describe(ctx context.Context, client EC2API, instanceID string) (*ec2types.Instance, error) {
	out, err := client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		return nil, err
	}
	for _, r := range out.Reservations {
		if len(r.Instances) > 0 {
			return &r.Instances[0], nil
		}
	}
	return nil, poll.ErrNotReady
}

func instanceState(inst *ec2types.Instance) ec2types.InstanceStateName {
	if inst.State == nil {
		return ""
	}
	return inst.State.Name
}

func (p *Provisioner) waitRunning(ctx context.Context, client EC2API, instanceID string) error {
	err := poll.Until(ctx, p.config.PollAttempts, p.config.PollInterval, func(ctx context.Context, _ int) error {
		inst, err := describe(ctx, client, instanceID)
		if err != nil {
			return err
		}
		if instanceState(inst) != ec2types.InstanceStateNameRunning {
			return poll.ErrNotReady
		}
		return nil
	})
	var exhausted *poll.ExhaustedError
	if errors.As(err, &exhausted) {
		return &ProvisioningTimeoutError{
			InstanceID: instanceID,
			Waited:     time.Duration(p.config.PollAttempts) * p.config.PollInterval,
			Err:        err,
		}
	}
	return err
}

func (p *Provisioner) waitPublicIP(ctx context.Context, client EC2API, instanceID string) (string, error) {
	var ip string
	err := poll.Until(ctx, p.config.PollAttempts, p.config.PollInterval, func(ctx context.Context, _ int) error {
		inst, err := describe(ctx, client, instanceID)
		if err != nil {
			return err
		}
		if ip = aws.ToString(inst.PublicIpAddress); ip == "" {
			return poll.ErrNotReady
		}
		return nil
	})
	var exhausted *poll.ExhaustedError
	if errors.As(err, &exhausted) {
		return "", &PublicAddressTimeoutError{
			InstanceID: instanceID,
			Waited:     time.Duration(p.config.PollAttempts) * p.config.PollInterval,
			Err:        err,
		}
	}
	return ip, err
}

func (p *Provisioner) waitTerminated(ctx context.Context, client EC2API, instanceID string) error {
	return poll.Until(ctx, p.config.PollAttempts, p.config.PollInterval, func(ctx context.Context, _ int) error {
		inst, err := describe(ctx, client, instanceID)
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return err
		}
		if instanceState(inst) != ec2types.InstanceStateNameTerminated {
			return poll.ErrNotReady
		}
		return nil
	})
}

// DestroyRequest identifies the cloud resources of an instance
type DestroyRequest struct {
	Region          string
	Credentials     Credentials
	CloudInstanceID string
	SecurityGroupID string
	KeyPairName     string
}

// Destroy terminates the instance, then deletes its firewall group and key
// pair. Resources already gone are not errors. Every step is attempted.
func (p *Provisioner) Destroy(ctx context.Context, req DestroyRequest, reporter progress.Reporter) (err error) {
	start := p.now()
	defer func() {
		status := "success"
		if err != nil {
			status = "failed"
		}
		if p.metrics != nil {
			p.metrics.RecordProvisioning("destroy", req.Region, status, time.Since(start).Seconds())
		}
	}()

	clients, err := p.factory.Clients(ctx, req.Region, req.Credentials)
	if err != nil {
		return &StepError{Step: "create cloud clients", Err: err}
	}

	var errs []error
	if req.CloudInstanceID != "" {
		reporter.Log(ctx, fmt.Sprintf("Terminating instance %s", req.CloudInstanceID))
		_, terr := clients.EC2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{req.CloudInstanceID}})
		switch {
		case terr == nil:
			reporter.Log(ctx, "Waiting for instance to terminate...")
			if werr := p.waitTerminated(ctx, clients.EC2, req.CloudInstanceID); werr != nil {
				p.logger.Warn().Err(werr).Str("instance_id", req.CloudInstanceID).Msg("Instance not yet terminated")
			}
		case isNotFound(terr):
		default:
			errs = append(errs, &StepError{Step: "terminate instance", Err: terr})
		}
	}

	if req.SecurityGroupID != "" {
		reporter.Log(ctx, "Deleting security group")
		if _, derr := clients.EC2.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: aws.String(req.SecurityGroupID)}); derr != nil && !isNotFound(derr) {
			errs = append(errs, &StepError{Step: "delete security group", Err: derr})
		}
	}

	if req.KeyPairName != "" {
		reporter.Log(ctx, fmt.Sprintf("Deleting key pair %s", req.KeyPairName))
		if _, derr := clients.EC2.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{KeyName: aws.String(req.KeyPairName)}); derr != nil && !isNotFound(derr) {
			errs = append(errs, &StepError{Step: "delete key pair", Err: derr})
		}
	}

	return errors.Join(errs...)
}
