package provisioner

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/alvesdmateus/instance-deployer/internal/state"
	"github.com/alvesdmateus/instance-deployer/pkg/crypto"
)

const defaultSSHUsername = "ubuntu"

// Tracker records provisioned instances in the database. Key material and
// account credentials are encrypted before they are written.
type Tracker struct {
	repo    *state.Repository
	secrets *crypto.SecretBox
}

// NewTracker creates a new instance tracker
func NewTracker(repo *state.Repository, secrets *crypto.SecretBox) *Tracker {
	return &Tracker{repo: repo, secrets: secrets}
}

// Persist implements InstanceStore
func (t *Tracker) Persist(ctx context.Context, req Request, res *Result) (*state.Instance, error) {
	privateKey, err := t.secrets.Encrypt(res.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt private key: %w", err)
	}
	accessKey, err := t.secrets.Encrypt(req.Credentials.AccessKeyID)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access key: %w", err)
	}
	secretKey, err := t.secrets.Encrypt(req.Credentials.SecretAccessKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt secret key: %w", err)
	}

	inst := &state.Instance{
		UserID:            req.UserID,
		CloudInstanceID:   res.CloudInstanceID,
		PublicIP:          res.PublicIP,
		Region:            res.Region,
		InstanceType:      res.InstanceType,
		SecurityGroupID:   res.SecurityGroupID,
		SecurityGroupName: res.SecurityGroupName,
		IAMProfileName:    res.IAMProfileName,
		KeyPairName:       res.KeyPairName,
		SSHUsername:       defaultSSHUsername,
		PrivateKey:        privateKey,
		AccessKeyID:       accessKey,
		SecretAccessKey:   secretKey,
	}

	if err := t.repo.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}

	log.Info().
		Str("instanceID", inst.ID.String()).
		Str("cloudInstanceID", inst.CloudInstanceID).
		Str("userID", inst.UserID).
		Msg("Instance recorded")

	return inst, nil
}

// Credentials returns the decrypted account keys stored with inst
func (t *Tracker) Credentials(inst *state.Instance) Credentials {
	return Credentials{
		AccessKeyID:     t.secrets.Decrypt(inst.AccessKeyID),
		SecretAccessKey: t.secrets.Decrypt(inst.SecretAccessKey),
	}
}

// PrivateKey returns the decrypted key material stored with inst
func (t *Tracker) PrivateKey(inst *state.Instance) []byte {
	return []byte(t.secrets.Decrypt(inst.PrivateKey))
}
