package provisioner

import (
	"fmt"
	"time"
)

// ProvisioningTimeoutError is returned when a launched instance never reaches
// the running state
type ProvisioningTimeoutError struct {
	InstanceID string
	Waited     time.Duration
	Err        error
}

func (e *ProvisioningTimeoutError) Error() string {
	return fmt.Sprintf("instance %s did not enter running state within %s", e.InstanceID, e.Waited)
}

func (e *ProvisioningTimeoutError) Unwrap() error {
	return e.Err
}

// PublicAddressTimeoutError is returned when a running instance never
// receives a public address
type PublicAddressTimeoutError struct {
	InstanceID string
	Waited     time.Duration
	Err        error
}

func (e *PublicAddressTimeoutError) Error() string {
	return fmt.Sprintf("instance %s has no public address after %s", e.InstanceID, e.Waited)
}

func (e *PublicAddressTimeoutError) Unwrap() error {
	return e.Err
}

// StepError wraps a failed cloud call with the step that issued it
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
