package remote

import (
	"fmt"
	"strings"
)

// ConnectionError is returned when a secure shell session cannot be established
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("ssh connection to %s failed: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ProvisioningTimeoutError is returned when a host never accepted a connection
type ProvisioningTimeoutError struct {
	Host     string
	Attempts int
	Err      error
}

func (e *ProvisioningTimeoutError) Error() string {
	return fmt.Sprintf("host %s not reachable over ssh after %d attempts: %v", e.Host, e.Attempts, e.Err)
}

func (e *ProvisioningTimeoutError) Unwrap() error {
	return e.Err
}

// RemoteCommandError is returned when a command exits non-zero
type RemoteCommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *RemoteCommandError) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	if stderr == "" {
		return fmt.Sprintf("command %q exited with status %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("command %q exited with status %d: %s", e.Command, e.ExitCode, stderr)
}
