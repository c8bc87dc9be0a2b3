package state

import (
	"errors"
	"fmt"
)

// ErrNotFound is wrapped by every lookup that matches no row
var ErrNotFound = errors.New("not found")

// ErrDeploymentBusy is returned when a deployment already has an attempt
// queued or running
var ErrDeploymentBusy = errors.New("deployment already in progress")

// PersistenceError wraps a failed store operation
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func persistErr(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}

// IsNotFound reports whether err wraps ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsBusy reports whether err wraps ErrDeploymentBusy
func IsBusy(err error) bool {
	return errors.Is(err, ErrDeploymentBusy)
}
