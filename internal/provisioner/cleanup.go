package provisioner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

type cleanupAction struct {
	name string
	fn   func(ctx context.Context) error
}

// CleanupStack runs registered cleanup actions in reverse order. Every action
// runs even when an earlier one failed.
type CleanupStack struct {
	actions []cleanupAction
	logger  zerolog.Logger
	// observe is called once per action with its outcome
	observe func(name string, err error)
}

// NewCleanupStack creates an empty stack
func NewCleanupStack(logger zerolog.Logger) *CleanupStack {
	return &CleanupStack{logger: logger}
}

// Push registers a cleanup action
func (s *CleanupStack) Push(name string, fn func(ctx context.Context) error) {
	s.actions = append(s.actions, cleanupAction{name: name, fn: fn})
}

// Len returns the number of pending actions
func (s *CleanupStack) Len() int {
	return len(s.actions)
}

// Release drops every action after a successful run
func (s *CleanupStack) Release() {
	s.actions = nil
}

// Run executes pending actions last-in first-out and joins their errors.
// Actions run on a context detached from ctx's cancellation, so a cancelled
// run still releases what it created.
func (s *CleanupStack) Run(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	var errs []error
	for i := len(s.actions) - 1; i >= 0; i-- {
		a := s.actions[i]
		err := a.fn(cctx)
		if err != nil {
			s.logger.Warn().Err(err).Str("action", a.name).Msg("Cleanup action failed")
			errs = append(errs, fmt.Errorf("%s: %w", a.name, err))
		} else {
			s.logger.Info().Str("action", a.name).Msg("Cleanup action completed")
		}
		if s.observe != nil {
			s.observe(a.name, err)
		}
	}
	s.actions = nil
	return errors.Join(errs...)
}
