package remote

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/alvesdmateus/instance-deployer/internal/poll"
)

// Target identifies a host and the key used to reach it
type Target struct {
	Host       string
	Port       int
	Username   string
	PrivateKey []byte
}

// ExecOptions controls a single command run. Callbacks receive output
// chunks as they arrive.
type ExecOptions struct {
	OnStdout func(chunk string)
	OnStderr func(chunk string)
	Stdin    io.Reader
}

// Result is the outcome of a completed command
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Executor runs commands on a host
type Executor interface {
	Execute(ctx context.Context, command string, opts ExecOptions) (*Result, error)
}

// Shell is a duplex byte stream attached to an interactive terminal
type Shell interface {
	io.ReadWriteCloser
	Resize(cols, rows int) error
	Wait() error
}

// Session is an open connection to a host
type Session interface {
	Executor
	OpenInteractiveShell(ctx context.Context) (Shell, error)
	Close() error
}

// Dialer opens sessions
type Dialer interface {
	Connect(ctx context.Context, target Target) (Session, error)
}

// WaitUntilReady retries Connect with a fixed delay until the host accepts a
// session or attempts run out. notify, when set, is told about each failed attempt.
func WaitUntilReady(ctx context.Context, dialer Dialer, target Target, attempts int, delay time.Duration, notify func(attempt int, err error)) (Session, error) {
	var session Session
	err := poll.Until(ctx, attempts, delay, func(ctx context.Context, attempt int) error {
		s, err := dialer.Connect(ctx, target)
		if err != nil {
			if notify != nil {
				notify(attempt, err)
			}
			return err
		}
		session = s
		return nil
	})

	var exhausted *poll.ExhaustedError
	if errors.As(err, &exhausted) {
		return nil, &ProvisioningTimeoutError{Host: target.Host, Attempts: exhausted.Attempts, Err: exhausted.Last}
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}
