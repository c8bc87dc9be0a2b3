package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

const defaultSSHPort = 22

// SSHDialer opens sessions over golang.org/x/crypto/ssh
type SSHDialer struct {
	DialTimeout     time.Duration
	HostKeyCallback ssh.HostKeyCallback
	Logger          zerolog.Logger
}

// NewSSHDialer creates a dialer. Freshly launched instances have unknown host
// keys, so host key checking is off unless a callback is set.
func NewSSHDialer(dialTimeout time.Duration, logger zerolog.Logger) *SSHDialer {
	return &SSHDialer{
		DialTimeout:     dialTimeout,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Logger:          logger.With().Str("component", "ssh").Logger(),
	}
}

// Connect implements Dialer
func (d *SSHDialer) Connect(ctx context.Context, target Target) (Session, error) {
	return Connect(ctx, target, d.DialTimeout, d.HostKeyCallback, d.Logger)
}

// Client is an open secure shell connection
type Client struct {
	host   string
	client *ssh.Client
	logger zerolog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Connect opens a connection authenticated with target's private key
func Connect(ctx context.Context, target Target, dialTimeout time.Duration, hostKeys ssh.HostKeyCallback, logger zerolog.Logger) (*Client, error) {
	signer, err := ssh.ParsePrivateKey(target.PrivateKey)
	if err != nil {
		return nil, &ConnectionError{Host: target.Host, Err: fmt.Errorf("parse private key: %w", err)}
	}
	if hostKeys == nil {
		hostKeys = ssh.InsecureIgnoreHostKey()
	}

	port := target.Port
	if port == 0 {
		port = defaultSSHPort
	}
	addr := net.JoinHostPort(target.Host, strconv.Itoa(port))

	config := &ssh.ClientConfig{
		User:            target.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         dialTimeout,
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectionError{Host: target.Host, Err: err}
	}

	if dialTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(dialTimeout))
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, &ConnectionError{Host: target.Host, Err: err}
	}
	_ = conn.SetDeadline(time.Time{})

	logger.Debug().Str("host", target.Host).Str("user", target.Username).Msg("SSH connection established")

	return &Client{
		host:   target.Host,
		client: ssh.NewClient(sshConn, chans, reqs),
		logger: logger,
	}, nil
}

type chunkWriter struct {
	mu  *sync.Mutex
	buf *bytes.Buffer
	fn  func(string)
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.buf.Write(p)
	w.mu.Unlock()
	if w.fn != nil {
		w.fn(string(p))
	}
	return len(p), nil
}

// Execute runs command to completion, streaming output through opts
func (c *Client) Execute(ctx context.Context, command string, opts ExecOptions) (*Result, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, &ConnectionError{Host: c.host, Err: fmt.Errorf("open session: %w", err)}
	}
	defer sess.Close()

	var mu sync.Mutex
	var stdout, stderr bytes.Buffer
	sess.Stdout = &chunkWriter{mu: &mu, buf: &stdout, fn: opts.OnStdout}
	sess.Stderr = &chunkWriter{mu: &mu, buf: &stderr, fn: opts.OnStderr}
	if opts.Stdin != nil {
		sess.Stdin = opts.Stdin
	}

	c.logger.Debug().Str("host", c.host).Str("command", command).Msg("Executing remote command")

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		<-done
		return nil, ctx.Err()
	case err = <-done:
	}

	mu.Lock()
	result := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	mu.Unlock()

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, &RemoteCommandError{Command: command, ExitCode: result.ExitCode, Stderr: result.Stderr}
		}
		return result, &ConnectionError{Host: c.host, Err: err}
	}

	return result, nil
}

// OpenInteractiveShell starts a login shell on a pseudo-terminal
func (c *Client) OpenInteractiveShell(ctx context.Context) (Shell, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, &ConnectionError{Host: c.host, Err: fmt.Errorf("open session: %w", err)}
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm-256color", 40, 120, modes); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := sess.Shell(); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	return &shell{
		session: sess,
		stdin:   stdin,
		output:  mergeReaders(stdout, stderr),
	}, nil
}

// mergeReaders interleaves readers in arrival order. Every reader is
// drained concurrently so a quiet stream never holds back the others.
func mergeReaders(readers ...io.Reader) io.ReadCloser {
	pr, pw := io.Pipe()

	var wg sync.WaitGroup
	errs := make(chan error, len(readers))
	for _, r := range readers {
		wg.Add(1)
		go func(r io.Reader) {
			defer wg.Done()
			if _, err := io.Copy(pw, r); err != nil {
				errs <- err
			}
		}(r)
	}
	go func() {
		wg.Wait()
		close(errs)
		// nil closes with io.EOF
		_ = pw.CloseWithError(<-errs)
	}()

	return pr
}

// Close releases the connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.client.Close()
		c.logger.Debug().Str("host", c.host).Msg("SSH connection closed")
	})
	return c.closeErr
}

type shell struct {
	session *ssh.Session
	stdin   io.WriteCloser
	output  io.ReadCloser
}

func (s *shell) Read(p []byte) (int, error)  { return s.output.Read(p) }
func (s *shell) Write(p []byte) (int, error) { return s.stdin.Write(p) }

func (s *shell) Resize(cols, rows int) error {
	return s.session.WindowChange(rows, cols)
}

func (s *shell) Wait() error {
	return s.session.Wait()
}

func (s *shell) Close() error {
	_ = s.stdin.Close()
	_ = s.output.Close()
	return s.session.Close()
}
