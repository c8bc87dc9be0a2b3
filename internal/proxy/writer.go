// Package proxy maintains the shared nginx configuration on an instance.
package proxy

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/alvesdmateus/instance-deployer/internal/progress"
	"github.com/alvesdmateus/instance-deployer/internal/remote"
)

// Paths on the instance
const (
	AppsDir        = "/etc/nginx/apps"
	BaseConfig     = AppsDir + "/default.conf"
	SharedConfig   = AppsDir + "/deployer.conf"
	SitesEnabled   = "/etc/nginx/sites-enabled"
	SitesAvailable = "/etc/nginx/sites-available"
)

// ProxyConfigError is returned when nginx rejects the configuration. A bad
// shared config affects every application routed on the instance.
type ProxyConfigError struct {
	Output string
	Err    error
}

func (e *ProxyConfigError) Error() string {
	return fmt.Sprintf("nginx configuration invalid: %s", strings.TrimSpace(e.Output))
}

func (e *ProxyConfigError) Unwrap() error {
	return e.Err
}

// ProxyCommandError wraps a non-validation failure while managing nginx
type ProxyCommandError struct {
	Step string
	Err  error
}

func (e *ProxyCommandError) Error() string {
	return fmt.Sprintf("proxy %s failed: %v", e.Step, e.Err)
}

func (e *ProxyCommandError) Unwrap() error {
	return e.Err
}

// Writer edits nginx configuration over a remote session. Callers must
// serialize calls per instance.
type Writer struct {
	logger zerolog.Logger
}

// NewWriter creates a writer
func NewWriter(logger zerolog.Logger) *Writer {
	return &Writer{logger: logger.With().Str("component", "proxy").Logger()}
}

// EnsureBase installs the catch-all server block once per instance. When
// the base and shared files already exist it changes nothing, so routed
// applications are not interrupted.
func (w *Writer) EnsureBase(ctx context.Context, exec remote.Executor, reporter progress.Reporter) error {
	baseExists, err := w.fileExists(ctx, exec, BaseConfig)
	if err != nil {
		return err
	}
	sharedExists, err := w.fileExists(ctx, exec, SharedConfig)
	if err != nil {
		return err
	}
	if baseExists && sharedExists {
		w.logger.Debug().Msg("Proxy base already initialized")
		return nil
	}

	reporter.Log(ctx, "Configuring nginx base server")

	if err := w.run(ctx, exec, "base", remote.Sudo("mkdir", "-p").Arg(AppsDir, SitesEnabled).String()); err != nil {
		return err
	}
	if err := w.run(ctx, exec, "base", remote.Sudo("rm", "-f").Arg(
		SitesEnabled+"/default",
		SitesEnabled+"/default.conf",
		SitesAvailable+"/default",
	).String()); err != nil {
		return err
	}
	if err := w.writeFile(ctx, exec, BaseConfig, baseServer); err != nil {
		return err
	}
	if !sharedExists {
		if err := w.writeFile(ctx, exec, SharedConfig, emptySharedServer); err != nil {
			return err
		}
	}
	if err := w.run(ctx, exec, "base", remote.Sudo("ln", "-sf").Arg(BaseConfig, SitesEnabled+"/default.conf").String()); err != nil {
		return err
	}
	if err := w.validate(ctx, exec); err != nil {
		return err
	}
	return w.run(ctx, exec, "restart", remote.Sudo("systemctl", "restart", "nginx").String())
}

// WriteLocation routes r.Slug on the shared server block and reloads nginx.
// A route that renders differently from the one on disk is rewritten in
// place. It returns false when the file was left as is.
func (w *Writer) WriteLocation(ctx context.Context, exec remote.Executor, r Route, reporter progress.Reporter) (bool, error) {
	if err := w.run(ctx, exec, "write", remote.Sudo("mkdir", "-p").Arg(AppsDir).String()); err != nil {
		return false, err
	}

	current := emptySharedServer
	exists, err := w.fileExists(ctx, exec, SharedConfig)
	if err != nil {
		return false, err
	}
	if exists {
		res, err := exec.Execute(ctx, remote.Sudo("cat").Arg(SharedConfig).String(), remote.ExecOptions{})
		if err != nil {
			return false, &ProxyCommandError{Step: "read", Err: err}
		}
		current = res.Stdout
	}

	existed := HasRoute(current, r.Slug)
	updated, changed := UpsertLocation(current, r)
	switch {
	case !changed:
		reporter.Log(ctx, fmt.Sprintf("Route /%s/ already present, leaving nginx config unchanged", r.Slug))
	case existed:
		reporter.Log(ctx, fmt.Sprintf("Updating route /%s/", r.Slug))
	default:
		reporter.Log(ctx, fmt.Sprintf("Adding route /%s/", r.Slug))
	}
	if changed {
		if err := w.writeFile(ctx, exec, SharedConfig, updated); err != nil {
			return false, err
		}
	}

	steps := []string{
		remote.Sudo("ln", "-sf").Arg(SharedConfig, SitesEnabled+"/deployer.conf").String(),
		remote.Sudo("rm", "-f").Arg(
			SitesEnabled+"/default",
			SitesEnabled+"/default.conf",
			SitesAvailable+"/default",
			SitesAvailable+"/default.conf",
		).String(),
		remote.Sudo("systemctl", "start", "nginx").String(),
	}
	for _, cmd := range steps {
		if err := w.run(ctx, exec, "activate", cmd); err != nil {
			return changed, err
		}
	}

	if err := w.validate(ctx, exec); err != nil {
		return changed, err
	}
	if err := w.run(ctx, exec, "reload", remote.Sudo("systemctl", "reload", "nginx").String()); err != nil {
		return changed, err
	}

	w.logger.Info().Str("slug", r.Slug).Bool("changed", changed).Msg("Proxy route written")
	return changed, nil
}

func (w *Writer) validate(ctx context.Context, exec remote.Executor) error {
	res, err := exec.Execute(ctx, remote.Sudo("nginx", "-t").String(), remote.ExecOptions{})
	if err != nil {
		output := err.Error()
		if res != nil {
			output = res.Stderr + res.Stdout
		}
		w.logger.Error().Str("output", output).Msg("nginx configuration test failed")
		return &ProxyConfigError{Output: output, Err: err}
	}
	return nil
}

func (w *Writer) fileExists(ctx context.Context, exec remote.Executor, path string) (bool, error) {
	cmd := "[ -f " + remote.Quote(path) + ` ] && echo "1" || echo "0"`
	res, err := exec.Execute(ctx, cmd, remote.ExecOptions{})
	if err != nil {
		return false, &ProxyCommandError{Step: "inspect", Err: err}
	}
	return strings.TrimSpace(res.Stdout) == "1", nil
}

func (w *Writer) writeFile(ctx context.Context, exec remote.Executor, path, content string) error {
	cmd := remote.Sudo("tee").Arg(path).Raw(">", "/dev/null").String()
	if _, err := exec.Execute(ctx, cmd, remote.ExecOptions{Stdin: strings.NewReader(content)}); err != nil {
		return &ProxyCommandError{Step: "write " + path, Err: err}
	}
	return nil
}

func (w *Writer) run(ctx context.Context, exec remote.Executor, step, cmd string) error {
	if _, err := exec.Execute(ctx, cmd, remote.ExecOptions{}); err != nil {
		return &ProxyCommandError{Step: step, Err: err}
	}
	return nil
}
