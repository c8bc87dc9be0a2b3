// Package configurator installs, builds and starts an application per kind.
package configurator

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/rs/zerolog"

	"github.com/alvesdmateus/instance-deployer/internal/progress"
	"github.com/alvesdmateus/instance-deployer/internal/remote"
	"github.com/alvesdmateus/instance-deployer/pkg/models"
)

// WebRootBase holds published static output, one directory per slug
const WebRootBase = "/var/www"

// UnsupportedAppKindError is returned before any command runs
type UnsupportedAppKindError struct {
	Kind models.AppKind
}

func (e *UnsupportedAppKindError) Error() string {
	return fmt.Sprintf("unsupported app kind %q", e.Kind)
}

// ConfigureError is returned when a configure step fails
type ConfigureError struct {
	Step string
	Err  error
}

func (e *ConfigureError) Error() string {
	return fmt.Sprintf("configure %s: %v", e.Step, e.Err)
}

func (e *ConfigureError) Unwrap() error {
	return e.Err
}

// Params describes the synchronized application
type Params struct {
	AppDir     string
	EntryPoint string
	Slug       string
	Port       int
}

// Outcome reports where the configured application can be reached
type Outcome struct {
	Port       int
	WebRoot    string
	EntryPoint string
}

// Strategy configures one application kind
type Strategy interface {
	Kind() models.AppKind
	Configure(ctx context.Context, exec remote.Executor, p Params, reporter progress.Reporter) (Outcome, error)
}

// Configurator selects and runs the strategy for a kind
type Configurator struct {
	strategies map[models.AppKind]Strategy
	logger     zerolog.Logger
}

// New creates a configurator with every built-in strategy
func New(logger zerolog.Logger) *Configurator {
	l := logger.With().Str("component", "configurator").Logger()
	c := &Configurator{strategies: make(map[models.AppKind]Strategy), logger: l}
	for _, s := range []Strategy{
		&nodeStrategy{runner{l}},
		&pythonStrategy{runner{l}},
		&reactStrategy{runner{l}},
		&staticStrategy{runner{l}},
	} {
		c.strategies[s.Kind()] = s
	}
	return c
}

// ForKind returns the strategy for kind
func (c *Configurator) ForKind(kind models.AppKind) (Strategy, error) {
	s, ok := c.strategies[kind]
	if !ok {
		return nil, &UnsupportedAppKindError{Kind: kind}
	}
	return s, nil
}

// Configure runs the strategy for kind
func (c *Configurator) Configure(ctx context.Context, exec remote.Executor, kind models.AppKind, p Params, reporter progress.Reporter) (Outcome, error) {
	s, err := c.ForKind(kind)
	if err != nil {
		return Outcome{}, err
	}

	out, err := s.Configure(ctx, exec, p, reporter)
	if err != nil {
		return Outcome{}, err
	}

	c.logger.Info().
		Str("kind", string(kind)).
		Str("slug", p.Slug).
		Int("port", out.Port).
		Str("web_root", out.WebRoot).
		Msg("Application configured")
	return out, nil
}

// WebRoot is the published directory for slug
func WebRoot(slug string) string {
	return path.Join(WebRootBase, slug)
}

// DefaultEntryPoint is used when the request names none
func DefaultEntryPoint(kind models.AppKind) string {
	switch kind {
	case models.AppKindNode:
		return "index.js"
	case models.AppKindPython:
		return "app.py"
	}
	return ""
}

// DefaultPort is used when the request names none
func DefaultPort(kind models.AppKind) int {
	if kind == models.AppKindPython {
		return 8000
	}
	return 3000
}

// WriteEnvFile writes <appDir>/.env. A blank blob leaves the file untouched.
func WriteEnvFile(ctx context.Context, exec remote.Executor, appDir, env string) (bool, error) {
	if strings.TrimSpace(env) == "" {
		return false, nil
	}
	content := strings.ReplaceAll(env, "\r\n", "\n")

	cmd := "cat > " + remote.Quote(path.Join(appDir, ".env"))
	if _, err := exec.Execute(ctx, cmd, remote.ExecOptions{Stdin: strings.NewReader(content)}); err != nil {
		return false, &ConfigureError{Step: "env", Err: err}
	}
	return true, nil
}

// RestartProcess reloads a supervised process so it picks up a new environment
func RestartProcess(ctx context.Context, exec remote.Executor, slug string, reporter progress.Reporter) error {
	r := runner{zerolog.Nop()}
	if err := r.run(ctx, exec, reporter, "restart", remote.Cmd("pm2", "restart").Arg(slug).Raw("--update-env").OrTrue()); err != nil {
		return err
	}
	return r.run(ctx, exec, reporter, "restart", remote.Cmd("pm2", "save").OrTrue())
}

type runner struct {
	logger zerolog.Logger
}

func (r runner) run(ctx context.Context, exec remote.Executor, reporter progress.Reporter, step, cmd string) error {
	_, err := exec.Execute(ctx, cmd, remote.ExecOptions{
		OnStdout: func(chunk string) { progress.Lines(ctx, reporter, chunk) },
		OnStderr: func(chunk string) { progress.Lines(ctx, reporter, chunk) },
	})
	if err != nil {
		r.logger.Error().Err(err).Str("step", step).Msg("Configure command failed")
		return &ConfigureError{Step: step, Err: err}
	}
	return nil
}

func (r runner) exists(ctx context.Context, exec remote.Executor, test, target string) (bool, error) {
	cmd := "[ " + test + " " + remote.Quote(target) + ` ] && echo "1" || echo "0"`
	res, err := exec.Execute(ctx, cmd, remote.ExecOptions{})
	if err != nil {
		return false, &ConfigureError{Step: "inspect", Err: err}
	}
	return strings.TrimSpace(res.Stdout) == "1", nil
}

func (r runner) publish(ctx context.Context, exec remote.Executor, reporter progress.Reporter, src, webRoot string) error {
	reporter.Log(ctx, "Publishing files to "+webRoot)
	for _, cmd := range []string{
		remote.Sudo("mkdir", "-p").Arg(webRoot).String(),
		remote.Sudo("rm", "-rf").Raw(remote.Quote(webRoot) + "/*").String(),
		remote.Sudo("cp", "-r").Raw(remote.Quote(src)+"/*", remote.Quote(webRoot)+"/").String(),
		remote.Sudo("chown", "-R", "www-data:www-data").Arg(webRoot).String(),
	} {
		if err := r.run(ctx, exec, reporter, "publish", cmd); err != nil {
			return err
		}
	}
	return nil
}

// removeProcess deletes any supervised process already registered under slug
func (r runner) removeProcess(ctx context.Context, exec remote.Executor, reporter progress.Reporter, slug string) error {
	q := remote.Quote(slug)
	cmd := "if pm2 describe " + q + " >/dev/null 2>&1; then pm2 delete " + q + "; fi"
	return r.run(ctx, exec, reporter, "start", cmd)
}

func portEnv(port int) []string {
	return []string{fmt.Sprintf("PORT=%d", port)}
}
