// Package stack installs the OS-level runtime an application kind needs.
package stack

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/alvesdmateus/instance-deployer/internal/progress"
	"github.com/alvesdmateus/instance-deployer/internal/remote"
	"github.com/alvesdmateus/instance-deployer/pkg/models"
)

// NodeSourceSetupURL pins the Node.js major version installed on instances
const NodeSourceSetupURL = "https://deb.nodesource.com/setup_20.x"

// StackInstallError is returned when an install command exits non-zero
type StackInstallError struct {
	Command string
	Stderr  string
}

func (e *StackInstallError) Error() string {
	return fmt.Sprintf("stack install failed at %q: %s", e.Command, strings.TrimSpace(e.Stderr))
}

// Step is one install command. Tool is set on version probes.
type Step struct {
	Command string
	Tool    string
}

func run(cmd string) Step { return Step{Command: cmd} }

func probe(tool, cmd string) Step { return Step{Command: cmd, Tool: tool} }

var (
	aptUpdate      = run("sudo apt update -y")
	purgeNode      = run("sudo apt purge -y nodejs npm || true")
	nodeSource     = run("curl -fsSL " + NodeSourceSetupURL + " | sudo -E bash -")
	installNode    = run("sudo apt install -y nodejs")
	installPM2     = run("sudo npm install -g pm2")
	installNginx   = run("sudo apt install -y nginx")
	nodeVersion    = probe("node", "node -v")
	npmVersion     = probe("npm", "npm -v")
	pm2Version     = probe("pm2", "pm2 -v")
	nginxVersion   = probe("nginx", "nginx -v")
	python3Version = probe("python3", "python3 --version")
	pip3Version    = probe("pip3", "pip3 --version")
)

// Plan returns the ordered install steps for kind. The stale distro
// nodejs is purged before NodeSource is configured so the pinned
// version is the one on PATH.
func Plan(kind models.AppKind) ([]Step, error) {
	switch kind {
	case models.AppKindNode, models.AppKindReact:
		return []Step{
			aptUpdate,
			run("sudo apt install -y git curl"),
			purgeNode,
			nodeSource,
			installNode,
			installPM2,
			installNginx,
			nodeVersion,
			npmVersion,
			pm2Version,
			nginxVersion,
		}, nil
	case models.AppKindPython:
		return []Step{
			aptUpdate,
			run("sudo apt install -y git python3 python3-pip curl"),
			purgeNode,
			nodeSource,
			installNode,
			installPM2,
			installNginx,
			python3Version,
			pip3Version,
			pm2Version,
			nginxVersion,
		}, nil
	case models.AppKindStatic:
		return []Step{
			aptUpdate,
			run("sudo apt install -y git nginx"),
			nginxVersion,
		}, nil
	default:
		return nil, fmt.Errorf("no install plan for app kind %q", kind)
	}
}

// Installer runs install plans over a remote session
type Installer struct {
	logger zerolog.Logger
}

// NewInstaller creates an installer
func NewInstaller(logger zerolog.Logger) *Installer {
	return &Installer{logger: logger.With().Str("component", "stack").Logger()}
}

// Install runs every step for kind and returns the reported tool versions.
// It is safe to run repeatedly against the same host.
func (i *Installer) Install(ctx context.Context, exec remote.Executor, kind models.AppKind, reporter progress.Reporter) (map[string]string, error) {
	steps, err := Plan(kind)
	if err != nil {
		return nil, err
	}

	versions := make(map[string]string)
	for _, step := range steps {
		reporter.Log(ctx, "$ "+step.Command)

		res, err := exec.Execute(ctx, step.Command, remote.ExecOptions{
			OnStdout: func(chunk string) { progress.Lines(ctx, reporter, chunk) },
			OnStderr: func(chunk string) { progress.Lines(ctx, reporter, chunk) },
		})
		if err != nil {
			stderr := ""
			if res != nil {
				stderr = res.Stderr
			}
			i.logger.Error().Err(err).Str("command", step.Command).Msg("Stack install step failed")
			return versions, &StackInstallError{Command: step.Command, Stderr: stderrOr(stderr, err)}
		}

		if step.Tool != "" {
			// nginx -v prints to stderr
			v := strings.TrimSpace(res.Stdout)
			if v == "" {
				v = strings.TrimSpace(res.Stderr)
			}
			versions[step.Tool] = v
		}
	}

	i.logger.Info().Str("kind", string(kind)).Interface("versions", versions).Msg("Stack installed")
	return versions, nil
}

func stderrOr(stderr string, err error) string {
	if strings.TrimSpace(stderr) != "" {
		return stderr
	}
	return err.Error()
}
