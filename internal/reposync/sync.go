package reposync

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/alvesdmateus/instance-deployer/internal/progress"
	"github.com/alvesdmateus/instance-deployer/internal/remote"
)

// SyncError is returned when clone, fetch, checkout or reset fails
type SyncError struct {
	Op  string
	Err error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("repository sync failed during %s: %v", e.Op, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Request describes what to materialize where
type Request struct {
	RepoURL    string
	Branch     string
	Paths      Paths
	IsRedeploy bool
}

// Synchronizer clones or resets repositories over a remote session
type Synchronizer struct {
	logger zerolog.Logger
}

// NewSynchronizer creates a synchronizer
func NewSynchronizer(logger zerolog.Logger) *Synchronizer {
	return &Synchronizer{logger: logger.With().Str("component", "reposync").Logger()}
}

// Sync materializes req.Branch into req.Paths.RepoDir. Redeploys reset to
// origin when a checkout exists and fall back to a fresh clone otherwise.
// The URL and branch are validated before any command runs, and each git
// invocation ends its options with "--".
func (s *Synchronizer) Sync(ctx context.Context, exec remote.Executor, req Request, reporter progress.Reporter) error {
	if err := ValidateRepoURL(req.RepoURL); err != nil {
		return &SyncError{Op: "validate", Err: err}
	}
	if err := ValidateBranch(req.Branch); err != nil {
		return &SyncError{Op: "validate", Err: err}
	}

	if err := s.run(ctx, exec, reporter, "prepare", remote.Cmd("mkdir", "-p").Arg(AppBaseDir, req.Paths.BaseDir).String()); err != nil {
		return err
	}

	fresh := true
	if req.IsRedeploy {
		exists, err := s.hasCheckout(ctx, exec, req.Paths.RepoDir)
		if err != nil {
			return err
		}
		if exists {
			fresh = false
		} else {
			reporter.Log(ctx, "No existing checkout found, cloning fresh")
		}
	}

	if fresh {
		if err := s.clone(ctx, exec, req, reporter); err != nil {
			return err
		}
	} else {
		if err := s.reset(ctx, exec, req, reporter); err != nil {
			return err
		}
	}

	if req.Paths.AppDir != req.Paths.RepoDir {
		if err := s.run(ctx, exec, reporter, "prepare", remote.Cmd("mkdir", "-p").Arg(req.Paths.AppDir).String()); err != nil {
			return err
		}
	}

	s.logger.Info().
		Str("repo_url", req.RepoURL).
		Str("branch", req.Branch).
		Str("repo_dir", req.Paths.RepoDir).
		Bool("fresh", fresh).
		Msg("Repository synchronized")
	return nil
}

func (s *Synchronizer) hasCheckout(ctx context.Context, exec remote.Executor, repoDir string) (bool, error) {
	cmd := "[ -d " + remote.Quote(repoDir+"/.git") + ` ] && echo "1" || echo "0"`
	res, err := exec.Execute(ctx, cmd, remote.ExecOptions{})
	if err != nil {
		return false, &SyncError{Op: "inspect", Err: err}
	}
	return strings.TrimSpace(res.Stdout) == "1", nil
}

func (s *Synchronizer) clone(ctx context.Context, exec remote.Executor, req Request, reporter progress.Reporter) error {
	reporter.Log(ctx, fmt.Sprintf("Cloning %s (branch %s)", req.RepoURL, req.Branch))

	if err := s.run(ctx, exec, reporter, "clone", remote.Cmd("rm", "-rf").Arg(req.Paths.RepoDir).String()); err != nil {
		return err
	}
	return s.run(ctx, exec, reporter, "clone",
		remote.Cmd("git", "clone").Flag("-b", req.Branch).Raw("--").Arg(req.RepoURL, req.Paths.RepoDir).String())
}

func (s *Synchronizer) reset(ctx context.Context, exec remote.Executor, req Request, reporter progress.Reporter) error {
	reporter.Log(ctx, fmt.Sprintf("Updating existing checkout to origin/%s", req.Branch))

	steps := []struct {
		op  string
		cmd *remote.Command
	}{
		{"fetch", remote.Cmd("git").Flag("-C", req.Paths.RepoDir).Raw("fetch", "--all")},
		{"checkout", remote.Cmd("git").Flag("-C", req.Paths.RepoDir).Raw("checkout").Arg(req.Branch).Raw("--")},
		{"reset", remote.Cmd("git").Flag("-C", req.Paths.RepoDir).Raw("reset", "--hard").Arg("origin/" + req.Branch).Raw("--")},
	}
	for _, step := range steps {
		if err := s.run(ctx, exec, reporter, step.op, step.cmd.String()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Synchronizer) run(ctx context.Context, exec remote.Executor, reporter progress.Reporter, op, cmd string) error {
	_, err := exec.Execute(ctx, cmd, remote.ExecOptions{
		OnStdout: func(chunk string) { progress.Lines(ctx, reporter, chunk) },
		OnStderr: func(chunk string) { progress.Lines(ctx, reporter, chunk) },
	})
	if err != nil {
		s.logger.Error().Err(err).Str("op", op).Msg("Repository sync command failed")
		return &SyncError{Op: op, Err: err}
	}
	return nil
}
