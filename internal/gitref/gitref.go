// Package gitref resolves branch heads on remote repositories without
// cloning them.
package gitref

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"
)

// ErrBranchNotFound is returned when the remote has no such branch
var ErrBranchNotFound = errors.New("branch not found")

// Resolver lists remote references in-process
type Resolver struct {
	timeout time.Duration
}

// NewResolver creates a resolver. A zero timeout means no limit beyond ctx.
func NewResolver(timeout time.Duration) *Resolver {
	return &Resolver{timeout: timeout}
}

// ResolveBranch returns the commit hash branch points at on repoURL
func (r *Resolver) ResolveBranch(ctx context.Context, repoURL, branch string) (string, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	remote := git.NewRemote(memory.NewStorage(), &gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{repoURL},
	})

	refs, err := remote.ListContext(ctx, &git.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to list remote references: %w", err)
	}

	want := plumbing.NewBranchReferenceName(branch)
	for _, ref := range refs {
		if ref.Name() == want {
			return ref.Hash().String(), nil
		}
	}

	return "", fmt.Errorf("%s on %s: %w", branch, repoURL, ErrBranchNotFound)
}
