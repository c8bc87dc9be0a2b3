// Package reposync materializes a repository branch on a remote host.
package reposync

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// AppBaseDir is the root of every deployment's working tree on an instance
const AppBaseDir = "/home/ubuntu/apps"

const maxSlugBase = 40

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// PathTraversalError is returned for sub-paths that could escape the repository
type PathTraversalError struct {
	SubPath string
}

func (e *PathTraversalError) Error() string {
	return fmt.Sprintf("invalid sub-path %q: path traversal is not allowed", e.SubPath)
}

// Paths is the on-disk layout of one deployment
type Paths struct {
	BaseDir string
	RepoDir string
	AppDir  string
}

// Slugify reduces name to a URL-safe path segment
func Slugify(name string) string {
	s := nonSlug.ReplaceAllString(strings.ToLower(name), "-")
	s = strings.Trim(s, "-")
	if len(s) > maxSlugBase {
		s = s[:maxSlugBase]
	}
	if s == "" {
		return "app"
	}
	return s
}

// NewSlug returns a unique slug for a repository name
func NewSlug(repoName string) string {
	return Slugify(repoName) + "-" + uuid.NewString()[:8]
}

// RepoNameFromURL returns the last path segment of a repository URL without ".git"
func RepoNameFromURL(repoURL string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(repoURL), "/")
	if i := strings.LastIndexAny(trimmed, "/:"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	return strings.TrimSuffix(trimmed, ".git")
}

// SanitizeSubPath strips surrounding whitespace and slashes and rejects traversal
func SanitizeSubPath(subPath string) (string, error) {
	s := strings.Trim(strings.TrimSpace(subPath), "/")
	if strings.Contains(s, "..") {
		return "", &PathTraversalError{SubPath: subPath}
	}
	return s, nil
}

// BuildAppPaths computes the layout for slug, rooted at AppBaseDir
func BuildAppPaths(slug, subPath string) (Paths, error) {
	clean, err := SanitizeSubPath(subPath)
	if err != nil {
		return Paths{}, err
	}

	base := path.Join(AppBaseDir, slug)
	repo := path.Join(base, "repo")
	app := repo
	if clean != "" {
		app = path.Join(repo, clean)
	}

	return Paths{BaseDir: base, RepoDir: repo, AppDir: app}, nil
}
