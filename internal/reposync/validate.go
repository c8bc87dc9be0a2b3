package reposync

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// scp-style remotes such as git@github.com:acme/shop.git
var scpLike = regexp.MustCompile(`^[A-Za-z0-9._-]+@[A-Za-z0-9.-]+:[^/\s-][^\s]*$`)

var allowedSchemes = map[string]bool{"https": true, "ssh": true, "git": true}

// InvalidSourceError is returned for repository URLs and branches that git
// could read as options or that are not valid remotes or refs
type InvalidSourceError struct {
	Field  string
	Value  string
	Reason string
}

func (e *InvalidSourceError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// ValidateRepoURL accepts https://, ssh:// and git:// URLs and scp-style
// user@host:path remotes
func ValidateRepoURL(repoURL string) error {
	invalid := func(reason string) error {
		return &InvalidSourceError{Field: "repository URL", Value: repoURL, Reason: reason}
	}

	if repoURL == "" {
		return invalid("must not be empty")
	}
	if strings.HasPrefix(repoURL, "-") {
		return invalid("must not start with '-'")
	}
	if strings.ContainsAny(repoURL, " \t\r\n") {
		return invalid("must not contain whitespace")
	}
	if scpLike.MatchString(repoURL) {
		return nil
	}

	u, err := url.Parse(repoURL)
	if err != nil {
		return invalid(err.Error())
	}
	if !allowedSchemes[strings.ToLower(u.Scheme)] {
		return invalid("scheme must be https, ssh or git")
	}
	if u.Host == "" || strings.HasPrefix(u.Host, "-") {
		return invalid("missing host")
	}
	return nil
}

// ValidateBranch applies git's ref name rules to a branch name
func ValidateBranch(branch string) error {
	invalid := func(reason string) error {
		return &InvalidSourceError{Field: "branch", Value: branch, Reason: reason}
	}

	switch {
	case branch == "":
		return invalid("must not be empty")
	case strings.HasPrefix(branch, "-"):
		return invalid("must not start with '-'")
	case strings.HasPrefix(branch, "/"), strings.HasSuffix(branch, "/"),
		strings.HasSuffix(branch, "."), strings.HasSuffix(branch, ".lock"):
		return invalid("has an invalid start or end")
	case strings.Contains(branch, ".."), strings.Contains(branch, "//"), strings.Contains(branch, "@{"):
		return invalid("contains an invalid sequence")
	}
	for _, r := range branch {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(" ~^:?*[\\", r) {
			return invalid(fmt.Sprintf("contains %q", r))
		}
	}
	return nil
}
