package reposync

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvesdmateus/instance-deployer/internal/progress"
	"github.com/alvesdmateus/instance-deployer/internal/remote"
	"github.com/alvesdmateus/instance-deployer/internal/remote/remotetest"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"My Cool_App", "my-cool-app"},
		{"--weird--", "weird"},
		{"", "app"},
		{"!!!", "app"},
		{strings.Repeat("a", 60), strings.Repeat("a", 40)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slugify(tt.in), tt.in)
	}
}

func TestNewSlugIsUniqueAndSafe(t *testing.T) {
	a := NewSlug("Shop Front")
	b := NewSlug("Shop Front")

	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "shop-front-"))
	assert.Len(t, a, len("shop-front-")+8)
}

func TestRepoNameFromURL(t *testing.T) {
	assert.Equal(t, "y", RepoNameFromURL("https://x/y.git"))
	assert.Equal(t, "repo", RepoNameFromURL("https://github.com/org/repo/"))
	assert.Equal(t, "repo", RepoNameFromURL("git@github.com:org/repo.git"))
}

func TestSanitizeSubPath(t *testing.T) {
	clean, err := SanitizeSubPath("  /frontend/web/ ")
	require.NoError(t, err)
	assert.Equal(t, "frontend/web", clean)

	for _, bad := range []string{"..", "../etc", "a/../../b", "/x/..", "a..b"} {
		_, err := SanitizeSubPath(bad)
		var traversal *PathTraversalError
		assert.ErrorAs(t, err, &traversal, bad)
	}
}

func TestBuildAppPaths(t *testing.T) {
	p, err := BuildAppPaths("y-1234abcd", "")
	require.NoError(t, err)
	assert.Equal(t, Paths{
		BaseDir: "/home/ubuntu/apps/y-1234abcd",
		RepoDir: "/home/ubuntu/apps/y-1234abcd/repo",
		AppDir:  "/home/ubuntu/apps/y-1234abcd/repo",
	}, p)

	p, err = BuildAppPaths("y-1234abcd", "/client/")
	require.NoError(t, err)
	assert.Equal(t, "/home/ubuntu/apps/y-1234abcd/repo/client", p.AppDir)
}

func TestSyncRejectsTraversalWithoutSideEffects(t *testing.T) {
	host := remotetest.NewHost()

	_, err := BuildAppPaths("slug", "../../etc")
	var traversal *PathTraversalError
	require.ErrorAs(t, err, &traversal)
	assert.Empty(t, host.Commands())
}

func newRequest(t *testing.T, redeploy bool) Request {
	p, err := BuildAppPaths("y-1234abcd", "")
	require.NoError(t, err)
	return Request{RepoURL: "https://x/y.git", Branch: "main", Paths: p, IsRedeploy: redeploy}
}

func TestSyncFreshClone(t *testing.T) {
	host := remotetest.NewHost()
	req := newRequest(t, false)

	require.NoError(t, NewSynchronizer(zerolog.Nop()).Sync(context.Background(), host, req, progress.Nop))

	assert.Equal(t, []string{
		`mkdir -p "/home/ubuntu/apps" "/home/ubuntu/apps/y-1234abcd"`,
		`rm -rf "/home/ubuntu/apps/y-1234abcd/repo"`,
		`git clone -b "main" -- "https://x/y.git" "/home/ubuntu/apps/y-1234abcd/repo"`,
	}, host.Commands())
	assert.True(t, host.HasDir(req.Paths.RepoDir+"/.git"))
}

func TestSyncRedeployResetsExistingCheckout(t *testing.T) {
	host := remotetest.NewHost()
	req := newRequest(t, true)
	host.AddDir(req.Paths.RepoDir + "/.git")

	require.NoError(t, NewSynchronizer(zerolog.Nop()).Sync(context.Background(), host, req, progress.Nop))

	cmds := host.Commands()
	assert.Contains(t, cmds, `git -C "/home/ubuntu/apps/y-1234abcd/repo" fetch --all`)
	assert.Contains(t, cmds, `git -C "/home/ubuntu/apps/y-1234abcd/repo" checkout "main" --`)
	assert.Contains(t, cmds, `git -C "/home/ubuntu/apps/y-1234abcd/repo" reset --hard "origin/main" --`)
	assert.False(t, host.Ran("git clone"))
	assert.False(t, host.Ran("rm -rf"))
}

func TestSyncRedeployFallsBackToClone(t *testing.T) {
	host := remotetest.NewHost()
	req := newRequest(t, true)
	rec := &progress.Recorder{}

	require.NoError(t, NewSynchronizer(zerolog.Nop()).Sync(context.Background(), host, req, rec))

	assert.True(t, host.Ran("git clone"))
	assert.False(t, host.Ran("fetch --all"))
	assert.True(t, rec.Contains("cloning fresh"))
}

func TestSyncEscapesUserInput(t *testing.T) {
	host := remotetest.NewHost()
	req := newRequest(t, false)
	req.Branch = `main";curl$(id)|sh;"`
	req.RepoURL = "https://x/$(id).git"

	require.NoError(t, NewSynchronizer(zerolog.Nop()).Sync(context.Background(), host, req, progress.Nop))

	assert.Contains(t, host.Commands(),
		`git clone -b "main\";curl\$(id)|sh;\"" -- "https://x/\$(id).git" "/home/ubuntu/apps/y-1234abcd/repo"`)
}

func TestSyncCloneFailure(t *testing.T) {
	host := remotetest.NewHost().On("git clone", remotetest.Response{Stderr: "fatal: Remote branch nope not found", ExitCode: 128})
	req := newRequest(t, false)
	req.Branch = "nope"

	err := NewSynchronizer(zerolog.Nop()).Sync(context.Background(), host, req, progress.Nop)

	var syncErr *SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, "clone", syncErr.Op)
	var cmdErr *remote.RemoteCommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, 128, cmdErr.ExitCode)
}

func TestSyncCreatesSubPathDir(t *testing.T) {
	host := remotetest.NewHost()
	p, err := BuildAppPaths("s", "web")
	require.NoError(t, err)

	require.NoError(t, NewSynchronizer(zerolog.Nop()).Sync(context.Background(), host,
		Request{RepoURL: "https://x/y.git", Branch: "main", Paths: p}, progress.Nop))

	assert.Contains(t, host.Commands(), `mkdir -p "/home/ubuntu/apps/s/repo/web"`)
}

func TestSyncRejectsOptionLikeSources(t *testing.T) {
	for name, mutate := range map[string]func(*Request){
		"upload-pack url": func(r *Request) { r.RepoURL = "--upload-pack=touch /tmp/pwned" },
		"file url":        func(r *Request) { r.RepoURL = "file:///etc" },
		"dash branch":     func(r *Request) { r.Branch = "--orphan" },
	} {
		t.Run(name, func(t *testing.T) {
			host := remotetest.NewHost()
			req := newRequest(t, false)
			mutate(&req)

			err := NewSynchronizer(zerolog.Nop()).Sync(context.Background(), host, req, progress.Nop)

			var syncErr *SyncError
			require.ErrorAs(t, err, &syncErr)
			assert.Equal(t, "validate", syncErr.Op)
			var invalid *InvalidSourceError
			require.ErrorAs(t, err, &invalid)
			assert.Empty(t, host.Commands())
		})
	}
}

func TestValidateRepoURL(t *testing.T) {
	for _, ok := range []string{
		"https://github.com/acme/shop",
		"https://github.com/acme/shop.git",
		"ssh://git@github.com/acme/shop.git",
		"git://example.com/shop.git",
		"git@github.com:acme/shop.git",
	} {
		assert.NoError(t, ValidateRepoURL(ok), ok)
	}
	for _, bad := range []string{
		"",
		"-c core.sshCommand=sh",
		"--upload-pack=evil",
		"http://github.com/acme/shop",
		"file:///etc/passwd",
		"ext::sh -c touch% /tmp/pwned",
		"https:///nohost",
		"git@github.com:-oProxyCommand=sh",
	} {
		assert.Error(t, ValidateRepoURL(bad), bad)
	}
}

func TestValidateBranch(t *testing.T) {
	for _, ok := range []string{"main", "release/1.2", "feature-x", "v1.0.0-rc1"} {
		assert.NoError(t, ValidateBranch(ok), ok)
	}
	for _, bad := range []string{"", "-f", "--upload-pack=x", "a..b", "a b", "a~1", "ref.lock", "/main", "main/", "a@{1}", "x\\y"} {
		assert.Error(t, ValidateBranch(bad), bad)
	}
}
