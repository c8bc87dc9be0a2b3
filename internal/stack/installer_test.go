package stack

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvesdmateus/instance-deployer/internal/progress"
	"github.com/alvesdmateus/instance-deployer/internal/remote/remotetest"
	"github.com/alvesdmateus/instance-deployer/pkg/models"
)

func scriptedHost() *remotetest.Host {
	return remotetest.NewHost().
		On("node -v", remotetest.Response{Stdout: "v20.11.1\n"}).
		On("npm -v", remotetest.Response{Stdout: "10.2.4\n"}).
		On("pm2 -v", remotetest.Response{Stdout: "5.3.1\n"}).
		On("nginx -v", remotetest.Response{Stderr: "nginx version: nginx/1.24.0 (Ubuntu)\n"}).
		On("python3 --version", remotetest.Response{Stdout: "Python 3.12.3\n"}).
		On("pip3 --version", remotetest.Response{Stdout: "pip 24.0\n"})
}

func indexOf(cmds []string, cmd string) int {
	for i, c := range cmds {
		if c == cmd {
			return i
		}
	}
	return -1
}

func TestPlanOrdersPurgeBeforePinnedRuntime(t *testing.T) {
	for _, kind := range []models.AppKind{models.AppKindNode, models.AppKindReact, models.AppKindPython} {
		steps, err := Plan(kind)
		require.NoError(t, err)

		cmds := make([]string, len(steps))
		for i, s := range steps {
			cmds[i] = s.Command
		}

		assert.Equal(t, "sudo apt update -y", cmds[0])
		purge := indexOf(cmds, "sudo apt purge -y nodejs npm || true")
		setup := indexOf(cmds, "curl -fsSL https://deb.nodesource.com/setup_20.x | sudo -E bash -")
		install := indexOf(cmds, "sudo apt install -y nodejs")
		pm2 := indexOf(cmds, "sudo npm install -g pm2")
		require.True(t, purge >= 0 && setup >= 0 && install >= 0 && pm2 >= 0, kind)
		assert.Less(t, purge, setup)
		assert.Less(t, setup, install)
		assert.Less(t, install, pm2)
	}
}

func TestPlanStaticInstallsProxyOnly(t *testing.T) {
	steps, err := Plan(models.AppKindStatic)
	require.NoError(t, err)

	for _, s := range steps {
		assert.NotContains(t, s.Command, "nodejs")
		assert.NotContains(t, s.Command, "pm2")
	}
	assert.Equal(t, "sudo apt install -y git nginx", steps[1].Command)
}

func TestPlanUnknownKind(t *testing.T) {
	_, err := Plan(models.AppKind("cobol"))
	assert.Error(t, err)
}

func TestInstallIsIdempotent(t *testing.T) {
	host := scriptedHost()
	installer := NewInstaller(zerolog.Nop())
	ctx := context.Background()

	first, err := installer.Install(ctx, host, models.AppKindPython, progress.Nop)
	require.NoError(t, err)
	firstCmds := host.Commands()

	host.Reset()
	second, err := installer.Install(ctx, host, models.AppKindPython, progress.Nop)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, firstCmds, host.Commands())
	assert.NotContains(t, first, "node")
	assert.Equal(t, "Python 3.12.3", first["python3"])
	assert.Equal(t, "nginx version: nginx/1.24.0 (Ubuntu)", first["nginx"])
}

func TestInstallReportsVersions(t *testing.T) {
	host := scriptedHost()
	rec := &progress.Recorder{}

	versions, err := NewInstaller(zerolog.Nop()).Install(context.Background(), host, models.AppKindNode, rec)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"node":  "v20.11.1",
		"npm":   "10.2.4",
		"pm2":   "5.3.1",
		"nginx": "nginx version: nginx/1.24.0 (Ubuntu)",
	}, versions)
	assert.True(t, rec.Contains("$ sudo apt update -y"))
	assert.True(t, rec.Contains("v20.11.1"))
}

func TestInstallStopsAtFirstFailure(t *testing.T) {
	host := scriptedHost().On("sudo npm install -g pm2", remotetest.Response{Stderr: "EACCES", ExitCode: 243})

	_, err := NewInstaller(zerolog.Nop()).Install(context.Background(), host, models.AppKindNode, progress.Nop)

	var installErr *StackInstallError
	require.ErrorAs(t, err, &installErr)
	assert.Equal(t, "sudo npm install -g pm2", installErr.Command)
	assert.Equal(t, "EACCES", installErr.Stderr)
	assert.False(t, host.Ran("sudo apt install -y nginx"))
}

func TestInstallUnknownKindRunsNothing(t *testing.T) {
	host := scriptedHost()
	_, err := NewInstaller(zerolog.Nop()).Install(context.Background(), host, models.AppKind("cobol"), progress.Nop)
	assert.Error(t, err)
	assert.Empty(t, host.Commands())
}
