package configurator

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/alvesdmateus/instance-deployer/internal/progress"
	"github.com/alvesdmateus/instance-deployer/internal/remote"
	"github.com/alvesdmateus/instance-deployer/pkg/models"
)

var nodeFileExtensions = []string{".js", ".mjs", ".cjs", ".ts", ".mts", ".cts"}

func isScriptFile(entry string) bool {
	ext := path.Ext(strings.TrimSpace(entry))
	for _, e := range nodeFileExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

func lockfileInstall(appDir, ci, install string) string {
	return remote.BashLogin(remote.Script(
		"cd "+remote.Quote(appDir),
		"if [ -f package-lock.json ]; then "+ci+"; else "+install+"; fi",
	))
}

type nodeStrategy struct{ runner }

func (s *nodeStrategy) Kind() models.AppKind { return models.AppKindNode }

func (s *nodeStrategy) Configure(ctx context.Context, exec remote.Executor, p Params, reporter progress.Reporter) (Outcome, error) {
	reporter.Log(ctx, "Installing dependencies")
	if err := s.run(ctx, exec, reporter, "install", lockfileInstall(p.AppDir, "npm ci --silent", "npm install --silent")); err != nil {
		return Outcome{}, err
	}

	if err := s.removeProcess(ctx, exec, reporter, p.Slug); err != nil {
		return Outcome{}, err
	}

	entry := strings.TrimSpace(p.EntryPoint)
	var start *remote.Command
	switch {
	case isScriptFile(entry):
		start = remote.Cmd("pm2", "start").Arg(entry).Flag("--name", p.Slug).Flag("--cwd", p.AppDir).Raw("--update-env")
	case strings.HasPrefix(entry, "npm run "):
		script := strings.TrimSpace(strings.TrimPrefix(entry, "npm run "))
		start = remote.Cmd("pm2", "start", "npm").Flag("--name", p.Slug).Flag("--cwd", p.AppDir).Raw("--", "run").Arg(script)
	default:
		start = remote.Cmd("pm2", "start", "npm").Flag("--name", p.Slug).Flag("--cwd", p.AppDir).Raw("--", "start")
	}

	reporter.Log(ctx, fmt.Sprintf("Starting %s on port %d", p.Slug, p.Port))
	if err := s.run(ctx, exec, reporter, "start", remote.Env(portEnv(p.Port), start)); err != nil {
		return Outcome{}, err
	}
	if err := s.run(ctx, exec, reporter, "start", remote.Cmd("pm2", "save").String()); err != nil {
		return Outcome{}, err
	}

	return Outcome{Port: p.Port, EntryPoint: entry}, nil
}

var pythonCandidates = []string{"app.py", "main.py"}

type pythonStrategy struct{ runner }

func (s *pythonStrategy) Kind() models.AppKind { return models.AppKindPython }

func (s *pythonStrategy) Configure(ctx context.Context, exec remote.Executor, p Params, reporter progress.Reporter) (Outcome, error) {
	reporter.Log(ctx, "Installing Python requirements")
	install := remote.BashLogin(remote.Script(
		"cd "+remote.Quote(p.AppDir),
		"if [ -f requirements.txt ]; then pip3 install -r requirements.txt; fi",
	))
	if err := s.run(ctx, exec, reporter, "install", install); err != nil {
		return Outcome{}, err
	}

	if err := s.removeProcess(ctx, exec, reporter, p.Slug); err != nil {
		return Outcome{}, err
	}

	candidates := append([]string(nil), pythonCandidates...)
	if e := strings.TrimSpace(p.EntryPoint); e != "" {
		candidates = append(candidates, e)
	}

	var start *remote.Command
	entry := ""
	for _, c := range candidates {
		ok, err := s.exists(ctx, exec, "-f", path.Join(p.AppDir, c))
		if err != nil {
			return Outcome{}, err
		}
		if ok {
			entry = c
			start = remote.Cmd("pm2", "start").Arg(c).
				Flag("--name", p.Slug).Flag("--cwd", p.AppDir).
				Raw("--interpreter", "python3", "--update-env")
			break
		}
	}
	if start == nil {
		entry = "app.py"
		reporter.Log(ctx, "No entry file found, falling back to python3 app.py")
		start = remote.Cmd("pm2", "start", "python3").Flag("--name", p.Slug).Flag("--cwd", p.AppDir).Raw("--", "app.py")
	}

	reporter.Log(ctx, fmt.Sprintf("Starting %s (%s) on port %d", p.Slug, entry, p.Port))
	if err := s.run(ctx, exec, reporter, "start", remote.Env(portEnv(p.Port), start)); err != nil {
		return Outcome{}, err
	}
	if err := s.run(ctx, exec, reporter, "start", remote.Cmd("pm2", "save").OrTrue()); err != nil {
		return Outcome{}, err
	}

	return Outcome{Port: p.Port, EntryPoint: entry}, nil
}

var buildOutputDirs = []string{"build", "dist"}

type reactStrategy struct{ runner }

func (s *reactStrategy) Kind() models.AppKind { return models.AppKindReact }

func (s *reactStrategy) Configure(ctx context.Context, exec remote.Executor, p Params, reporter progress.Reporter) (Outcome, error) {
	ok, err := s.exists(ctx, exec, "-f", path.Join(p.AppDir, "package.json"))
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{}, &ConfigureError{
			Step: "verify",
			Err:  fmt.Errorf("package.json not found in %s. Did you set the correct sub-path?", p.AppDir),
		}
	}

	flags := "--no-audit --no-fund --loglevel=warn --progress=false"
	reporter.Log(ctx, "Installing dependencies")
	if err := s.run(ctx, exec, reporter, "install",
		lockfileInstall(p.AppDir, "CI=false npm ci "+flags, "CI=false npm install "+flags)); err != nil {
		return Outcome{}, err
	}

	reporter.Log(ctx, "Building application")
	build := remote.BashLogin(remote.Script(
		"cd "+remote.Quote(p.AppDir),
		`CI=false BROWSER=none NODE_OPTIONS="--max-old-space-size=2048" npm run build --if-present --loglevel=warn`,
	))
	if err := s.run(ctx, exec, reporter, "build", build); err != nil {
		return Outcome{}, err
	}

	output := ""
	for _, dir := range buildOutputDirs {
		ok, err := s.exists(ctx, exec, "-d", path.Join(p.AppDir, dir))
		if err != nil {
			return Outcome{}, err
		}
		if ok {
			output = dir
			break
		}
	}
	if output == "" {
		return Outcome{}, &ConfigureError{Step: "build", Err: errors.New("no build output found (expected build/ or dist/)")}
	}

	webRoot := WebRoot(p.Slug)
	if err := s.publish(ctx, exec, reporter, path.Join(p.AppDir, output), webRoot); err != nil {
		return Outcome{}, err
	}
	return Outcome{WebRoot: webRoot}, nil
}

type staticStrategy struct{ runner }

func (s *staticStrategy) Kind() models.AppKind { return models.AppKindStatic }

func (s *staticStrategy) Configure(ctx context.Context, exec remote.Executor, p Params, reporter progress.Reporter) (Outcome, error) {
	webRoot := WebRoot(p.Slug)
	if err := s.publish(ctx, exec, reporter, p.AppDir, webRoot); err != nil {
		return Outcome{}, err
	}
	return Outcome{WebRoot: webRoot}, nil
}
