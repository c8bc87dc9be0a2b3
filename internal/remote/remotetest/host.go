// Package remotetest provides an in-memory remote host for pipeline tests.
package remotetest

import (
	"context"
	"errors"
	"io"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/alvesdmateus/instance-deployer/internal/remote"
)

// Response is a scripted command outcome
type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

type rule struct {
	match   func(cmd string) bool
	respond func(cmd, stdin string) Response
}

// Host records every command and emulates the small set of file operations
// the deployment pipeline performs: reading and writing files through
// cat/tee, directory tests, mkdir, rm and git clone.
type Host struct {
	mu       sync.Mutex
	commands []string
	files    map[string]string
	dirs     map[string]bool
	rules    []rule
	closed   bool
	shells   int
}

// NewHost returns an empty host
func NewHost() *Host {
	return &Host{
		files: make(map[string]string),
		dirs:  make(map[string]bool),
	}
}

// On scripts a response for every command containing substr. Later rules win.
func (h *Host) On(substr string, resp Response) *Host {
	return h.OnFunc(func(cmd string) bool { return strings.Contains(cmd, substr) }, func(string, string) Response { return resp })
}

// OnFunc scripts a computed response
func (h *Host) OnFunc(match func(cmd string) bool, respond func(cmd, stdin string) Response) *Host {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rules = append(h.rules, rule{match: match, respond: respond})
	return h
}

// SetFile seeds a file
func (h *Host) SetFile(path, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files[path] = content
}

// File returns a file's content
func (h *Host) File(path string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.files[path]
	return c, ok
}

// AddDir marks a directory as present
func (h *Host) AddDir(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dirs[strings.TrimSuffix(path, "/")] = true
}

// HasDir reports whether a directory is present
func (h *Host) HasDir(path string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dirs[strings.TrimSuffix(path, "/")]
}

// RemoveTree deletes a directory and everything below it
func (h *Host) RemoveTree(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(path)
}

// Commands returns every command executed so far
func (h *Host) Commands() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.commands...)
}

// Reset clears the command log
func (h *Host) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = nil
}

// Ran reports whether any command contained substr
func (h *Host) Ran(substr string) bool {
	for _, c := range h.Commands() {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

// Closed reports whether Close was called
func (h *Host) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Files lists file paths in sorted order
func (h *Host) Files() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	paths := make([]string, 0, len(h.files))
	for p := range h.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

var (
	readRe   = regexp.MustCompile(`^(?:sudo )?cat "([^"]+)"$`)
	writeRe  = regexp.MustCompile(`^(?:sudo tee "([^"]+)" > /dev/null|cat > "([^"]+)")$`)
	dirTest  = regexp.MustCompile(`^\[ -d "([^"]+)" \]`)
	fileTest = regexp.MustCompile(`^\[ -f "([^"]+)" \]`)
	mkdirRe  = regexp.MustCompile(`^(?:sudo )?mkdir -p ((?:"[^"]+" ?)+)$`)
	rmRe     = regexp.MustCompile(`^(?:sudo )?rm -rf "([^"]+)"$`)
	cloneRe  = regexp.MustCompile(`^git clone .* "([^"]+)"$`)
	quotedRe = regexp.MustCompile(`"([^"]+)"`)
)

// Execute implements remote.Executor
func (h *Host) Execute(ctx context.Context, command string, opts remote.ExecOptions) (*remote.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stdin := ""
	if opts.Stdin != nil {
		b, err := io.ReadAll(opts.Stdin)
		if err != nil {
			return nil, err
		}
		stdin = string(b)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, &remote.ConnectionError{Host: "remotetest", Err: errors.New("session closed")}
	}
	h.commands = append(h.commands, command)
	resp, scripted := h.scriptedLocked(command, stdin)
	if !scripted {
		resp = h.emulateLocked(command, stdin)
	}
	h.mu.Unlock()

	if resp.Stdout != "" && opts.OnStdout != nil {
		opts.OnStdout(resp.Stdout)
	}
	if resp.Stderr != "" && opts.OnStderr != nil {
		opts.OnStderr(resp.Stderr)
	}

	result := &remote.Result{ExitCode: resp.ExitCode, Stdout: resp.Stdout, Stderr: resp.Stderr}
	if resp.ExitCode != 0 {
		return result, &remote.RemoteCommandError{Command: command, ExitCode: resp.ExitCode, Stderr: resp.Stderr}
	}
	return result, nil
}

func (h *Host) scriptedLocked(command, stdin string) (Response, bool) {
	for i := len(h.rules) - 1; i >= 0; i-- {
		if h.rules[i].match(command) {
			return h.rules[i].respond(command, stdin), true
		}
	}
	return Response{}, false
}

func (h *Host) emulateLocked(command, stdin string) Response {
	if m := readRe.FindStringSubmatch(command); m != nil {
		content, ok := h.files[m[1]]
		if !ok {
			return Response{Stderr: "cat: " + m[1] + ": No such file or directory", ExitCode: 1}
		}
		return Response{Stdout: content}
	}
	if m := writeRe.FindStringSubmatch(command); m != nil {
		path := m[1]
		if path == "" {
			path = m[2]
		}
		h.files[path] = stdin
		return Response{}
	}
	if m := dirTest.FindStringSubmatch(command); m != nil {
		if h.dirs[strings.TrimSuffix(m[1], "/")] {
			return Response{Stdout: "1\n"}
		}
		return Response{Stdout: "0\n"}
	}
	if m := fileTest.FindStringSubmatch(command); m != nil {
		if _, ok := h.files[m[1]]; ok {
			return Response{Stdout: "1\n"}
		}
		return Response{Stdout: "0\n"}
	}
	if m := mkdirRe.FindStringSubmatch(command); m != nil {
		for _, q := range quotedRe.FindAllStringSubmatch(m[1], -1) {
			h.dirs[strings.TrimSuffix(q[1], "/")] = true
		}
		return Response{}
	}
	if m := rmRe.FindStringSubmatch(command); m != nil {
		h.removeLocked(m[1])
		return Response{}
	}
	if m := cloneRe.FindStringSubmatch(command); m != nil {
		h.dirs[m[1]] = true
		h.dirs[m[1]+"/.git"] = true
		return Response{}
	}
	return Response{}
}

func (h *Host) removeLocked(path string) {
	path = strings.TrimSuffix(path, "/")
	for d := range h.dirs {
		if d == path || strings.HasPrefix(d, path+"/") {
			delete(h.dirs, d)
		}
	}
	for f := range h.files {
		if strings.HasPrefix(f, path+"/") {
			delete(h.files, f)
		}
	}
}

// OpenInteractiveShell implements remote.Session with a loopback echo shell
func (h *Host) OpenInteractiveShell(ctx context.Context) (remote.Shell, error) {
	h.mu.Lock()
	h.shells++
	h.mu.Unlock()

	r, w := io.Pipe()
	return &echoShell{r: r, w: w}, nil
}

// Shells returns how many interactive shells were opened
func (h *Host) Shells() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.shells
}

// Close implements remote.Session
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

type echoShell struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (s *echoShell) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *echoShell) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *echoShell) Resize(cols, rows int) error { return nil }
func (s *echoShell) Wait() error                 { return nil }
func (s *echoShell) Close() error {
	_ = s.w.Close()
	return s.r.Close()
}

// Dialer hands out registered hosts by address
type Dialer struct {
	mu     sync.Mutex
	hosts  map[string]*Host
	Fail   map[string]int
	Dialed []string
}

// NewDialer returns a dialer with no hosts
func NewDialer() *Dialer {
	return &Dialer{hosts: make(map[string]*Host), Fail: make(map[string]int)}
}

// Register makes host reachable at addr and returns it
func (d *Dialer) Register(addr string, host *Host) *Host {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hosts[addr] = host
	return host
}

// Connect implements remote.Dialer. Each address fails Fail[addr] times first.
func (d *Dialer) Connect(ctx context.Context, target remote.Target) (remote.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Dialed = append(d.Dialed, target.Host)

	if d.Fail[target.Host] > 0 {
		d.Fail[target.Host]--
		return nil, &remote.ConnectionError{Host: target.Host, Err: errors.New("connection refused")}
	}
	host, ok := d.hosts[target.Host]
	if !ok {
		return nil, &remote.ConnectionError{Host: target.Host, Err: errors.New("no route to host")}
	}
	host.mu.Lock()
	host.closed = false
	host.mu.Unlock()
	return host, nil
}
