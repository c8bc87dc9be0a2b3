// Package progress carries user-facing deployment log lines from the
// pipeline to durable storage and live subscribers.
package progress

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Reporter receives fire-and-forget progress lines. Implementations must
// not block the pipeline on an unavailable sink.
type Reporter interface {
	Log(ctx context.Context, msg string)
}

// LogAfter logs msg and then pauses for delay, giving live viewers time to read it
func LogAfter(ctx context.Context, r Reporter, msg string, delay time.Duration) {
	r.Log(ctx, msg)
	if delay <= 0 {
		return
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Lines logs each non-empty line of a command output chunk
func Lines(ctx context.Context, r Reporter, chunk string) {
	for _, line := range strings.Split(chunk, "\n") {
		if line = strings.TrimRight(line, "\r "); strings.TrimSpace(line) != "" {
			r.Log(ctx, line)
		}
	}
}

type nop struct{}

func (nop) Log(context.Context, string) {}

// Nop discards every line
var Nop Reporter = nop{}

// Recorder keeps every line in memory
type Recorder struct {
	mu    sync.Mutex
	lines []string
}

// Log implements Reporter
func (r *Recorder) Log(_ context.Context, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, msg)
}

// Lines returns a copy of the recorded lines
func (r *Recorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

// Contains reports whether any line contains substr
func (r *Recorder) Contains(substr string) bool {
	for _, l := range r.Lines() {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}
