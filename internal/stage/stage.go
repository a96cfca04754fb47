// Package stage runs external reconstruction commands and classifies their outcome.
package stage

import (
	"context"
	"strings"
	"sync"
)

// maxStderrBytes bounds how much of a stage's stderr is retained for diagnostics.
const maxStderrBytes = 64 << 10

// Invocation describes one external command. Built fresh per stage, never persisted.
type Invocation struct {
	Name    string   // stage name used in errors and metrics (e.g., "preprocess")
	Program string   // executable name
	Args    []string // ordered arguments, paths point inside the job workspace
	Dir     string   // working directory (the job workspace)
}

// String renders the command line for logs.
func (inv Invocation) String() string {
	return strings.Join(append([]string{inv.Program}, inv.Args...), " ")
}

// Runner executes one invocation synchronously.
// A nil error means the program exited with status zero. Any other outcome is
// reported as *apperrors.StageError carrying the exit code and captured stderr.
type Runner interface {
	Run(ctx context.Context, inv Invocation) error
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu        sync.Mutex
	max       int
	buf       []byte
	truncated bool
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
		b.truncated = true
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.truncated {
		return "...(truncated)" + string(b.buf)
	}
	return string(b.buf)
}
