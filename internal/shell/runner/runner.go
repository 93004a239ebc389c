// Package runner spawns external processes (git, git-shell, nixpacks)
// behind an interface so callers can be tested without a real toolchain.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// tailSize bounds the output kept for Error.Output.
const tailSize = 8 * 1024

// Command describes one process invocation.
type Command struct {
	Name     string
	Args     []string
	Dir      string
	Env      []string // KEY=VALUE entries added to the inherited environment
	UnsetEnv []string // inherited variables to drop, e.g. GIT_DIR inside hooks
	Stdin    io.Reader
	Stdout   io.Writer
	Stderr   io.Writer
}

// String renders the command line for logs and errors.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner executes commands.
type Runner interface {
	// Run executes cmd and waits for it. Output goes to cmd.Stdout and
	// cmd.Stderr. The tail of stderr, plus stdout when cmd.Stdout is nil or
	// shared with stderr, is included in the returned error.
	Run(ctx context.Context, cmd Command) error

	// Output executes cmd and returns its trimmed standard output.
	Output(ctx context.Context, cmd Command) (string, error)
}

// =============================================================================
// ExecRunner
// =============================================================================

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// NewExecRunner returns a Runner backed by real processes.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

func (r *ExecRunner) Run(ctx context.Context, cmd Command) error {
	c := r.build(ctx, cmd)
	tail := &tailBuffer{max: tailSize}

	switch {
	case cmd.Stderr == nil:
		c.Stderr = tail
	case sameWriter(cmd.Stdout, cmd.Stderr):
		// One writer keeps os/exec on a single pipe, so writes stay ordered.
		w := io.MultiWriter(cmd.Stderr, tail)
		c.Stdout, c.Stderr = w, w
	default:
		c.Stderr = io.MultiWriter(cmd.Stderr, tail)
	}
	if cmd.Stdout == nil {
		c.Stdout = tail
	}

	if err := c.Run(); err != nil {
		return &Error{Command: cmd.String(), Output: strings.TrimSpace(tail.String()), Err: err}
	}
	return nil
}

func (r *ExecRunner) Output(ctx context.Context, cmd Command) (string, error) {
	c := r.build(ctx, cmd)

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	if err := c.Run(); err != nil {
		return "", &Error{Command: cmd.String(), Output: strings.TrimSpace(stderr.String()), Err: err}
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (r *ExecRunner) build(ctx context.Context, cmd Command) *exec.Cmd {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = environ(os.Environ(), cmd.UnsetEnv, cmd.Env)
	c.Stdin = cmd.Stdin
	c.Stdout = cmd.Stdout
	c.Stderr = cmd.Stderr
	return c
}

// sameWriter reports whether a and b are the same non-nil writer. Writers
// with incomparable dynamic types are never the same.
func sameWriter(a, b io.Writer) (same bool) {
	if a == nil || b == nil {
		return false
	}
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}

// tailBuffer keeps the last max bytes written to it. It is safe for the
// concurrent writes os/exec makes from its stdout and stderr copiers.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = append(t.buf[:0], t.buf[len(t.buf)-t.max:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// environ drops the unset keys from base and appends extra.
func environ(base, unset, extra []string) []string {
	env := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		drop := false
		for _, u := range unset {
			if key == u {
				drop = true
				break
			}
		}
		if !drop {
			env = append(env, kv)
		}
	}
	return append(env, extra...)
}

// =============================================================================
// Error
// =============================================================================

// Error is returned when a command exits unsuccessfully.
type Error struct {
	Command string
	Output  string
	Err     error
}

func (e *Error) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("%s: %v\n%s", e.Command, e.Err, e.Output)
	}
	return fmt.Sprintf("%s: %v", e.Command, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
