package runner

import (
	"context"
	"sync"
)

// Recorder is a Runner that records commands instead of executing them.
// Tests use it to assert on the exact sequence of invocations.
type Recorder struct {
	mu       sync.Mutex
	commands []Command

	// Handler, when set, is consulted for every command. It may return
	// stdout (used by Output) and an error.
	Handler func(cmd Command) (string, error)
}

func (r *Recorder) Run(ctx context.Context, cmd Command) error {
	_, err := r.record(cmd)
	return err
}

func (r *Recorder) Output(ctx context.Context, cmd Command) (string, error) {
	return r.record(cmd)
}

func (r *Recorder) record(cmd Command) (string, error) {
	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	r.mu.Unlock()

	if r.Handler == nil {
		return "", nil
	}
	return r.Handler(cmd)
}

// Commands returns the recorded commands in invocation order.
func (r *Recorder) Commands() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Command(nil), r.commands...)
}

// Lines returns the recorded commands rendered with Command.String.
func (r *Recorder) Lines() []string {
	cmds := r.Commands()
	lines := make([]string, len(cmds))
	for i, c := range cmds {
		lines[i] = c.String()
	}
	return lines
}
