package git

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/artpar/ruku/internal/core/githook"
	"github.com/artpar/ruku/internal/core/paths"
	"github.com/artpar/ruku/internal/shell/runner"
)

// hookExecBit is added to the hook's existing mode so only the owner gains
// execute permission.
const hookExecBit os.FileMode = 0o100

// Stdio carries the pack-protocol streams of the SSH session.
type Stdio struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
}

// =============================================================================
// Gateway
// =============================================================================

// Gateway implements the receive and upload entry points of the smart
// protocol by delegating to git-shell.
type Gateway struct {
	cfg    paths.ServerConfig
	run    runner.Runner
	logger *slog.Logger
}

// NewGateway creates a Gateway.
func NewGateway(cfg paths.ServerConfig, run runner.Runner, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{cfg: cfg, run: run, logger: logger}
}

// Receive serves a push. On the first push of an app it creates the bare
// repository and installs the post-receive hook; an existing hook is left
// untouched.
func (g *Gateway) Receive(ctx context.Context, app string, stdio Stdio) error {
	if err := g.ensureRepository(ctx, app); err != nil {
		return err
	}
	return g.shell(ctx, app, githook.ReceivePack, stdio)
}

// Upload serves a fetch or clone. No bootstrap is needed.
func (g *Gateway) Upload(ctx context.Context, app string, stdio Stdio) error {
	return g.shell(ctx, app, githook.UploadPack, stdio)
}

func (g *Gateway) ensureRepository(ctx context.Context, app string) error {
	hookPath := g.cfg.HookPath(app)
	if _, err := os.Stat(hookPath); err == nil {
		return nil
	}

	g.logger.Info("initializing git repository", "app", app)

	if err := os.MkdirAll(filepath.Dir(hookPath), 0755); err != nil {
		return stepError(StepMkdir, app, err)
	}

	err := g.run.Run(ctx, runner.Command{
		Name: "git",
		Args: []string{"init", "--quiet", "--bare", app},
		Dir:  g.cfg.GitRoot,
	})
	if err != nil {
		return stepError(StepInit, app, err)
	}

	script := githook.Script(g.cfg.Root, g.cfg.Binary, app)
	if err := os.WriteFile(hookPath, script, 0644); err != nil {
		return stepError(StepWriteHook, app, err)
	}

	info, err := os.Stat(hookPath)
	if err != nil {
		return stepError(StepChmodHook, app, err)
	}
	if err := os.Chmod(hookPath, info.Mode().Perm()|hookExecBit); err != nil {
		return stepError(StepChmodHook, app, err)
	}

	g.logger.Debug("installed post-receive hook", "app", app, "path", hookPath)
	return nil
}

func (g *Gateway) shell(ctx context.Context, app, verb string, stdio Stdio) error {
	err := g.run.Run(ctx, runner.Command{
		Name:   "git-shell",
		Args:   []string{"-c", githook.ShellCommand(verb, app)},
		Dir:    g.cfg.GitRoot,
		Stdin:  stdio.In,
		Stdout: stdio.Out,
		Stderr: stdio.Err,
	})
	if err != nil {
		return stepError(StepShell, app, err)
	}
	return nil
}
