package git

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/artpar/ruku/internal/core/githook"
	"github.com/artpar/ruku/internal/core/paths"
	"github.com/artpar/ruku/internal/shell/runner"
)

// hookEnv is set by Git while hooks run and would redirect every git command
// in the working tree back to the bare repository.
var hookEnv = []string{"GIT_DIR", "GIT_WORK_TREE"}

// AfterSyncFunc is called once a working tree matches a pushed revision.
type AfterSyncFunc func(ctx context.Context, app string, event githook.PushEvent, workTree string) error

// =============================================================================
// Synchronizer
// =============================================================================

// Synchronizer materializes an app's working tree from its bare repository.
type Synchronizer struct {
	cfg    paths.ServerConfig
	run    runner.Runner
	logger *slog.Logger
}

// NewSynchronizer creates a Synchronizer.
func NewSynchronizer(cfg paths.ServerConfig, run runner.Runner, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{cfg: cfg, run: run, logger: logger}
}

// Process reads post-receive input and syncs the working tree once per ref
// update, in the order Git emitted them. Malformed lines and ref deletions
// are skipped. The first failure stops processing; refs already handled
// stay synced.
func (s *Synchronizer) Process(ctx context.Context, app string, in io.Reader, after AfterSyncFunc) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := scanner.Text()

		event, ok := githook.ParseLine(line)
		if !ok {
			s.logger.Debug("skipping malformed hook input", "app", app, "line", line)
			continue
		}
		if event.IsDelete() {
			s.logger.Info("ref deleted, nothing to deploy", "app", app, "ref", event.Ref)
			continue
		}

		if err := s.Sync(ctx, app, event); err != nil {
			return err
		}

		if after != nil {
			if err := after(ctx, app, event, s.cfg.AppPath(app)); err != nil {
				return err
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return stepError(StepRead, app, err)
	}
	return nil
}

// Sync makes the working tree match event.NewRev on event's branch, cloning
// it first if needed. Local modifications are discarded.
func (s *Synchronizer) Sync(ctx context.Context, app string, event githook.PushEvent) error {
	appPath := s.cfg.AppPath(app)

	if !isWorkTree(appPath) {
		if err := s.clone(ctx, app, appPath); err != nil {
			return err
		}
	}

	s.logger.Info("checking out the latest code", "app", app, "rev", event.NewRev, "ref", event.Ref)

	if err := s.git(ctx, appPath, "fetch", "--quiet", "origin"); err != nil {
		return stepError(StepFetch, app, err)
	}

	branch := event.Branch()
	current, err := s.run.Output(ctx, s.command(appPath, "branch", "--show-current"))
	if err != nil {
		return stepError(StepBranch, app, err)
	}
	if current != branch {
		s.logger.Info("switching branch", "app", app, "from", current, "to", branch)
		if err := s.git(ctx, appPath, "checkout", "--quiet", "--force", branch); err != nil {
			return stepError(StepCheckout, app, err)
		}
	}

	if err := s.git(ctx, appPath, "reset", "--quiet", "--hard", event.NewRev); err != nil {
		return stepError(StepReset, app, err)
	}
	return nil
}

// clone clones without a checkout; Sync's reset populates the files. A
// directory at appPath without a .git is what a failed clone leaves behind
// and is replaced.
func (s *Synchronizer) clone(ctx context.Context, app, appPath string) error {
	if err := os.RemoveAll(appPath); err != nil {
		return stepError(StepRemoveStale, app, err)
	}
	if err := os.MkdirAll(s.cfg.AppsRoot, 0755); err != nil {
		return stepError(StepMkdir, app, err)
	}
	if err := os.MkdirAll(s.cfg.DataPath(app), 0755); err != nil {
		return stepError(StepMkdir, app, err)
	}

	s.logger.Info("cloning git repository", "app", app)
	err := s.git(ctx, "", "clone", "--quiet", "--no-checkout", s.cfg.RepoPath(app), appPath)
	if err != nil {
		return stepError(StepClone, app, err)
	}
	return nil
}

// isWorkTree reports whether dir holds a cloned repository.
func isWorkTree(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil
}

func (s *Synchronizer) git(ctx context.Context, dir string, args ...string) error {
	return s.run.Run(ctx, s.command(dir, args...))
}

func (s *Synchronizer) command(dir string, args ...string) runner.Command {
	return runner.Command{
		Name:     "git",
		Args:     args,
		Dir:      dir,
		UnsetEnv: hookEnv,
	}
}
