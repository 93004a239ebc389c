package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/artpar/ruku/internal/core/app"
	"github.com/artpar/ruku/internal/core/paths"
	"github.com/artpar/ruku/internal/shell/build"
	"github.com/artpar/ruku/internal/shell/deploy"
	"github.com/artpar/ruku/internal/shell/docker"
	"github.com/artpar/ruku/internal/shell/git"
	"github.com/artpar/ruku/internal/shell/lifecycle"
	"github.com/artpar/ruku/internal/shell/lock"
	"github.com/artpar/ruku/internal/shell/portcheck"
	"github.com/artpar/ruku/internal/shell/runner"
	"github.com/artpar/ruku/internal/shell/store"
)

// =============================================================================
// Environment
// =============================================================================

// env is the per-invocation state shared by all commands. It is filled in
// by the root command's PersistentPreRunE.
type env struct {
	configPath string

	cfg    *Config
	home   string
	paths  paths.ServerConfig
	logger *slog.Logger

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func (e *env) load() error {
	cfg, err := LoadConfig(e.configPath)
	if err != nil {
		return err
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("find home directory: %w", err)
	}
	layout, err := cfg.ServerConfig(home)
	if err != nil {
		return err
	}

	e.cfg = cfg
	e.home = home
	e.paths = layout
	e.logger = SetupLogger(cfg)
	slog.SetDefault(e.logger)
	return nil
}

// target is the app a command operates on.
type target struct {
	Name     string
	WorkTree string
}

// resolveApp picks the app from --app, then the first positional argument,
// then the current directory. Only the current directory form runs from a
// tree other than the app's checked-out working tree.
func (e *env) resolveApp(flag string, args []string) (target, error) {
	raw := flag
	if raw == "" && len(args) > 0 {
		raw = args[0]
	}

	if raw != "" {
		name, err := app.ParseName(raw)
		if err != nil {
			return target{}, err
		}
		return target{Name: name, WorkTree: e.paths.AppPath(name)}, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return target{}, fmt.Errorf("get working directory: %w", err)
	}
	name, err := app.ParseName(filepath.Base(cwd))
	if err != nil {
		return target{}, err
	}
	return target{Name: name, WorkTree: cwd}, nil
}

// withLock runs fn while holding the app's lock.
func (e *env) withLock(ctx context.Context, name string, fn func() error) error {
	l, err := lock.Acquire(ctx, e.paths.LockPath(name))
	if err != nil {
		return err
	}
	defer func() {
		if err := l.Release(); err != nil {
			e.logger.Warn("failed to release lock", "app", name, "error", err)
		}
	}()
	return fn()
}

// =============================================================================
// Services
// =============================================================================

// services are the long-lived collaborators a command needs. Commands that
// do not touch the engine or the database never open them.
type services struct {
	docker       *docker.DockerClient
	store        *store.SQLiteStore
	reconciler   *lifecycle.Reconciler
	orchestrator *deploy.Orchestrator
}

func (e *env) openStore() (*store.SQLiteStore, error) {
	if err := os.MkdirAll(e.paths.Root, 0755); err != nil {
		return nil, fmt.Errorf("create %s: %w", e.paths.Root, err)
	}
	return store.NewSQLiteStore(e.paths.DatabasePath())
}

func (e *env) openServices() (*services, error) {
	s, err := e.openStore()
	if err != nil {
		return nil, err
	}

	dc, err := docker.NewDockerClient(e.cfg.Docker.Host)
	if err != nil {
		s.Close()
		return nil, err
	}

	builder, err := build.New(e.cfg.Build.Engine, e.cfg.Build.Nixpacks, runner.NewExecRunner(), dc, e.logger)
	if err != nil {
		dc.Close()
		s.Close()
		return nil, err
	}

	reconciler := lifecycle.NewReconciler(dc, e.cfg.Container.StopTimeout, e.logger)
	orchestrator := deploy.NewOrchestrator(e.paths, portcheck.TCPProbe{}, builder, reconciler, dc, s, e.logger)

	return &services{
		docker:       dc,
		store:        s,
		reconciler:   reconciler,
		orchestrator: orchestrator,
	}, nil
}

func (s *services) Close() error {
	return errors.Join(s.docker.Close(), s.store.Close())
}

func (e *env) gateway() *git.Gateway {
	return git.NewGateway(e.paths, runner.NewExecRunner(), e.logger)
}

func (e *env) synchronizer() *git.Synchronizer {
	return git.NewSynchronizer(e.paths, runner.NewExecRunner(), e.logger)
}
