// Package build turns a working tree into a tagged container image using an
// external build engine.
package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/artpar/ruku/internal/shell/docker"
	"github.com/artpar/ruku/internal/shell/runner"
)

// Engine names accepted by New.
const (
	EngineAuto       = "auto"
	EngineNixpacks   = "nixpacks"
	EngineDockerfile = "docker"
)

// DockerfileName marks a tree that carries its own build recipe.
const DockerfileName = "Dockerfile"

// ErrUnknownEngine is returned by New for unsupported engine names.
var ErrUnknownEngine = errors.New("unknown build engine")

// Request describes one image build.
type Request struct {
	Source     string            // working tree to build
	Env        map[string]string // build-time environment
	Name       string            // image repository
	Tags       []string          // full image references, e.g. blog:v1
	CurrentDir bool              // build with Source as the working directory
	Output     io.Writer         // build progress, discarded when nil
}

// Error is a failed build. Message is the engine's own message.
type Error struct {
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Builder produces an image from a working tree.
type Builder interface {
	Build(ctx context.Context, req Request) error
}

// New returns the builder for engine. The Dockerfile builder needs a
// container engine; nixpacks only needs a process runner.
func New(engine, nixpacksBin string, run runner.Runner, images ImageBuilder, logger *slog.Logger) (Builder, error) {
	nix := NewNixpacksBuilder(nixpacksBin, run, logger)
	df := NewDockerfileBuilder(images, logger)

	switch engine {
	case EngineAuto, "":
		return NewAutoBuilder(df, nix, logger), nil
	case EngineNixpacks:
		return nix, nil
	case EngineDockerfile:
		return df, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, engine)
	}
}

// =============================================================================
// Nixpacks
// =============================================================================

// NixpacksBuilder runs the nixpacks CLI, which detects the language and
// builds through the local Docker daemon.
type NixpacksBuilder struct {
	bin    string
	run    runner.Runner
	logger *slog.Logger
}

// NewNixpacksBuilder creates a NixpacksBuilder. bin defaults to "nixpacks".
func NewNixpacksBuilder(bin string, run runner.Runner, logger *slog.Logger) *NixpacksBuilder {
	if bin == "" {
		bin = EngineNixpacks
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NixpacksBuilder{bin: bin, run: run, logger: logger}
}

// Build runs "nixpacks build".
func (b *NixpacksBuilder) Build(ctx context.Context, req Request) error {
	cmd := runner.Command{
		Name:   b.bin,
		Args:   NixpacksArgs(req),
		Stdout: req.Output,
		Stderr: req.Output,
	}
	if req.CurrentDir {
		cmd.Dir = req.Source
	}

	b.logger.Info("building image", "engine", EngineNixpacks, "app", req.Name, "tags", req.Tags)

	if err := b.run.Run(ctx, cmd); err != nil {
		return &Error{Message: engineMessage(err), Err: err}
	}
	return nil
}

// engineMessage is what the engine printed before failing, or the process
// error when it printed nothing.
func engineMessage(err error) string {
	var runErr *runner.Error
	if errors.As(err, &runErr) && runErr.Output != "" {
		return runErr.Output
	}
	return err.Error()
}

// NixpacksArgs renders the nixpacks command line for req.
//
// Example:
//
//	NixpacksArgs(Request{Source: "/apps/blog", Name: "blog", Tags: []string{"blog:v1"}, CurrentDir: true})
//	// ["build", ".", "--name", "blog", "--tag", "blog:v1"]
func NixpacksArgs(req Request) []string {
	path := req.Source
	if req.CurrentDir {
		path = "."
	}

	args := []string{"build", path, "--name", req.Name}
	for _, tag := range req.Tags {
		args = append(args, "--tag", tag)
	}
	for _, kv := range sortedEnv(req.Env) {
		args = append(args, "--env", kv)
	}
	return args
}

// =============================================================================
// Dockerfile
// =============================================================================

// ImageBuilder builds images through the container engine.
// *docker.DockerClient satisfies it.
type ImageBuilder interface {
	BuildImage(ctx context.Context, opts docker.BuildOptions) error
}

// DockerfileBuilder builds trees that ship a Dockerfile.
type DockerfileBuilder struct {
	images ImageBuilder
	logger *slog.Logger
}

// NewDockerfileBuilder creates a DockerfileBuilder.
func NewDockerfileBuilder(images ImageBuilder, logger *slog.Logger) *DockerfileBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerfileBuilder{images: images, logger: logger}
}

// Build sends the tree to the daemon. Env entries become build args.
func (b *DockerfileBuilder) Build(ctx context.Context, req Request) error {
	if b.images == nil {
		return &Error{Message: "docker build engine is not configured"}
	}

	b.logger.Info("building image", "engine", EngineDockerfile, "app", req.Name, "tags", req.Tags)

	err := b.images.BuildImage(ctx, docker.BuildOptions{
		ContextDir: req.Source,
		Dockerfile: DockerfileName,
		Tags:       req.Tags,
		BuildArgs:  req.Env,
		Labels:     map[string]string{docker.LabelManaged: "true", docker.LabelApp: req.Name},
		Output:     req.Output,
	})
	if err != nil {
		var dockerErr *docker.DockerError
		if errors.As(err, &dockerErr) {
			return &Error{Message: dockerErr.Message, Err: err}
		}
		return &Error{Message: err.Error(), Err: err}
	}
	return nil
}

// =============================================================================
// Auto
// =============================================================================

// AutoBuilder uses the Dockerfile builder when the tree has a Dockerfile and
// nixpacks otherwise.
type AutoBuilder struct {
	dockerfile Builder
	nixpacks   Builder
	logger     *slog.Logger
}

// NewAutoBuilder creates an AutoBuilder.
func NewAutoBuilder(dockerfile, nixpacks Builder, logger *slog.Logger) *AutoBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &AutoBuilder{dockerfile: dockerfile, nixpacks: nixpacks, logger: logger}
}

func (b *AutoBuilder) Build(ctx context.Context, req Request) error {
	if HasDockerfile(req.Source) {
		b.logger.Debug("found Dockerfile", "app", req.Name)
		return b.dockerfile.Build(ctx, req)
	}
	return b.nixpacks.Build(ctx, req)
}

// HasDockerfile reports whether dir contains a regular Dockerfile.
func HasDockerfile(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, DockerfileName))
	return err == nil && info.Mode().IsRegular()
}

func sortedEnv(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	sort.Strings(list)
	return list
}
