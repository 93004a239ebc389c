// Package deploy composes manifest resolution, image build and container
// reconciliation into a single deployment of one app.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/artpar/ruku/internal/core/app"
	"github.com/artpar/ruku/internal/core/manifest"
	"github.com/artpar/ruku/internal/core/paths"
	"github.com/artpar/ruku/internal/shell/build"
	"github.com/artpar/ruku/internal/shell/docker"
	"github.com/artpar/ruku/internal/shell/lifecycle"
	"github.com/artpar/ruku/internal/shell/store"
)

var (
	// ErrNoPort is returned when ruku.yml does not declare a port. An app
	// without a published port is never deployed.
	ErrNoPort = errors.New("no port specified")

	// ErrImageMissing is returned by Run when the image was never built.
	ErrImageMissing = errors.New("image has not been built")
)

// =============================================================================
// Collaborators
// =============================================================================

// Reconciler brings an app's container up on an image.
// *lifecycle.Reconciler satisfies it.
type Reconciler interface {
	Reconcile(ctx context.Context, t lifecycle.Target) (string, error)
	Find(ctx context.Context, name string) (*docker.ContainerInfo, error)
}

// ImageChecker reports whether an image exists locally.
type ImageChecker interface {
	ImageExists(ctx context.Context, image string) (bool, error)
}

// =============================================================================
// Request / Result
// =============================================================================

// Request identifies what to deploy.
type Request struct {
	Name     string // sanitized app name
	WorkTree string
	Revision string    // recorded in history only
	Ref      string    // recorded in history only
	Output   io.Writer // build progress
}

// Result describes a successful deployment.
type Result struct {
	Image       string
	ContainerID string
	Port        int
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator runs deployments. It holds no state between calls.
type Orchestrator struct {
	cfg        paths.ServerConfig
	probe      manifest.PortProbe
	builder    build.Builder
	reconciler Reconciler
	images     ImageChecker
	store      store.Store
	logger     *slog.Logger
}

// NewOrchestrator creates an Orchestrator. images is only needed by Run;
// s may be nil, in which case no settings are applied and no history is
// recorded.
func NewOrchestrator(
	cfg paths.ServerConfig,
	probe manifest.PortProbe,
	builder build.Builder,
	reconciler Reconciler,
	images ImageChecker,
	s store.Store,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:        cfg,
		probe:      probe,
		builder:    builder,
		reconciler: reconciler,
		images:     images,
		store:      s,
		logger:     logger.With("component", "orchestrator"),
	}
}

// Deploy resolves ruku.yml in req.WorkTree, builds the image and reconciles
// the container onto it. Each step runs only if the previous one succeeded.
func (o *Orchestrator) Deploy(ctx context.Context, req Request) (*Result, error) {
	return o.execute(ctx, req, true)
}

// Run reconciles the container onto the image of the current manifest
// without building it.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	return o.execute(ctx, req, false)
}

func (o *Orchestrator) execute(ctx context.Context, req Request, doBuild bool) (*Result, error) {
	name, err := app.ParseName(req.Name)
	if err != nil {
		return nil, err
	}

	record := &store.Deployment{App: name, Revision: req.Revision, Ref: req.Ref}
	result, err := o.deploy(ctx, name, req, doBuild, record)
	o.record(ctx, record, result, err)
	return result, err
}

func (o *Orchestrator) deploy(ctx context.Context, name string, req Request, doBuild bool, record *store.Deployment) (*Result, error) {
	o.logger.Info("resolving manifest", "app", name, "dir", req.WorkTree)

	m, err := manifest.Resolve(req.WorkTree, o.ownPortProbe(ctx, name))
	if err != nil {
		if errors.Is(err, manifest.ErrPortRequired) {
			return nil, fmt.Errorf("%w: %w", ErrNoPort, err)
		}
		return nil, err
	}

	image := m.ImageReference(app.ImageRepository(name))
	record.Image = image

	env, err := o.settings(ctx, name)
	if err != nil {
		return nil, err
	}

	if doBuild {
		o.logger.Info("building image", "app", name, "image", image)
		err := o.builder.Build(ctx, build.Request{
			Source:     req.WorkTree,
			Env:        env,
			Name:       app.ImageRepository(name),
			Tags:       []string{image},
			CurrentDir: true,
			Output:     req.Output,
		})
		if err != nil {
			return nil, err
		}
	} else {
		if err := o.requireImage(ctx, image); err != nil {
			return nil, err
		}
	}

	dataDir := o.cfg.DataPath(name)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	containerID, err := o.reconciler.Reconcile(ctx, lifecycle.Target{
		Name:    app.ContainerName(name),
		Image:   image,
		Port:    m.Port,
		Env:     env,
		DataDir: dataDir,
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info("deployed", "app", name, "image", image, "container_id", containerID, "port", m.Port)
	return &Result{Image: image, ContainerID: containerID, Port: m.Port}, nil
}

// ownPortProbe treats ports published by the app's current container as
// free, so a redeploy on an unchanged port is not rejected by the
// container it is about to replace. The engine is only queried once the
// port has passed the range checks.
func (o *Orchestrator) ownPortProbe(ctx context.Context, name string) manifest.PortProbe {
	var own map[int]bool
	return manifest.PortProbeFunc(func(port int) bool {
		if own == nil {
			own = map[int]bool{}
			info, err := o.reconciler.Find(ctx, app.ContainerName(name))
			if err != nil {
				o.logger.Warn("could not inspect current container", "app", name, "error", err)
			} else if info != nil {
				for _, p := range info.HostPorts() {
					own[p] = true
				}
			}
		}
		if own[port] {
			return true
		}
		if o.probe == nil {
			return true
		}
		return o.probe.IsFree(port)
	})
}

func (o *Orchestrator) settings(ctx context.Context, name string) (map[string]string, error) {
	if o.store == nil {
		return nil, nil
	}
	env, err := o.store.ListSettings(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if len(env) == 0 {
		return nil, nil
	}
	return env, nil
}

func (o *Orchestrator) requireImage(ctx context.Context, image string) error {
	if o.images == nil {
		return fmt.Errorf("%w: %s", ErrImageMissing, image)
	}
	ok, err := o.images.ImageExists(ctx, image)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrImageMissing, image)
	}
	return nil
}

// record stores the outcome of an attempt. A history failure is logged and
// does not change the outcome.
func (o *Orchestrator) record(ctx context.Context, record *store.Deployment, result *Result, err error) {
	if o.store == nil {
		return
	}

	if err != nil {
		record.Status = store.StatusFailed
		record.Error = err.Error()
	} else {
		record.Status = store.StatusSucceeded
		record.ContainerID = result.ContainerID
	}

	if recErr := o.store.RecordDeployment(context.WithoutCancel(ctx), record); recErr != nil {
		o.logger.Warn("failed to record deployment", "app", record.App, "error", recErr)
	}
}
