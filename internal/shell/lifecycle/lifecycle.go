// Package lifecycle drives an app's single container to a freshly started
// state by executing the plans from internal/core/reconcile.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/artpar/ruku/internal/core/reconcile"
	"github.com/artpar/ruku/internal/shell/docker"
)

// DataMountPath is where an app's persistent data directory is mounted.
const DataMountPath = "/data"

// =============================================================================
// Engine
// =============================================================================

// Engine is the subset of the container engine the reconciler needs.
// *docker.DockerClient satisfies it.
type Engine interface {
	FindContainer(ctx context.Context, name string) (*docker.ContainerInfo, error)
	CreateContainer(ctx context.Context, spec docker.ContainerSpec) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
}

// Operations reported in EngineError.Operation.
const (
	OpInspect = "inspect"
	OpCreate  = string(reconcile.ActionCreate)
	OpStart   = string(reconcile.ActionStart)
	OpStop    = string(reconcile.ActionStop)
	OpRemove  = string(reconcile.ActionRemove)
)

// EngineError reports which engine call failed.
type EngineError struct {
	Operation string
	Container string
	Err       error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("container %s %s: %v", e.Operation, e.Container, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Target
// =============================================================================

// Target is the desired container for an app.
type Target struct {
	Name    string
	Image   string
	Port    int
	Env     map[string]string
	DataDir string // bind-mounted at /data when set
}

// Spec renders the container configuration for t. The port is published
// 1:1 on the host.
func (t Target) Spec() docker.ContainerSpec {
	spec := docker.ContainerSpec{
		Name:  t.Name,
		Image: t.Image,
		Env:   t.Env,
		Labels: map[string]string{
			docker.LabelManaged: "true",
			docker.LabelApp:     t.Name,
		},
	}
	if t.Port > 0 {
		spec.Ports = []docker.PortBinding{{ContainerPort: t.Port, HostPort: t.Port, Protocol: "tcp"}}
	}
	if t.DataDir != "" {
		spec.Volumes = []docker.VolumeMount{{Source: t.DataDir, Target: DataMountPath}}
	}
	return spec
}

// =============================================================================
// Reconciler
// =============================================================================

// Reconciler executes lifecycle plans against an Engine.
type Reconciler struct {
	engine      Engine
	stopTimeout *time.Duration
	logger      *slog.Logger
}

// NewReconciler creates a Reconciler. A zero stopTimeout uses the engine's
// default.
func NewReconciler(engine Engine, stopTimeout time.Duration, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{engine: engine, logger: logger}
	if stopTimeout > 0 {
		r.stopTimeout = &stopTimeout
	}
	return r
}

// Reconcile brings the container named t.Name to a started state and
// returns its ID. The first failing engine call aborts the plan; nothing
// is retried or rolled back.
func (r *Reconciler) Reconcile(ctx context.Context, t Target) (string, error) {
	info, err := r.engine.FindContainer(ctx, t.Name)
	if err != nil {
		return "", &EngineError{Operation: OpInspect, Container: t.Name, Err: err}
	}

	var id, observed string
	if info != nil {
		id, observed = info.ID, info.State
	}

	state, err := reconcile.ParseState(observed)
	if err != nil {
		return "", &EngineError{Operation: OpInspect, Container: t.Name, Err: err}
	}

	plan, err := reconcile.Plan(state)
	if err != nil {
		return "", &EngineError{Operation: OpInspect, Container: t.Name, Err: err}
	}

	r.logger.Info("reconciling container", "app", t.Name, "state", state, "plan", plan, "image", t.Image)

	for _, action := range plan {
		switch action {
		case reconcile.ActionCreate:
			id, err = r.engine.CreateContainer(ctx, t.Spec())
			if err != nil {
				return "", &EngineError{Operation: OpCreate, Container: t.Name, Err: err}
			}
			r.logger.Info("container created", "app", t.Name, "container_id", id)

		case reconcile.ActionStart:
			if err := r.engine.StartContainer(ctx, id); err != nil {
				return "", &EngineError{Operation: OpStart, Container: t.Name, Err: err}
			}
			r.logger.Info("container started", "app", t.Name, "container_id", id)

		case reconcile.ActionStop:
			if err := r.engine.StopContainer(ctx, id, r.stopTimeout); err != nil {
				return "", &EngineError{Operation: OpStop, Container: t.Name, Err: err}
			}
			r.logger.Info("container stopped", "app", t.Name, "container_id", id)

		case reconcile.ActionRemove:
			if err := r.engine.RemoveContainer(ctx, id, false); err != nil {
				return "", &EngineError{Operation: OpRemove, Container: t.Name, Err: err}
			}
			r.logger.Info("container removed", "app", t.Name, "container_id", id)
			id = ""
		}
	}

	return id, nil
}

// Stop stops the app's container if it is running. A missing or already
// stopped container is not an error.
func (r *Reconciler) Stop(ctx context.Context, name string) error {
	info, err := r.engine.FindContainer(ctx, name)
	if err != nil {
		return &EngineError{Operation: OpInspect, Container: name, Err: err}
	}
	if info == nil {
		r.logger.Info("no container to stop", "app", name)
		return nil
	}

	err = r.engine.StopContainer(ctx, info.ID, r.stopTimeout)
	if err != nil && !errors.Is(err, docker.ErrContainerNotRunning) {
		return &EngineError{Operation: OpStop, Container: name, Err: err}
	}
	r.logger.Info("container stopped", "app", name, "container_id", info.ID)
	return nil
}

// Destroy force-removes the app's container if one exists.
func (r *Reconciler) Destroy(ctx context.Context, name string) error {
	info, err := r.engine.FindContainer(ctx, name)
	if err != nil {
		return &EngineError{Operation: OpInspect, Container: name, Err: err}
	}
	if info == nil {
		return nil
	}

	if err := r.engine.RemoveContainer(ctx, info.ID, true); err != nil {
		return &EngineError{Operation: OpRemove, Container: name, Err: err}
	}
	r.logger.Info("container removed", "app", name, "container_id", info.ID)
	return nil
}

// Find returns the app's container, or nil when it has none.
func (r *Reconciler) Find(ctx context.Context, name string) (*docker.ContainerInfo, error) {
	info, err := r.engine.FindContainer(ctx, name)
	if err != nil {
		return nil, &EngineError{Operation: OpInspect, Container: name, Err: err}
	}
	return info, nil
}
