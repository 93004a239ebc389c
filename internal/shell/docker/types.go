package docker

import (
	"context"
	"io"
	"time"
)

// =============================================================================
// Container Types
// =============================================================================

// ContainerSpec defines the specification for creating a container.
type ContainerSpec struct {
	Name    string
	Image   string
	Env     map[string]string
	Labels  map[string]string
	Ports   []PortBinding
	Volumes []VolumeMount
}

// PortBinding defines a port mapping.
type PortBinding struct {
	ContainerPort int
	HostPort      int    // 0 for auto-assign
	Protocol      string // "tcp" or "udp"
	HostIP        string // "" for 0.0.0.0
}

// VolumeMount defines a bind mount of a host path.
type VolumeMount struct {
	Source   string // host path
	Target   string // container path
	ReadOnly bool
}

// ContainerInfo is the subset of container state ruku acts on.
type ContainerInfo struct {
	ID     string
	Name   string
	Image  string
	State  string // "running", "exited", "created", etc.
	Ports  []PortBinding
	Labels map[string]string
}

// HostPorts returns the host ports the container publishes.
func (c *ContainerInfo) HostPorts() []int {
	var ports []int
	for _, p := range c.Ports {
		if p.HostPort != 0 {
			ports = append(ports, p.HostPort)
		}
	}
	return ports
}

// =============================================================================
// Options
// =============================================================================

// LogOptions defines options for container logs.
type LogOptions struct {
	Follow     bool
	Tail       string // "all" or number
	Timestamps bool
}

// BuildOptions defines an image build from a local directory.
type BuildOptions struct {
	ContextDir string
	Dockerfile string // relative to ContextDir, "Dockerfile" when empty
	Tags       []string
	BuildArgs  map[string]string
	Labels     map[string]string
	Output     io.Writer // progress stream, discarded when nil
}

// =============================================================================
// Client Interface
// =============================================================================

// Client defines the Docker client interface.
type Client interface {
	// Container operations
	FindContainer(ctx context.Context, name string) (*ContainerInfo, error)
	CreateContainer(ctx context.Context, spec ContainerSpec) (containerID string, err error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
	ContainerLogs(ctx context.Context, containerID string, opts LogOptions, stdout, stderr io.Writer) error

	// Image operations
	ImageExists(ctx context.Context, image string) (bool, error)
	RemoveImage(ctx context.Context, image string) error
	BuildImage(ctx context.Context, opts BuildOptions) error

	// Health operations
	Ping(ctx context.Context) error
	Close() error
}

// =============================================================================
// Label Constants
// =============================================================================

const (
	LabelManaged = "com.ruku.managed"
	LabelApp     = "com.ruku.app"
)
