package store

import (
	"context"
	"time"
)

// =============================================================================
// Entities
// =============================================================================

// DeploymentStatus is the outcome of a deployment attempt.
type DeploymentStatus string

const (
	StatusSucceeded DeploymentStatus = "succeeded"
	StatusFailed    DeploymentStatus = "failed"
)

// Deployment records one deployment attempt of an app.
type Deployment struct {
	ID          string
	App         string
	Revision    string
	Ref         string
	Image       string
	ContainerID string
	Status      DeploymentStatus
	Error       string
	CreatedAt   time.Time
}

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for ruku state.
type Store interface {
	// Setting operations. Settings are per-app environment variables.
	SetSetting(ctx context.Context, app, key, value string) error
	GetSetting(ctx context.Context, app, key string) (string, error)
	UnsetSetting(ctx context.Context, app, key string) error
	ListSettings(ctx context.Context, app string) (map[string]string, error)
	DeleteSettings(ctx context.Context, app string) error

	// Deployment history
	RecordDeployment(ctx context.Context, deployment *Deployment) error
	ListDeployments(ctx context.Context, app string, opts ListOptions) ([]Deployment, error)

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  20,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
