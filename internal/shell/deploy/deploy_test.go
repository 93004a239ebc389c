package deploy

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/artpar/ruku/internal/core/manifest"
	"github.com/artpar/ruku/internal/core/paths"
	"github.com/artpar/ruku/internal/shell/build"
	"github.com/artpar/ruku/internal/shell/docker"
	"github.com/artpar/ruku/internal/shell/lifecycle"
	"github.com/artpar/ruku/internal/shell/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Mocks
// =============================================================================

type mockBuilder struct {
	mock.Mock
}

func (m *mockBuilder) Build(ctx context.Context, req build.Request) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

type mockReconciler struct {
	mock.Mock
}

func (m *mockReconciler) Reconcile(ctx context.Context, t lifecycle.Target) (string, error) {
	args := m.Called(ctx, t)
	return args.String(0), args.Error(1)
}

func (m *mockReconciler) Find(ctx context.Context, name string) (*docker.ContainerInfo, error) {
	args := m.Called(ctx, name)
	info, _ := args.Get(0).(*docker.ContainerInfo)
	return info, args.Error(1)
}

type mockImages struct {
	mock.Mock
}

func (m *mockImages) ImageExists(ctx context.Context, image string) (bool, error) {
	args := m.Called(ctx, image)
	return args.Bool(0), args.Error(1)
}

// =============================================================================
// Test Helpers
// =============================================================================

var allFree = manifest.PortProbeFunc(func(int) bool { return true })

type fixture struct {
	cfg        paths.ServerConfig
	builder    *mockBuilder
	reconciler *mockReconciler
	images     *mockImages
	store      *store.SQLiteStore
	workTree   string
}

func newFixture(t *testing.T, manifestContent string) *fixture {
	t.Helper()
	cfg, err := paths.New(t.TempDir(), "", "")
	require.NoError(t, err)

	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	workTree := t.TempDir()
	if manifestContent != "" {
		require.NoError(t, os.WriteFile(filepath.Join(workTree, manifest.FileName), []byte(manifestContent), 0644))
	}

	return &fixture{
		cfg:        cfg,
		builder:    new(mockBuilder),
		reconciler: new(mockReconciler),
		images:     new(mockImages),
		store:      s,
		workTree:   workTree,
	}
}

func (f *fixture) orchestrator(probe manifest.PortProbe) *Orchestrator {
	return NewOrchestrator(f.cfg, probe, f.builder, f.reconciler, f.images, f.store, nil)
}

func (f *fixture) history(t *testing.T) []store.Deployment {
	t.Helper()
	records, err := f.store.ListDeployments(context.Background(), "blog", store.DefaultListOptions())
	require.NoError(t, err)
	return records
}

// =============================================================================
// Deploy Tests
// =============================================================================

func TestDeploy_Success(t *testing.T) {
	f := newFixture(t, "port: 8080\nversion: v1\n")
	ctx := context.Background()
	require.NoError(t, f.store.SetSetting(ctx, "blog", "MODE", "prod"))

	var out bytes.Buffer
	f.reconciler.On("Find", mock.Anything, "blog").Return(nil, nil)
	f.builder.On("Build", mock.Anything, build.Request{
		Source:     f.workTree,
		Env:        map[string]string{"MODE": "prod"},
		Name:       "blog",
		Tags:       []string{"blog:v1"},
		CurrentDir: true,
		Output:     &out,
	}).Return(nil)
	f.reconciler.On("Reconcile", mock.Anything, lifecycle.Target{
		Name:    "blog",
		Image:   "blog:v1",
		Port:    8080,
		Env:     map[string]string{"MODE": "prod"},
		DataDir: f.cfg.DataPath("blog"),
	}).Return("c1", nil)

	res, err := f.orchestrator(allFree).Deploy(ctx, Request{
		Name:     "blog",
		WorkTree: f.workTree,
		Revision: "abc123",
		Ref:      "refs/heads/main",
		Output:   &out,
	})
	require.NoError(t, err)
	assert.Equal(t, &Result{Image: "blog:v1", ContainerID: "c1", Port: 8080}, res)
	assert.DirExists(t, f.cfg.DataPath("blog"))

	f.builder.AssertExpectations(t)
	f.reconciler.AssertExpectations(t)

	records := f.history(t)
	require.Len(t, records, 1)
	assert.Equal(t, store.StatusSucceeded, records[0].Status)
	assert.Equal(t, "abc123", records[0].Revision)
	assert.Equal(t, "refs/heads/main", records[0].Ref)
	assert.Equal(t, "blog:v1", records[0].Image)
	assert.Equal(t, "c1", records[0].ContainerID)
}

func TestDeploy_ImageRepositoryLowercased(t *testing.T) {
	f := newFixture(t, "port: 8080\n")
	f.reconciler.On("Find", mock.Anything, "Blog").Return(nil, nil)
	f.builder.On("Build", mock.Anything, mock.MatchedBy(func(req build.Request) bool {
		return req.Name == "blog" && req.Tags[0] == "blog:latest"
	})).Return(nil)
	f.reconciler.On("Reconcile", mock.Anything, mock.MatchedBy(func(tg lifecycle.Target) bool {
		return tg.Name == "Blog" && tg.Image == "blog:latest"
	})).Return("c1", nil)

	_, err := f.orchestrator(allFree).Deploy(context.Background(), Request{Name: "Blog", WorkTree: f.workTree})
	require.NoError(t, err)
	f.builder.AssertExpectations(t)
	f.reconciler.AssertExpectations(t)
}

func TestDeploy_InvalidManifestStopsBeforeBuild(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		check    func(t *testing.T, err error)
	}{
		{
			name:     "missing file",
			manifest: "",
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, manifest.ErrConfigMissing)
			},
		},
		{
			name:     "port below range",
			manifest: "port: 80\n",
			check: func(t *testing.T, err error) {
				var invalid *manifest.InvalidError
				require.ErrorAs(t, err, &invalid)
				assert.Equal(t, "port", invalid.Field)
			},
		},
		{
			name:     "no port",
			manifest: "version: v1\n",
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrNoPort)
				var invalid *manifest.InvalidError
				assert.ErrorAs(t, err, &invalid)
			},
		},
		{
			name:     "syntax error",
			manifest: "port: [\n",
			check: func(t *testing.T, err error) {
				var parseErr *manifest.ParseError
				assert.ErrorAs(t, err, &parseErr)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.manifest)

			_, err := f.orchestrator(allFree).Deploy(context.Background(), Request{Name: "blog", WorkTree: f.workTree})
			require.Error(t, err)
			tt.check(t, err)

			f.builder.AssertNotCalled(t, "Build", mock.Anything, mock.Anything)
			f.reconciler.AssertNotCalled(t, "Reconcile", mock.Anything, mock.Anything)
			f.reconciler.AssertNotCalled(t, "Find", mock.Anything, mock.Anything)

			records := f.history(t)
			require.Len(t, records, 1)
			assert.Equal(t, store.StatusFailed, records[0].Status)
			assert.Equal(t, err.Error(), records[0].Error)
		})
	}
}

func TestDeploy_PortInUseByAnotherProcess(t *testing.T) {
	f := newFixture(t, "port: 8080\n")
	busy := manifest.PortProbeFunc(func(port int) bool { return port != 8080 })
	f.reconciler.On("Find", mock.Anything, "blog").Return(nil, nil)

	_, err := f.orchestrator(busy).Deploy(context.Background(), Request{Name: "blog", WorkTree: f.workTree})
	assert.ErrorIs(t, err, manifest.ErrPortUnavailable)
	f.builder.AssertNotCalled(t, "Build", mock.Anything, mock.Anything)
}

func TestDeploy_RedeployOnOwnPort(t *testing.T) {
	f := newFixture(t, "port: 8080\n")
	busy := manifest.PortProbeFunc(func(port int) bool { return port != 8080 })

	f.reconciler.On("Find", mock.Anything, "blog").Return(&docker.ContainerInfo{
		ID:    "old",
		State: "running",
		Ports: []docker.PortBinding{{ContainerPort: 8080, HostPort: 8080, Protocol: "tcp"}},
	}, nil).Once()
	f.builder.On("Build", mock.Anything, mock.Anything).Return(nil)
	f.reconciler.On("Reconcile", mock.Anything, mock.Anything).Return("new", nil)

	res, err := f.orchestrator(busy).Deploy(context.Background(), Request{Name: "blog", WorkTree: f.workTree})
	require.NoError(t, err)
	assert.Equal(t, "new", res.ContainerID)
	f.reconciler.AssertExpectations(t)
}

func TestDeploy_BuildFailureStopsBeforeReconcile(t *testing.T) {
	f := newFixture(t, "port: 8080\n")
	f.reconciler.On("Find", mock.Anything, "blog").Return(nil, nil)
	buildErr := &build.Error{Message: "Error: No start command could be found"}
	f.builder.On("Build", mock.Anything, mock.Anything).Return(buildErr)

	_, err := f.orchestrator(allFree).Deploy(context.Background(), Request{Name: "blog", WorkTree: f.workTree})

	var got *build.Error
	require.ErrorAs(t, err, &got)
	assert.Equal(t, "Error: No start command could be found", got.Message)
	assert.Equal(t, "Error: No start command could be found", err.Error())
	f.reconciler.AssertNotCalled(t, "Reconcile", mock.Anything, mock.Anything)
}

func TestDeploy_ReconcileFailure(t *testing.T) {
	f := newFixture(t, "port: 8080\n")
	f.reconciler.On("Find", mock.Anything, "blog").Return(nil, nil)
	f.builder.On("Build", mock.Anything, mock.Anything).Return(nil)
	engineErr := &lifecycle.EngineError{Operation: lifecycle.OpCreate, Container: "blog", Err: errors.New("boom")}
	f.reconciler.On("Reconcile", mock.Anything, mock.Anything).Return("", engineErr)

	_, err := f.orchestrator(allFree).Deploy(context.Background(), Request{Name: "blog", WorkTree: f.workTree})

	var got *lifecycle.EngineError
	require.ErrorAs(t, err, &got)
	assert.Equal(t, lifecycle.OpCreate, got.Operation)

	records := f.history(t)
	require.Len(t, records, 1)
	assert.Equal(t, store.StatusFailed, records[0].Status)
	assert.Equal(t, "blog:latest", records[0].Image)
}

func TestDeploy_EmptyName(t *testing.T) {
	f := newFixture(t, "port: 8080\n")

	_, err := f.orchestrator(allFree).Deploy(context.Background(), Request{Name: "///", WorkTree: f.workTree})
	assert.Error(t, err)
	f.builder.AssertNotCalled(t, "Build", mock.Anything, mock.Anything)
}

func TestDeploy_WithoutStore(t *testing.T) {
	f := newFixture(t, "port: 8080\n")
	f.reconciler.On("Find", mock.Anything, "blog").Return(nil, nil)
	f.builder.On("Build", mock.Anything, mock.MatchedBy(func(req build.Request) bool {
		return req.Env == nil
	})).Return(nil)
	f.reconciler.On("Reconcile", mock.Anything, mock.Anything).Return("c1", nil)

	o := NewOrchestrator(f.cfg, allFree, f.builder, f.reconciler, nil, nil, nil)
	_, err := o.Deploy(context.Background(), Request{Name: "blog", WorkTree: f.workTree})
	require.NoError(t, err)
	f.builder.AssertExpectations(t)
}

// =============================================================================
// Run Tests
// =============================================================================

func TestRun_UsesExistingImage(t *testing.T) {
	f := newFixture(t, "port: 8080\nversion: v2\n")
	f.reconciler.On("Find", mock.Anything, "blog").Return(nil, nil)
	f.images.On("ImageExists", mock.Anything, "blog:v2").Return(true, nil)
	f.reconciler.On("Reconcile", mock.Anything, mock.MatchedBy(func(tg lifecycle.Target) bool {
		return tg.Image == "blog:v2" && tg.Port == 8080
	})).Return("c1", nil)

	res, err := f.orchestrator(allFree).Run(context.Background(), Request{Name: "blog", WorkTree: f.workTree})
	require.NoError(t, err)
	assert.Equal(t, "c1", res.ContainerID)
	f.builder.AssertNotCalled(t, "Build", mock.Anything, mock.Anything)
}

func TestRun_ImageMissing(t *testing.T) {
	f := newFixture(t, "port: 8080\n")
	f.reconciler.On("Find", mock.Anything, "blog").Return(nil, nil)
	f.images.On("ImageExists", mock.Anything, "blog:latest").Return(false, nil)

	_, err := f.orchestrator(allFree).Run(context.Background(), Request{Name: "blog", WorkTree: f.workTree})
	assert.ErrorIs(t, err, ErrImageMissing)
	f.reconciler.AssertNotCalled(t, "Reconcile", mock.Anything, mock.Anything)
}
