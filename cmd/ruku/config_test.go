package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Config Loading Tests
// =============================================================================

func TestLoadConfig_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "", cfg.Root)
	assert.Equal(t, "/usr/bin/ruku", cfg.Binary)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "", cfg.Docker.Host)
	assert.Equal(t, "auto", cfg.Build.Engine)
	assert.Equal(t, "nixpacks", cfg.Build.Nixpacks)
	assert.Equal(t, 10*time.Second, cfg.Container.StopTimeout)
}

func TestLoadConfig_FromFile(t *testing.T) {
	clearEnv(t)

	configContent := `
root: /srv/ruku
binary: /usr/local/bin/ruku

log:
  level: "debug"
  format: "json"

build:
  engine: docker

container:
  stop_timeout: 30s
`
	tmpFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte(configContent), 0644))

	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)

	assert.Equal(t, "/srv/ruku", cfg.Root)
	assert.Equal(t, "/usr/local/bin/ruku", cfg.Binary)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "docker", cfg.Build.Engine)
	assert.Equal(t, 30*time.Second, cfg.Container.StopTimeout)
}

func TestLoadConfig_DefaultFileInRoot(t *testing.T) {
	clearEnv(t)

	home := t.TempDir()
	t.Setenv("HOME", home)
	root := filepath.Join(home, ".ruku")
	require.NoError(t, os.MkdirAll(root, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ConfigFileName), []byte("build:\n  engine: nixpacks\n"), 0644))

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "nixpacks", cfg.Build.Engine)
}

func TestLoadConfig_RootFromEnvironmentLocatesFile(t *testing.T) {
	clearEnv(t)

	root := t.TempDir()
	t.Setenv("RUKU_ROOT", root)
	require.NoError(t, os.WriteFile(filepath.Join(root, ConfigFileName), []byte("log:\n  level: error\n"), 0644))

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, root, cfg.Root)
	assert.Equal(t, "error", cfg.Log.Level)
}

func TestLoadConfig_EnvironmentOverride(t *testing.T) {
	clearEnv(t)

	t.Setenv("RUKU_ROOT", "/var/lib/ruku")
	t.Setenv("RUKU_LOG_LEVEL", "warn")
	t.Setenv("RUKU_DOCKER_HOST", "unix:///run/docker.sock")
	t.Setenv("RUKU_BUILD_ENGINE", "nixpacks")
	t.Setenv("RUKU_CONTAINER_STOP_TIMEOUT", "3s")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/ruku", cfg.Root)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "unix:///run/docker.sock", cfg.Docker.Host)
	assert.Equal(t, "nixpacks", cfg.Build.Engine)
	assert.Equal(t, 3*time.Second, cfg.Container.StopTimeout)
}

func TestLoadConfig_FileNotFound_UsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("/nonexistent/path/config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "auto", cfg.Build.Engine)
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	clearEnv(t)

	tmpFile := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte("invalid: yaml: content: [[["), 0644))

	_, err := LoadConfig(tmpFile)
	assert.Error(t, err)
}

// =============================================================================
// Server Config Tests
// =============================================================================

func TestConfig_ServerConfig(t *testing.T) {
	cfg := &Config{Binary: "/usr/bin/ruku"}

	layout, err := cfg.ServerConfig("/home/git")
	require.NoError(t, err)
	assert.Equal(t, "/home/git/.ruku", layout.Root)
	assert.Equal(t, "/home/git/.ruku/repos", layout.GitRoot)
	assert.Equal(t, "/home/git/apps", layout.AppsRoot)

	cfg.Root = "/srv/ruku"
	layout, err = cfg.ServerConfig("/home/git")
	require.NoError(t, err)
	assert.Equal(t, "/srv/ruku/data", layout.DataRoot)
}

func TestConfig_ServerConfig_EmptyHome(t *testing.T) {
	_, err := (&Config{}).ServerConfig("")
	assert.Error(t, err)
}

// =============================================================================
// Logger Setup Tests
// =============================================================================

func TestSetupLogger_Levels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "invalid"} {
		for _, format := range []string{"text", "json"} {
			t.Run(level+"/"+format, func(t *testing.T) {
				cfg := &Config{Log: LogConfig{Level: level, Format: format}}
				assert.NotNil(t, SetupLogger(cfg))
			})
		}
	}
}

// =============================================================================
// Test Helpers
// =============================================================================

func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"RUKU_ROOT",
		"RUKU_BINARY",
		"RUKU_LOG_LEVEL",
		"RUKU_LOG_FORMAT",
		"RUKU_DOCKER_HOST",
		"RUKU_BUILD_ENGINE",
		"RUKU_BUILD_NIXPACKS",
		"RUKU_CONTAINER_STOP_TIMEOUT",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}
	// Keep a developer's ~/.ruku/config.yaml out of the tests.
	t.Setenv("HOME", t.TempDir())
}
