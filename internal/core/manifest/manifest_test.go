package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

var allFree = PortProbeFunc(func(int) bool { return true })

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644))
	return dir
}

func requireInvalid(t *testing.T, err error, field string) *InvalidError {
	t.Helper()
	var invalid *InvalidError
	require.True(t, errors.As(err, &invalid), "expected InvalidError, got %v", err)
	assert.Equal(t, field, invalid.Field)
	assert.NotEmpty(t, invalid.Reason)
	return invalid
}

// =============================================================================
// Image Reference Tests
// =============================================================================

func TestImageReference_WithVersion(t *testing.T) {
	v := "v1"
	m := &Manifest{Port: 80, Version: &v}
	assert.Equal(t, "blog:v1", m.ImageReference("blog"))
}

func TestImageReference_DefaultsToLatest(t *testing.T) {
	m := &Manifest{Port: 8080}
	assert.Equal(t, "blog:latest", m.ImageReference("blog"))
}

// =============================================================================
// Parse Tests
// =============================================================================

func TestParse_Full(t *testing.T) {
	m, err := Parse([]byte("port: 8080\nversion: v2\n"))
	require.NoError(t, err)
	assert.Equal(t, 8080, m.Port)
	require.NotNil(t, m.Version)
	assert.Equal(t, "v2", *m.Version)
}

func TestParse_Empty(t *testing.T) {
	m, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, m.Port)
	assert.Nil(t, m.Version)
}

func TestParse_UnknownKey(t *testing.T) {
	_, err := Parse([]byte("prot: 8080\n"))
	assert.Error(t, err)
}

func TestParse_WrongType(t *testing.T) {
	_, err := Parse([]byte("port: eighty\n"))
	assert.Error(t, err)
}

// =============================================================================
// Resolve Tests
// =============================================================================

func TestResolve_Valid(t *testing.T) {
	dir := writeManifest(t, "port: 8080\nversion: v1\n")

	m, err := Resolve(dir, allFree)
	require.NoError(t, err)
	assert.Equal(t, 8080, m.Port)
	assert.Equal(t, "v1", m.Tag())
}

func TestResolve_Missing(t *testing.T) {
	_, err := Resolve(t.TempDir(), allFree)
	assert.ErrorIs(t, err, ErrConfigMissing)
}

func TestResolve_SyntaxError(t *testing.T) {
	dir := writeManifest(t, "port: [8080\n")

	_, err := Resolve(dir, allFree)
	var parseErr *ParseError
	require.True(t, errors.As(err, &parseErr))
	assert.NotEmpty(t, parseErr.Err.Error())
	assert.Contains(t, err.Error(), FileName)
}

func TestResolve_PortBounds(t *testing.T) {
	tests := []struct {
		name    string
		content string
		valid   bool
	}{
		{"below range", "port: 80", false},
		{"just below range", "port: 1023", false},
		{"lower bound", "port: 1024", true},
		{"upper bound", "port: 65535", true},
		{"above range", "port: 65536", false},
		{"missing", "version: v1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeManifest(t, tt.content)
			_, err := Resolve(dir, allFree)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			requireInvalid(t, err, "port")
		})
	}
}

func TestResolve_PortBelowRangeSkipsProbe(t *testing.T) {
	probed := false
	probe := PortProbeFunc(func(int) bool {
		probed = true
		return true
	})

	dir := writeManifest(t, "port: 80\nversion: v1\n")
	_, err := Resolve(dir, probe)

	requireInvalid(t, err, "port")
	assert.False(t, probed)
}

func TestResolve_PortInUse(t *testing.T) {
	busy := PortProbeFunc(func(port int) bool { return port != 8080 })
	dir := writeManifest(t, "port: 8080\n")

	_, err := Resolve(dir, busy)

	invalid := requireInvalid(t, err, "port")
	assert.ErrorIs(t, err, ErrPortUnavailable)
	assert.Contains(t, invalid.Reason, "8080")
}

func TestResolve_VersionLength(t *testing.T) {
	dir := writeManifest(t, "port: 8080\nversion: "+strings.Repeat("a", 21)+"\n")

	_, err := Resolve(dir, allFree)
	requireInvalid(t, err, "version")
}

func TestResolve_VersionMaxLength(t *testing.T) {
	dir := writeManifest(t, "port: 8080\nversion: "+strings.Repeat("a", 20)+"\n")

	m, err := Resolve(dir, allFree)
	require.NoError(t, err)
	assert.Len(t, m.Tag(), 20)
}

func TestResolve_NilProbeTreatsPortsAsFree(t *testing.T) {
	dir := writeManifest(t, "port: 8080\n")
	_, err := Resolve(dir, nil)
	assert.NoError(t, err)
}

func TestResolve_PortMissing(t *testing.T) {
	for _, content := range []string{"version: v1\n", ""} {
		dir := writeManifest(t, content)

		_, err := Resolve(dir, allFree)
		requireInvalid(t, err, "port")
		assert.ErrorIs(t, err, ErrPortRequired)
		assert.NotErrorIs(t, err, ErrPortUnavailable)
	}
}
