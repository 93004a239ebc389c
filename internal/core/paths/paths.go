// Package paths derives the on-disk layout used by ruku.
//
// Every root is computed once from the user's home directory (and an optional
// root override) and is never looked up again. Components receive the
// resulting ServerConfig by value.
package paths

import (
	"errors"
	"path/filepath"
)

// =============================================================================
// Defaults
// =============================================================================

const (
	// DefaultBinary is where the ruku executable is installed. Generated Git
	// hooks re-invoke it.
	DefaultBinary = "/usr/bin/ruku"

	// RootDirName is the directory under $HOME holding ruku state.
	RootDirName = ".ruku"

	// AppsDirName is the directory under $HOME holding working trees.
	AppsDirName = "apps"

	// DatabaseFile is the SQLite database holding settings and history.
	DatabaseFile = "ruku.db"
)

// ErrEmptyHome is returned when no home directory could be determined.
var ErrEmptyHome = errors.New("home directory is empty")

// =============================================================================
// ServerConfig
// =============================================================================

// ServerConfig is the process-wide path layout. It is immutable once built.
type ServerConfig struct {
	Root     string // ruku state root, e.g. ~/.ruku
	Binary   string // executable re-invoked from Git hooks
	DataRoot string // per-app persistent volumes
	GitRoot  string // bare repositories
	AppsRoot string // checked-out working trees
}

// New builds the layout from the home directory. When root is empty it
// defaults to <home>/.ruku; when binary is empty it defaults to DefaultBinary.
//
// Example:
//
//	cfg, _ := New("/home/git", "", "")
//	cfg.GitRoot  // "/home/git/.ruku/repos"
//	cfg.AppsRoot // "/home/git/apps"
func New(home, root, binary string) (ServerConfig, error) {
	if home == "" {
		return ServerConfig{}, ErrEmptyHome
	}
	if root == "" {
		root = filepath.Join(home, RootDirName)
	}
	if binary == "" {
		binary = DefaultBinary
	}

	return ServerConfig{
		Root:     filepath.Clean(root),
		Binary:   binary,
		DataRoot: filepath.Join(root, "data"),
		GitRoot:  filepath.Join(root, "repos"),
		AppsRoot: filepath.Join(home, AppsDirName),
	}, nil
}

// =============================================================================
// Per-app Paths
// =============================================================================

// RepoPath is the bare repository for an app.
func (c ServerConfig) RepoPath(app string) string {
	return filepath.Join(c.GitRoot, app)
}

// HookPath is the post-receive hook of an app's bare repository.
func (c ServerConfig) HookPath(app string) string {
	return filepath.Join(c.GitRoot, app, "hooks", "post-receive")
}

// AppPath is the working tree for an app.
func (c ServerConfig) AppPath(app string) string {
	return filepath.Join(c.AppsRoot, app)
}

// DataPath is the persistent volume directory for an app.
func (c ServerConfig) DataPath(app string) string {
	return filepath.Join(c.DataRoot, app)
}

// LockPath is the advisory lock file guarding an app's resources.
func (c ServerConfig) LockPath(app string) string {
	return filepath.Join(c.Root, "locks", app+".lock")
}

// DatabasePath is the SQLite database file.
func (c ServerConfig) DatabasePath() string {
	return filepath.Join(c.Root, DatabaseFile)
}
