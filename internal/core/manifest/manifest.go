// Package manifest loads and validates ruku.yml, the per-application file
// declaring the published port and image version of an app.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	// FileName is the manifest file looked up at the working-tree root.
	FileName = "ruku.yml"

	// DefaultVersion is the image tag used when no version is declared.
	DefaultVersion = "latest"
)

// Manifest is the parsed content of ruku.yml.
type Manifest struct {
	Port    int     `yaml:"port" validate:"required,min=1024,max=65535,freeport"`
	Version *string `yaml:"version" validate:"omitnil,min=1,max=20"`
}

// Tag returns the declared version or DefaultVersion.
func (m *Manifest) Tag() string {
	if m.Version == nil {
		return DefaultVersion
	}
	return *m.Version
}

// ImageReference returns the canonical name:version reference for repository.
//
// Example:
//
//	(&Manifest{Port: 8080}).ImageReference("blog") // "blog:latest"
func (m *Manifest) ImageReference(repository string) string {
	return fmt.Sprintf("%s:%s", repository, m.Tag())
}

// =============================================================================
// Parsing
// =============================================================================

// Parse decodes a manifest document. Unknown keys are rejected so that a
// misspelled "port" is never silently ignored. An empty document decodes to
// the zero Manifest.
func Parse(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return &m, nil
}

// =============================================================================
// Resolution
// =============================================================================

// Resolve loads <dir>/ruku.yml, parses it and validates it against probe.
// No partially valid manifest is ever returned.
func Resolve(dir string, probe PortProbe) (*Manifest, error) {
	path := filepath.Join(dir, FileName)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", dir, ErrConfigMissing)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}

	if err := NewValidator(probe).Validate(m); err != nil {
		return nil, err
	}
	return m, nil
}
