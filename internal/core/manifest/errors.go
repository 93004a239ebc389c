package manifest

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrConfigMissing is returned when the working tree has no ruku.yml.
	ErrConfigMissing = errors.New("ruku.yml not found")

	// ErrPortRequired is returned when ruku.yml declares no port. It is
	// always wrapped by an InvalidError for "port".
	ErrPortRequired = errors.New("port is required")

	// ErrPortUnavailable is returned when the declared port is already bound
	// on the host. It is always wrapped by an InvalidError for "port".
	ErrPortUnavailable = errors.New("port is already in use")
)

// ParseError is returned when ruku.yml is not a valid manifest document.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// InvalidError is returned when a manifest field fails validation.
type InvalidError struct {
	Field  string // yaml key, e.g. "port"
	Reason string
	Err    error // optional sentinel, e.g. ErrPortUnavailable
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InvalidError) Unwrap() error {
	return e.Err
}
