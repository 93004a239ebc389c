// Package app defines application identity: turning the untrusted repository
// name a Git client sends into a name that is safe to use in filesystem paths,
// shell fragments, container names and image references.
package app

import (
	"errors"
	"strings"
)

// ErrEmptyName is returned when nothing usable survives sanitization.
var ErrEmptyName = errors.New("app name is empty after sanitization")

// =============================================================================
// Sanitization
// =============================================================================

// Sanitize reduces a raw repository path segment to an application name.
//
// The transformation rules are:
//   - ASCII letters and digits are kept as-is
//   - '.', '_' and '-' are kept as-is
//   - All other characters (slashes, quotes, whitespace, shell
//     metacharacters, non-ASCII) are removed
//   - Leading '.' and '-' characters are removed afterwards, so "." and
//     ".." can never be produced and the name is never read as a flag
//
// Example:
//
//	Sanitize("'blog'")        // returns "blog"
//	Sanitize("/srv/../blog ") // returns "srv..blog"
//	Sanitize("../../etc")     // returns "etc"
func Sanitize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	return strings.TrimLeft(b.String(), ".-")
}

// ParseName sanitizes raw and rejects names that sanitize to nothing.
func ParseName(raw string) (string, error) {
	name := Sanitize(raw)
	if name == "" {
		return "", ErrEmptyName
	}
	return name, nil
}

// =============================================================================
// Naming
// =============================================================================

// ContainerName is the single container that runs an app.
func ContainerName(name string) string {
	return name
}

// ImageRepository is the image repository an app is built into. Image
// repositories must be lowercase.
func ImageRepository(name string) string {
	return strings.ToLower(name)
}
