// Package githook holds the values exchanged with Git during a push: ref
// update lines read by the post-receive hook, the hook script itself, and
// the git-shell commands used to serve the pack protocol.
//
// All functions are pure; internal/shell/git performs the I/O.
package githook

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/google/shlex"
)

// =============================================================================
// Push Events
// =============================================================================

// PushEvent is one line of post-receive input.
type PushEvent struct {
	OldRev string
	NewRev string
	Ref    string
}

// ParseLine splits a hook input line on single spaces. Lines that do not
// have exactly three fields, or whose revisions are not object names, are
// reported as not ok and must be skipped.
func ParseLine(line string) (PushEvent, bool) {
	parts := strings.Split(strings.TrimSpace(line), " ")
	if len(parts) != 3 {
		return PushEvent{}, false
	}
	if !isObjectName(parts[0]) || !isObjectName(parts[1]) || parts[2] == "" {
		return PushEvent{}, false
	}
	return PushEvent{OldRev: parts[0], NewRev: parts[1], Ref: parts[2]}, true
}

// isObjectName accepts abbreviated or full SHA-1/SHA-256 hex names.
func isObjectName(s string) bool {
	if len(s) < 4 || len(s) > 64 {
		return false
	}
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f' || r >= 'A' && r <= 'F') {
			return false
		}
	}
	return true
}

// IsDelete reports whether the event deletes its ref (new revision is the
// all-zero object name).
func (e PushEvent) IsDelete() bool {
	return strings.Trim(e.NewRev, "0") == ""
}

// Branch returns the branch name of the event's ref.
//
// Example:
//
//	PushEvent{Ref: "refs/heads/main"}.Branch() // "main"
func (e PushEvent) Branch() string {
	return strings.TrimPrefix(e.Ref, "refs/heads/")
}

// =============================================================================
// Hook Script
// =============================================================================

// RootEnv is the variable the hook exports so the re-invoked binary finds
// the same state root.
const RootEnv = "RUKU_ROOT"

// HookCommand is the subcommand the post-receive hook invokes.
const HookCommand = "git-hook"

var hookTemplate = template.Must(template.New("post-receive").Parse(`#!/usr/bin/env bash
set -e; set -o pipefail;
cat | {{.Env}}="{{.Root}}" {{.Binary}} {{.Command}} {{.App}}
`))

// Script renders the post-receive hook for app. The hook pipes its standard
// input through unchanged.
func Script(root, binary, app string) []byte {
	var buf bytes.Buffer
	// Executing a parsed template into a buffer with string fields cannot fail.
	_ = hookTemplate.Execute(&buf, struct {
		Env, Root, Binary, Command, App string
	}{RootEnv, root, binary, HookCommand, app})
	return buf.Bytes()
}

// =============================================================================
// git-shell Commands
// =============================================================================

const (
	ReceivePack = "git-receive-pack"
	UploadPack  = "git-upload-pack"
)

var (
	ErrUnsupportedCommand = errors.New("unsupported command")
	ErrMissingRepository  = errors.New("missing repository argument")
)

// ShellCommand is the single command string handed to git-shell -c. The app
// name must already be sanitized.
//
// Example:
//
//	ShellCommand(ReceivePack, "blog") // "git-receive-pack 'blog'"
func ShellCommand(verb, app string) string {
	return fmt.Sprintf("%s '%s'", verb, app)
}

// ParseSSHCommand splits the command an SSH client asked for (the value of
// SSH_ORIGINAL_COMMAND under a forced command) into a git verb and the raw
// repository argument. Only the receive and upload verbs are accepted.
func ParseSSHCommand(original string) (verb, repo string, err error) {
	args, err := shlex.Split(original)
	if err != nil {
		return "", "", fmt.Errorf("parse ssh command: %w", err)
	}
	if len(args) == 0 {
		return "", "", ErrUnsupportedCommand
	}

	switch args[0] {
	case ReceivePack, UploadPack:
	default:
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedCommand, args[0])
	}
	if len(args) != 2 {
		return "", "", ErrMissingRepository
	}
	return args[0], args[1], nil
}
