// Package sshkeys grants push access by adding public keys to an
// authorized_keys file with a forced command that re-enters ruku.
package sshkeys

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/artpar/ruku/internal/core/githook"
	"golang.org/x/crypto/ssh"
)

// Restrictions applied to every ruku key: the key may only run the forced
// command.
const Restrictions = "no-agent-forwarding,no-user-rc,no-X11-forwarding,no-port-forwarding"

// SSHCommand is the subcommand the forced command invokes.
const SSHCommand = "ssh-command"

// ErrInvalidKey is returned when the input is not an OpenSSH public key.
var ErrInvalidKey = errors.New("invalid ssh public key")

// Key is a parsed public key.
type Key struct {
	PublicKey   ssh.PublicKey
	Comment     string
	Fingerprint string
}

// ParseKey parses one public key in authorized_keys format.
func ParseKey(data []byte) (*Key, error) {
	pub, comment, _, _, err := ssh.ParseAuthorizedKey(bytes.TrimSpace(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &Key{PublicKey: pub, Comment: comment, Fingerprint: Fingerprint(pub)}, nil
}

// Fingerprint returns the SHA256 fingerprint in the form ssh-keygen prints.
func Fingerprint(pub ssh.PublicKey) string {
	return ssh.FingerprintSHA256(pub)
}

// ForcedCommand is the command sshd runs for a ruku key.
//
// Example:
//
//	ForcedCommand("/home/git/.ruku", "/usr/bin/ruku")
//	// RUKU_ROOT="/home/git/.ruku" /usr/bin/ruku ssh-command
func ForcedCommand(root, binary string) string {
	return fmt.Sprintf("%s=%q %s %s", githook.RootEnv, root, binary, SSHCommand)
}

// Line renders the authorized_keys entry for key.
func Line(root, binary string, key *Key) string {
	command := strings.ReplaceAll(ForcedCommand(root, binary), `"`, `\"`)
	line := fmt.Sprintf(`command="%s",%s %s`, command, Restrictions,
		strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key.PublicKey))))
	if key.Comment != "" {
		line += " " + key.Comment
	}
	return line
}

// =============================================================================
// authorized_keys
// =============================================================================

// Add appends key to the authorized_keys file at path unless the same key
// is already listed, with or without options. It reports whether a line
// was written.
func Add(path, root, binary string, key *Key) (bool, error) {
	present, err := Contains(path, key.PublicKey)
	if err != nil {
		return false, err
	}
	if present {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return false, fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return false, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if err := ensureTrailingNewline(f, path); err != nil {
		return false, err
	}
	if _, err := fmt.Fprintln(f, Line(root, binary, key)); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

// Contains reports whether path lists pub. A missing file lists nothing.
// Lines that do not parse are ignored.
func Contains(path string, pub ssh.PublicKey) (bool, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	want := pub.Marshal()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		existing, _, _, _, err := ssh.ParseAuthorizedKey(line)
		if err != nil {
			continue
		}
		if bytes.Equal(existing.Marshal(), want) {
			return true, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	return false, nil
}

func ensureTrailingNewline(f *os.File, path string) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if data[len(data)-1] != '\n' {
		if _, err := f.WriteString("\n"); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	return nil
}
