package git

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/artpar/ruku/internal/core/paths"
	"github.com/artpar/ruku/internal/shell/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func testConfig(t *testing.T) paths.ServerConfig {
	t.Helper()
	cfg, err := paths.New(t.TempDir(), "", "/usr/bin/ruku")
	require.NoError(t, err)
	return cfg
}

// fakeInit makes "git init --bare" create the repository directory so later
// steps behave as they would against real git.
func fakeInit(cfg paths.ServerConfig) func(runner.Command) (string, error) {
	return func(cmd runner.Command) (string, error) {
		if cmd.Name == "git" && len(cmd.Args) > 0 && cmd.Args[0] == "init" {
			return "", os.MkdirAll(filepath.Join(cfg.GitRoot, cmd.Args[len(cmd.Args)-1]), 0755)
		}
		return "", nil
	}
}

func TestGateway_Receive_FirstPush(t *testing.T) {
	// The hook is written 0644; pin the umask so that is what lands on disk.
	oldMask := unix.Umask(0o022)
	t.Cleanup(func() { unix.Umask(oldMask) })

	cfg := testConfig(t)
	rec := &runner.Recorder{Handler: fakeInit(cfg)}
	gw := NewGateway(cfg, rec, nil)

	in := strings.NewReader("pack data")
	var out, errOut bytes.Buffer
	err := gw.Receive(context.Background(), "blog", Stdio{In: in, Out: &out, Err: &errOut})
	require.NoError(t, err)

	cmds := rec.Commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, "git init --quiet --bare blog", cmds[0].String())
	assert.Equal(t, cfg.GitRoot, cmds[0].Dir)
	assert.Equal(t, "git-shell -c git-receive-pack 'blog'", cmds[1].String())
	assert.Equal(t, cfg.GitRoot, cmds[1].Dir)
	assert.Same(t, in, cmds[1].Stdin)

	script, err := os.ReadFile(cfg.HookPath("blog"))
	require.NoError(t, err)
	assert.Contains(t, string(script), `RUKU_ROOT="`+cfg.Root+`"`)
	assert.Contains(t, string(script), "/usr/bin/ruku git-hook blog")

	info, err := os.Stat(cfg.HookPath("blog"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o744), info.Mode().Perm(), "owner execute bit added to the written mode")
}

func TestGateway_Receive_ExistingHookUntouched(t *testing.T) {
	cfg := testConfig(t)
	hook := cfg.HookPath("blog")
	require.NoError(t, os.MkdirAll(filepath.Dir(hook), 0755))
	require.NoError(t, os.WriteFile(hook, []byte("#!/bin/sh\necho custom\n"), 0600))

	rec := &runner.Recorder{}
	gw := NewGateway(cfg, rec, nil)

	require.NoError(t, gw.Receive(context.Background(), "blog", Stdio{}))

	assert.Equal(t, []string{"git-shell -c git-receive-pack 'blog'"}, rec.Lines())

	script, err := os.ReadFile(hook)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho custom\n", string(script))

	info, err := os.Stat(hook)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestGateway_Receive_SecondPushSkipsInit(t *testing.T) {
	cfg := testConfig(t)
	rec := &runner.Recorder{Handler: fakeInit(cfg)}
	gw := NewGateway(cfg, rec, nil)

	require.NoError(t, gw.Receive(context.Background(), "blog", Stdio{}))
	require.NoError(t, gw.Receive(context.Background(), "blog", Stdio{}))

	lines := rec.Lines()
	require.Len(t, lines, 3)
	assert.Equal(t, "git init --quiet --bare blog", lines[0])
	assert.Equal(t, "git-shell -c git-receive-pack 'blog'", lines[1])
	assert.Equal(t, "git-shell -c git-receive-pack 'blog'", lines[2])
}

func TestGateway_Receive_InitFailure(t *testing.T) {
	cfg := testConfig(t)
	rec := &runner.Recorder{Handler: func(cmd runner.Command) (string, error) {
		return "", errors.New("exit status 128")
	}}
	gw := NewGateway(cfg, rec, nil)

	err := gw.Receive(context.Background(), "blog", Stdio{})
	var gitErr *Error
	require.ErrorAs(t, err, &gitErr)
	assert.Equal(t, StepInit, gitErr.Step)
	assert.Equal(t, "blog", gitErr.App)

	_, statErr := os.Stat(cfg.HookPath("blog"))
	assert.True(t, os.IsNotExist(statErr), "hook must not be written after a failed init")
}

func TestGateway_Upload(t *testing.T) {
	cfg := testConfig(t)
	rec := &runner.Recorder{}
	gw := NewGateway(cfg, rec, nil)

	require.NoError(t, gw.Upload(context.Background(), "blog", Stdio{}))

	assert.Equal(t, []string{"git-shell -c git-upload-pack 'blog'"}, rec.Lines())
	_, err := os.Stat(cfg.RepoPath("blog"))
	assert.True(t, os.IsNotExist(err), "upload must not create repositories")
}

func TestGateway_ShellFailure(t *testing.T) {
	cfg := testConfig(t)
	rec := &runner.Recorder{Handler: func(cmd runner.Command) (string, error) {
		return "", errors.New("exit status 1")
	}}
	gw := NewGateway(cfg, rec, nil)

	err := gw.Upload(context.Background(), "blog", Stdio{})
	var gitErr *Error
	require.ErrorAs(t, err, &gitErr)
	assert.Equal(t, StepShell, gitErr.Step)
}
