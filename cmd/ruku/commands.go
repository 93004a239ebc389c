package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/artpar/ruku/internal/core/app"
	"github.com/artpar/ruku/internal/core/githook"
	"github.com/artpar/ruku/internal/core/manifest"
	"github.com/artpar/ruku/internal/shell/deploy"
	"github.com/artpar/ruku/internal/shell/docker"
	"github.com/artpar/ruku/internal/shell/git"
	"github.com/artpar/ruku/internal/shell/sshkeys"
	"github.com/artpar/ruku/internal/shell/store"
	"github.com/spf13/cobra"
)

// ErrNoContainer is returned by commands that need a running app.
var ErrNoContainer = errors.New("app has no container")

// sshOriginalCommand is set by sshd under a forced command.
const sshOriginalCommand = "SSH_ORIGINAL_COMMAND"

func newRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	e := &env{stdin: stdin, stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "ruku",
		Short:         "Push-to-deploy apps into containers on this host",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.load()
		},
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&e.configPath, "config", "", "Path to config file")

	root.AddCommand(
		newDeployCommand(e),
		newRunCommand(e),
		newStopCommand(e),
		newDestroyCommand(e),
		newLogsCommand(e),
		newConfigCommand(e),
		newConfigGetCommand(e),
		newConfigSetCommand(e),
		newConfigUnsetCommand(e),
		newHistoryCommand(e),
		newGitHookCommand(e),
		newGitShellCommand(e, githook.ReceivePack),
		newGitShellCommand(e, githook.UploadPack),
		newSetupSSHCommand(e),
		newSSHCommand(e),
		newVersionCommand(),
	)
	return root
}

// =============================================================================
// Lifecycle Commands
// =============================================================================

func newDeployCommand(e *env) *cobra.Command {
	var appFlag string
	cmd := &cobra.Command{
		Use:   "deploy [APP]",
		Short: "Build the app's working tree and (re)start its container",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.runDeploy(cmd.Context(), appFlag, args, true)
		},
	}
	cmd.Flags().StringVar(&appFlag, "app", "", "App name")
	return cmd
}

func newRunCommand(e *env) *cobra.Command {
	var appFlag string
	cmd := &cobra.Command{
		Use:   "run [APP]",
		Short: "Start the app's container on its existing image",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.runDeploy(cmd.Context(), appFlag, args, false)
		},
	}
	cmd.Flags().StringVar(&appFlag, "app", "", "App name")
	return cmd
}

func (e *env) runDeploy(ctx context.Context, appFlag string, args []string, doBuild bool) error {
	t, err := e.resolveApp(appFlag, args)
	if err != nil {
		return err
	}

	svc, err := e.openServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	return e.withLock(ctx, t.Name, func() error {
		req := deploy.Request{Name: t.Name, WorkTree: t.WorkTree, Output: e.stdout}

		var res *deploy.Result
		if doBuild {
			res, err = svc.orchestrator.Deploy(ctx, req)
		} else {
			res, err = svc.orchestrator.Run(ctx, req)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(e.stdout, "%s is running %s on port %d\n", t.Name, res.Image, res.Port)
		return nil
	})
}

func newStopCommand(e *env) *cobra.Command {
	var appFlag string
	cmd := &cobra.Command{
		Use:   "stop [APP]",
		Short: "Stop the app's container",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := e.resolveApp(appFlag, args)
			if err != nil {
				return err
			}
			svc, err := e.openServices()
			if err != nil {
				return err
			}
			defer svc.Close()

			return e.withLock(cmd.Context(), t.Name, func() error {
				return svc.reconciler.Stop(cmd.Context(), app.ContainerName(t.Name))
			})
		},
	}
	cmd.Flags().StringVar(&appFlag, "app", "", "App name")
	return cmd
}

func newDestroyCommand(e *env) *cobra.Command {
	var appFlag string
	cmd := &cobra.Command{
		Use:   "destroy [APP]",
		Short: "Remove the app's container, images, repository, working tree and settings",
		Long: "Remove the app's container, images, repository, working tree and settings.\n" +
			"The app's data directory and deployment history are kept.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := e.resolveApp(appFlag, args)
			if err != nil {
				return err
			}
			svc, err := e.openServices()
			if err != nil {
				return err
			}
			defer svc.Close()

			return e.withLock(cmd.Context(), t.Name, func() error {
				return e.destroy(cmd.Context(), svc, t.Name)
			})
		},
	}
	cmd.Flags().StringVar(&appFlag, "app", "", "App name")
	return cmd
}

func (e *env) destroy(ctx context.Context, svc *services, name string) error {
	if err := svc.reconciler.Destroy(ctx, app.ContainerName(name)); err != nil {
		return err
	}

	images, err := e.appImages(ctx, svc.store, name)
	if err != nil {
		return err
	}
	for _, image := range images {
		err := svc.docker.RemoveImage(ctx, image)
		if err != nil && !errors.Is(err, docker.ErrImageNotFound) {
			return err
		}
		if err == nil {
			e.logger.Info("image removed", "app", name, "image", image)
		}
	}

	for _, dir := range []string{e.paths.AppPath(name), e.paths.RepoPath(name)} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("remove %s: %w", dir, err)
		}
	}

	if err := svc.store.DeleteSettings(ctx, name); err != nil {
		return err
	}

	fmt.Fprintf(e.stdout, "%s destroyed, data kept in %s\n", name, e.paths.DataPath(name))
	return nil
}

// appImages lists every image reference the app was deployed with, plus the
// one its current ruku.yml names.
func (e *env) appImages(ctx context.Context, s store.Store, name string) ([]string, error) {
	seen := map[string]bool{}

	records, err := s.ListDeployments(ctx, name, store.ListOptions{Limit: 1000})
	if err != nil {
		return nil, err
	}
	for _, d := range records {
		if d.Image != "" {
			seen[d.Image] = true
		}
	}

	data, err := os.ReadFile(filepath.Join(e.paths.AppPath(name), manifest.FileName))
	if err == nil {
		if m, err := manifest.Parse(data); err == nil {
			seen[m.ImageReference(app.ImageRepository(name))] = true
		}
	}

	images := make([]string, 0, len(seen))
	for image := range seen {
		images = append(images, image)
	}
	sort.Strings(images)
	return images, nil
}

func newLogsCommand(e *env) *cobra.Command {
	var (
		appFlag string
		follow  bool
		tail    string
	)
	cmd := &cobra.Command{
		Use:   "logs [APP]",
		Short: "Print the app's container logs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := e.resolveApp(appFlag, args)
			if err != nil {
				return err
			}
			dc, err := docker.NewDockerClient(e.cfg.Docker.Host)
			if err != nil {
				return err
			}
			defer dc.Close()

			info, err := dc.FindContainer(cmd.Context(), app.ContainerName(t.Name))
			if err != nil {
				return err
			}
			if info == nil {
				return fmt.Errorf("%w: %s", ErrNoContainer, t.Name)
			}

			err = dc.ContainerLogs(cmd.Context(), info.ID, docker.LogOptions{Follow: follow, Tail: tail}, e.stdout, e.stderr)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&appFlag, "app", "", "App name")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output")
	cmd.Flags().StringVar(&tail, "tail", "all", "Number of lines to show from the end")
	return cmd
}

// =============================================================================
// Settings Commands
// =============================================================================

// settingsCommand builds a config:* command that only needs the database.
// The app comes from --app or the current directory; positional arguments
// are keys.
func settingsCommand(e *env, cmd *cobra.Command, run func(ctx context.Context, s store.Store, name string, args []string) error) *cobra.Command {
	var appFlag string
	cmd.Flags().StringVar(&appFlag, "app", "", "App name")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		t, err := e.resolveApp(appFlag, nil)
		if err != nil {
			return err
		}
		s, err := e.openStore()
		if err != nil {
			return err
		}
		defer s.Close()
		return run(cmd.Context(), s, t.Name, args)
	}
	return cmd
}

func newConfigCommand(e *env) *cobra.Command {
	return settingsCommand(e, &cobra.Command{
		Use:   "config",
		Short: "List the app's settings",
		Args:  cobra.NoArgs,
	}, func(ctx context.Context, s store.Store, name string, _ []string) error {
		settings, err := s.ListSettings(ctx, name)
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(settings))
		for k := range settings {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(e.stdout, "%s=%s\n", k, settings[k])
		}
		return nil
	})
}

func newConfigGetCommand(e *env) *cobra.Command {
	return settingsCommand(e, &cobra.Command{
		Use:   "config:get KEY",
		Short: "Print one setting",
		Args:  cobra.ExactArgs(1),
	}, func(ctx context.Context, s store.Store, name string, args []string) error {
		value, err := s.GetSetting(ctx, name, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(e.stdout, value)
		return nil
	})
}

func newConfigSetCommand(e *env) *cobra.Command {
	return settingsCommand(e, &cobra.Command{
		Use:   "config:set KEY=VALUE...",
		Short: "Set settings passed to the app at build and run time",
		Long: "Set settings passed to the app at build and run time.\n" +
			"Changes take effect on the next deploy or run.",
		Args: cobra.MinimumNArgs(1),
	}, func(ctx context.Context, s store.Store, name string, args []string) error {
		pairs := make([][2]string, 0, len(args))
		for _, arg := range args {
			key, value, err := parseAssignment(arg)
			if err != nil {
				return err
			}
			pairs = append(pairs, [2]string{key, value})
		}

		return s.WithTx(ctx, func(tx store.Store) error {
			for _, p := range pairs {
				if err := tx.SetSetting(ctx, name, p[0], p[1]); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

func newConfigUnsetCommand(e *env) *cobra.Command {
	return settingsCommand(e, &cobra.Command{
		Use:   "config:unset KEY...",
		Short: "Remove settings",
		Args:  cobra.MinimumNArgs(1),
	}, func(ctx context.Context, s store.Store, name string, args []string) error {
		return s.WithTx(ctx, func(tx store.Store) error {
			for _, key := range args {
				if err := tx.UnsetSetting(ctx, name, key); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// parseAssignment splits KEY=VALUE. The value may be empty or contain '='.
func parseAssignment(arg string) (string, string, error) {
	key, value, ok := strings.Cut(arg, "=")
	if !ok || key == "" {
		return "", "", fmt.Errorf("expected KEY=VALUE, got %q", arg)
	}
	return key, value, nil
}

func newHistoryCommand(e *env) *cobra.Command {
	var (
		appFlag string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "history [APP]",
		Short: "List the app's deployments, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := e.resolveApp(appFlag, args)
			if err != nil {
				return err
			}
			s, err := e.openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			records, err := s.ListDeployments(cmd.Context(), t.Name, store.ListOptions{Limit: limit})
			if err != nil {
				return err
			}
			return writeHistory(e.stdout, records)
		},
	}
	cmd.Flags().StringVar(&appFlag, "app", "", "App name")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of deployments to show")
	return cmd
}

func writeHistory(out io.Writer, records []store.Deployment) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CREATED\tSTATUS\tREVISION\tIMAGE\tERROR")
	for _, d := range records {
		rev := d.Revision
		if len(rev) > 12 {
			rev = rev[:12]
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			d.CreatedAt.Local().Format(time.DateTime), d.Status, rev, d.Image, firstLine(d.Error))
	}
	return w.Flush()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

// =============================================================================
// Git Commands
// =============================================================================

func newGitHookCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:    githook.HookCommand + " APP",
		Short:  "Handle post-receive input for a pushed app",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			name, err := app.ParseName(args[0])
			if err != nil {
				return err
			}
			svc, err := e.openServices()
			if err != nil {
				return err
			}
			defer svc.Close()

			return e.withLock(ctx, name, func() error {
				return e.synchronizer().Process(ctx, name, e.stdin, func(ctx context.Context, name string, ev githook.PushEvent, workTree string) error {
					res, err := svc.orchestrator.Deploy(ctx, deploy.Request{
						Name:     name,
						WorkTree: workTree,
						Revision: ev.NewRev,
						Ref:      ev.Ref,
						Output:   e.stdout,
					})
					if err != nil {
						return err
					}
					fmt.Fprintf(e.stdout, "-----> %s deployed on port %d\n", name, res.Port)
					return nil
				})
			})
		},
	}
}

func newGitShellCommand(e *env, verb string) *cobra.Command {
	return &cobra.Command{
		Use:    verb + " APP",
		Short:  "Serve " + verb + " for an app",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.serveGit(cmd.Context(), verb, args[0])
		},
	}
}

func (e *env) serveGit(ctx context.Context, verb, repo string) error {
	name, err := app.ParseName(repo)
	if err != nil {
		return err
	}

	stdio := git.Stdio{In: e.stdin, Out: e.stdout, Err: e.stderr}
	gw := e.gateway()
	if verb == githook.ReceivePack {
		return gw.Receive(ctx, name, stdio)
	}
	return gw.Upload(ctx, name, stdio)
}

// =============================================================================
// SSH Commands
// =============================================================================

func newSetupSSHCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "setup:ssh FILE",
		Short: "Allow a public key to push (FILE may be - for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if args[0] == "-" {
				data, err = io.ReadAll(e.stdin)
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read key: %w", err)
			}

			key, err := sshkeys.ParseKey(data)
			if err != nil {
				return err
			}

			path := filepath.Join(e.home, ".ssh", "authorized_keys")
			added, err := sshkeys.Add(path, e.paths.Root, e.paths.Binary, key)
			if err != nil {
				return err
			}
			if added {
				fmt.Fprintf(e.stdout, "added %s to %s\n", key.Fingerprint, path)
			} else {
				fmt.Fprintf(e.stdout, "%s is already authorized\n", key.Fingerprint)
			}
			return nil
		},
	}
}

func newSSHCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:    sshkeys.SSHCommand,
		Short:  "Entry point of the forced command in authorized_keys",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			verb, repo, err := githook.ParseSSHCommand(os.Getenv(sshOriginalCommand))
			if err != nil {
				return err
			}
			e.logger.Debug("ssh command", "verb", verb, "repo", repo)
			return e.serveGit(cmd.Context(), verb, repo)
		},
	}
}

// =============================================================================
// Version
// =============================================================================

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Args:  cobra.NoArgs,
		// No config needed
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ruku %s (built %s)\n", Version, BuildTime)
		},
	}
}
