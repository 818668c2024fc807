// Command canopy runs resumable assistant sessions in isolated git worktrees.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/drewfead/canopy/internal/config"
	"github.com/drewfead/canopy/internal/logging"
	"github.com/drewfead/canopy/internal/runner"
	"github.com/drewfead/canopy/internal/session"
	"github.com/drewfead/canopy/internal/store"
	"github.com/drewfead/canopy/internal/worktree"
)

// Version is set at build time
var Version = "dev"

func main() {
	os.Exit(run())
}

func run() (exitCode int) {
	defer func() {
		if r := recover(); r != nil {
			logging.CapturePanic(r, "component", "main")
			fmt.Fprintf(os.Stderr, "FATAL: unrecovered panic: %v\n", r)
			exitCode = 2
		}
	}()

	configPath := config.DefaultConfigPath()
	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, errorLine(err))
		return 1
	}

	if err := logging.Init(logging.Config{
		Level:     logging.ParseLevel(cfg.Logging.Level),
		SentryDSN: cfg.Logging.SentryDSN,
		Env:       cfg.Logging.Env,
		Version:   Version,
		LogFile:   cfg.Logging.File,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	}
	defer logging.Flush(2 * time.Second)

	a := &app{cfg: cfg, configPath: configPath}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = newRootCmd(a).ExecuteContext(ctx)
	a.close()
	if err != nil {
		fmt.Fprintln(os.Stderr, errorLine(err))
		return 1
	}
	return 0
}

// app holds what every command needs once the store is open.
type app struct {
	cfg        *config.Config
	configPath string

	st  *store.Store
	mgr *session.Manager
}

func (a *app) open(ctx context.Context) error {
	st, err := store.New(a.cfg.Store.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	mgr, err := session.New(ctx, session.Options{
		Store:      st,
		Worktrees:  worktree.NewService(a.cfg.Repos.WorktreeDir),
		Runner:     runnerOptions(a.cfg),
		GitWorkers: int64(a.cfg.Workers.Git),
	})
	if err != nil {
		st.Close()
		return err
	}

	a.st, a.mgr = st, mgr
	return nil
}

func (a *app) close() {
	if a.mgr != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*a.cfg.Assistant.StopGrace+5*time.Second)
		defer cancel()
		if err := a.mgr.Close(ctx); err != nil {
			logging.Warn("failed to stop sessions cleanly", "error", err)
		}
	}
	if a.st != nil {
		a.st.Close()
	}
	a.mgr, a.st = nil, nil
}

func runnerOptions(cfg *config.Config) runner.Options {
	return runner.Options{
		Command:        cfg.Assistant.Command,
		Model:          cfg.Assistant.Model,
		PermissionMode: cfg.Assistant.PermissionMode,
		AllowedTools:   cfg.Assistant.AllowedTools,
		SystemPrompt:   cfg.Assistant.SystemPrompt,
		SpawnTimeout:   cfg.Assistant.SpawnTimeout,
		StopGrace:      cfg.Assistant.StopGrace,
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "canopy",
		Short: "Resumable assistant sessions bound to git worktrees",
		Long: `canopy - run many assistant conversations side by side, each in its own
git worktree, and pick any of them up again later.

Examples:
  canopy repo add ~/src/app                    # Register a repository
  canopy worktree create app feature-x         # Check out an existing branch
  canopy worktree create app fix-123 --new     # Create a branch and check it out
  canopy chat feature-x                        # Start a session
  canopy session list feature-x                # List sessions on a worktree
  canopy chat feature-x --resume 3f2a          # Pick a session back up`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open(cmd.Context())
		},
	}

	root.AddCommand(
		newRepoCmd(a),
		newWorktreeCmd(a),
		newSessionCmd(a),
		newChatCmd(a),
	)

	return root
}
