// Package cmd is the ralphd command tree: thin adapters over the session
// manager, iterative controller, and orchestrator.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/ralphd/internal/config"
	"github.com/zjrosen/ralphd/internal/git"
	"github.com/zjrosen/ralphd/internal/github"
	"github.com/zjrosen/ralphd/internal/log"
	"github.com/zjrosen/ralphd/internal/prompt"
	"github.com/zjrosen/ralphd/internal/session"
	"github.com/zjrosen/ralphd/internal/spawner"
	"github.com/zjrosen/ralphd/internal/store"
)

var (
	version = "dev"

	cfgFile   string
	repoFlag  string
	debugFlag bool

	cfg        config.Config
	logCleanup func()
)

// usageError maps to exit code 2.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

var rootCmd = &cobra.Command{
	Use:   "ralphd",
	Short: "Local control plane for autonomous coding workers",
	Long: `ralphd orchestrates autonomous code-generation workers across declared
repositories: it provisions an isolated working copy per issue, spawns a
worker in it, tracks the session lifecycle on disk, and optionally drives
a bounded iterative loop with review gating.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded

		if debugFlag || os.Getenv("RALPHD_DEBUG") != "" {
			logPath := os.Getenv("RALPHD_LOG")
			if logPath == "" {
				logPath = filepath.Join(cfg.BaseDir, "ralphd.log")
			}
			cleanup, err := log.Init(logPath)
			if err != nil {
				return fmt.Errorf("initializing logging: %w", err)
			}
			logCleanup = cleanup
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.orchestration/config.json, or ORCH_CONFIG_PATH)")
	rootCmd.PersistentFlags().StringVarP(&repoFlag, "repo", "r", "",
		"repository id (default: the only declared repository)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging (also RALPHD_DEBUG)")

	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})
}

// exactArgs is cobra.ExactArgs with usage-error classification.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return &usageError{err: fmt.Errorf("%s: expected %d argument(s), got %d", cmd.Name(), n, len(args))}
		}
		return nil
	}
}

// resolveRepo picks the target repository from --repo or a single declaration.
func resolveRepo() (config.RepositoryConfig, error) {
	if repoFlag != "" {
		repo, ok := cfg.Repository(repoFlag)
		if !ok {
			return config.RepositoryConfig{}, fmt.Errorf("repository %q is not declared in config", repoFlag)
		}
		return repo, nil
	}
	if len(cfg.Repositories) == 1 {
		return cfg.Repositories[0], nil
	}
	return config.RepositoryConfig{}, errors.New("multiple repositories declared, pass --repo")
}

// newManager wires one repository's collaborators for a one-shot command.
func newManager(repo config.RepositoryConfig) (*session.Manager, error) {
	fs, err := store.NewFileStore(filepath.Join(cfg.BaseDir, repo.ID, "sessions"))
	if err != nil {
		return nil, err
	}
	mode := repo.DefaultMode
	if mode == "" {
		mode = config.SpawnerHeadless
	}
	sp, err := spawner.New(mode, cfg.Spawner)
	if err != nil {
		return nil, err
	}
	vcs := git.NewCLI()
	issues := github.NewCLI(github.WithNotifyCommand(cfg.Notify.Command))

	return session.NewManager(session.ManagerConfig{
		RepositoryID:   repo.ID,
		RepoRoot:       repo.Root,
		BaseRef:        repo.BaseRef,
		Owner:          repo.Owner,
		Name:           repo.Name,
		WorktreePrefix: repo.WorktreePrefix,
		StaleThreshold: time.Duration(cfg.StaleThresholdSeconds) * time.Second,
	}, fs, vcs, issues, sp, prompt.NewBuilder()), nil
}

// Execute runs the command tree and returns the process exit code: 0 on
// success, 1 on handled error, 2 on usage error.
func Execute() int {
	err := rootCmd.Execute()
	if logCleanup != nil {
		logCleanup()
	}
	if err == nil {
		return 0
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	var usage *usageError
	if errors.As(err, &usage) {
		return 2
	}
	return 1
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
