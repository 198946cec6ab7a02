// Command oplog manages a repository's commit history and operation log.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/systemshift/oplog/internal/config"
	"github.com/systemshift/oplog/internal/repo"
)

var (
	repoDir string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:           "oplog",
	Short:         "Content-addressed commit history with an operation log",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&repoDir, "repository", "R", ".", "Repository directory (or any directory below it)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")

	rootCmd.AddCommand(initCmd(), opCmd(), newCmd(), branchCmd(), abandonCmd(), queryCmd(), mountCmd())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "oplog: %v\n", err)
		os.Exit(1)
	}
}

func loggerFor(cfg config.Config) *slog.Logger {
	if verbose {
		cfg.Log.Level = "debug"
	}
	return cfg.Logger(os.Stderr)
}

// openRepo opens the repository containing repoDir.
func openRepo(ctx context.Context) (*repo.Repo, error) {
	root, err := repo.Find(repoDir)
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadDir(filepath.Join(root, repo.DirName))
	if err != nil {
		return nil, err
	}
	return repo.OpenWithConfig(ctx, root, cfg, loggerFor(cfg))
}

// withRepo wraps a command body that needs an open repository.
func withRepo(run func(cmd *cobra.Command, r *repo.Repo, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		r, err := openRepo(cmd.Context())
		if err != nil {
			return err
		}
		defer r.Close()
		return run(cmd, r, args)
	}
}

func initCmd() *cobra.Command {
	var backend string
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Create a repository",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := repoDir
			if len(args) == 1 {
				dir = args[0]
			}
			cfg := config.Default()
			cfg.Backend = backend
			r, err := repo.Init(cmd.Context(), dir, cfg, loggerFor(cfg))
			if err != nil {
				return err
			}
			defer r.Close()
			abs, _ := filepath.Abs(dir)
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s repository in %s\n", backend, filepath.Join(abs, repo.DirName))
			return nil
		},
	}
	cmd.Flags().StringVar(&backend, "backend", config.BackendFile, "Storage backend: file, badger or git")
	return cmd
}

func mountCmd() *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "mount <mountpoint>",
		Short: "Mount a read-only view of the operation log",
		Args:  cobra.ExactArgs(1),
		RunE: withRepo(func(cmd *cobra.Command, r *repo.Repo, args []string) error {
			return mount(cmd.Context(), r, args[0], debug)
		}),
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "Log FUSE requests")
	return cmd
}
