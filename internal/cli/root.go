// Package cli provides the command-line interface for calcline.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/calcline-labs/calcline/internal/blob"
	"github.com/calcline-labs/calcline/internal/cli/commands"
	"github.com/calcline-labs/calcline/internal/config"
	"github.com/calcline-labs/calcline/internal/engine"
	"github.com/calcline-labs/calcline/internal/store"
)

// Version information (set at build time).
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

// NewRootCmd creates and returns the root command.
func NewRootCmd() *cobra.Command {
	env := &commands.Env{}

	rootCmd := &cobra.Command{
		Use:   "calcline",
		Short: "calcline - Datasheet Formula & Report Engine",
		Long: `calcline evaluates user-authored formulas over hierarchical datasheet
projects and assembles staged, aggregated reports from label collections
and formula results.`,
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" || cmd.Name() == "version" {
				return nil
			}
			return setupEnv(cmd, env)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return env.Close()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.SetVersionTemplate(fmt.Sprintf(`{{.Name}} {{.Version}}
Build date: %s
Commit: %s
`, BuildDate, GitCommit))

	flags := rootCmd.PersistentFlags()
	flags.String("database_path", "", "SQLite database file")
	flags.String("blob_dir", "", "directory for cached rows, reports, and unit records")
	flags.String("log_level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		commands.NewComputeCmd(env),
		commands.NewRefreshCmd(env),
		commands.NewLinkCmd(env),
		commands.NewEvalCmd(),
		commands.NewSeedCmd(env),
		commands.NewVersionCmd(Version, BuildDate, GitCommit),
	)
	return rootCmd
}

// setupEnv loads configuration and opens the stores the subcommands share.
func setupEnv(cmd *cobra.Command, env *commands.Env) error {
	wd, err := os.Getwd()
	if err != nil {
		return err
	}
	root := config.FindProjectRoot(wd)
	if root == "" {
		root = wd
	}

	cfg, err := config.Load(root, cmd.Root().PersistentFlags())
	if err != nil {
		return err
	}

	logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)

	s := store.NewSQLiteStore()
	if err := s.Open(cfg.DatabasePath); err != nil {
		return err
	}
	blobs, err := blob.NewFilesystemStore(cfg.BlobDir)
	if err != nil {
		s.Close()
		return err
	}
	eng, err := engine.New(engine.Config{Store: s, Blobs: blobs, Logger: logger})
	if err != nil {
		s.Close()
		return err
	}

	env.Config = cfg
	env.Store = s
	env.Engine = eng
	env.Logger = logger
	return nil
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l}))
}

// Execute runs the root command.
func Execute() int {
	rootCmd := NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
