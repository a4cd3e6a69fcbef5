package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/schaermu/subsync/internal/config"
	"github.com/schaermu/subsync/internal/git"
	"github.com/schaermu/subsync/internal/prompt"
	"github.com/schaermu/subsync/internal/session"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Sync flags
	targetDir     string
	targetBranch  string
	sourceBranch  string
	noFirstParent bool
	includeStart  bool
	fromRoot      bool
	autoStash     bool
	skipEmpty     bool
	interactive   bool
	dryRun        bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "subsync",
	Short: "Replay the history of a subdirectory into another git repository",
	Long: `subsync migrates the commits that touched one directory (or file) of a source
repository into a target repository, commit by commit, preserving authorship.

A sync session applies each commit with a three-way merge. When a commit
conflicts, the session pauses; resolve the conflict and run 'subsync continue',
or discard the session with 'subsync abort'.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync <source-path> <target-repo> <revision-range>",
	Short: "Replay the commits of a revision range into the target repository",
	Long: `Sync extracts every commit of the revision range that touched source-path and
applies them, oldest first, to target-repo.

The revision range is either A..B or a single revision R, meaning R..<source branch>.
The start revision itself is excluded unless --include-start is given; use
--from-root to sync from the very first commit.`,
	Args: cobra.ExactArgs(3),
	RunE: runSync,
}

var continueCmd = &cobra.Command{
	Use:   "continue [target-repo]",
	Short: "Resume a paused sync session",
	Long: `Continue finishes a pending conflicted commit, then applies the remaining
commits of the session. Without an active session it does nothing.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runContinue,
}

var abortCmd = &cobra.Command{
	Use:   "abort [target-repo]",
	Short: "Discard a paused sync session",
	Long: `Abort reverts a pending conflicted commit and deletes the session. Commits that
were already applied stay in the target history.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAbort,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "subsync %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/subsync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Sync command flags
	syncCmd.Flags().StringVar(&targetDir, "target-dir", "", "place synced content under this directory of the target")
	syncCmd.Flags().StringVar(&targetBranch, "branch", "", "target branch, created from HEAD if missing (default is the current branch)")
	syncCmd.Flags().StringVar(&sourceBranch, "source-branch", "", "source branch (default is the current branch)")
	syncCmd.Flags().BoolVar(&noFirstParent, "no-first-parent", false, "include commits brought in by merged side branches")
	syncCmd.Flags().BoolVar(&includeStart, "include-start", false, "include the start revision of the range")
	syncCmd.Flags().BoolVar(&fromRoot, "from-root", false, "sync every commit up to the range end, starting with the root commit")
	syncCmd.Flags().BoolVar(&autoStash, "stash", false, "stash uncommitted target changes and restore them afterwards")
	syncCmd.Flags().BoolVar(&skipEmpty, "skip-empty", false, "skip commits with no changes for the target without asking")
	syncCmd.Flags().BoolVar(&interactive, "interactive", false, "confirm every commit before applying it")
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "list the commits that would be synced without making changes")
	syncCmd.MarkFlagsMutuallyExclusive("include-start", "from-root")

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(continueCmd)
	rootCmd.AddCommand(abortCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := setupLogger(cfg)

	opts := syncOptions(cmd, cfg, args)
	ctrl := newController(cmd, cfg, logger)

	if dryRun {
		_, err := ctrl.DryRun(ctx, opts)
		return err
	}

	stats, err := ctrl.Sync(ctx, opts)
	if err != nil {
		logger.Error("sync halted", "applied", stats.Applied, "remaining", stats.Remaining)
		return err
	}

	printStats(cmd, stats.Applied, stats.Skipped, stats.Total)
	return nil
}

func runContinue(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := setupLogger(cfg)

	stats, err := newController(cmd, cfg, logger).Continue(ctx, targetArg(args))
	if err != nil {
		logger.Error("sync halted", "applied", stats.Applied, "remaining", stats.Remaining)
		return err
	}

	printStats(cmd, stats.Applied, stats.Skipped, stats.Total)
	return nil
}

func runAbort(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := setupLogger(cfg)

	return newController(cmd, cfg, logger).Abort(ctx, targetArg(args))
}

func newController(cmd *cobra.Command, cfg *config.Config, logger *slog.Logger) *session.Controller {
	return session.NewController(git.NewShellClient(cfg.Git.Binary), prompt.NewTerminal(), logger, cmd.OutOrStdout())
}

// syncOptions merges command line flags over configuration defaults
func syncOptions(cmd *cobra.Command, cfg *config.Config, args []string) session.Options {
	flags := cmd.Flags()

	opts := session.Options{
		Source:       args[0],
		Target:       args[1],
		Range:        args[2],
		TargetDir:    cfg.Sync.TargetDir,
		Branch:       targetBranch,
		SourceBranch: sourceBranch,
		FirstParent:  cfg.UseFirstParent(),
		IncludeStart: includeStart,
		FromRoot:     fromRoot,
		AutoStash:    cfg.Sync.AutoStash,
		SkipEmpty:    cfg.Sync.SkipEmpty,
		Interactive:  interactive,
	}

	if flags.Changed("target-dir") {
		opts.TargetDir = targetDir
	}
	if flags.Changed("no-first-parent") {
		opts.FirstParent = !noFirstParent
	}
	if flags.Changed("stash") {
		opts.AutoStash = autoStash
	}
	if flags.Changed("skip-empty") {
		opts.SkipEmpty = skipEmpty
	}

	return opts
}

func targetArg(args []string) string {
	if len(args) == 0 {
		return "."
	}
	return args[0]
}

func printStats(cmd *cobra.Command, applied, skipped, total int) {
	if total == 0 {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "nothing to sync")
		return
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "synced %d of %d commit(s), %d skipped\n", applied, total, skipped)
}

// setupLogger builds the logger from --log-level/--log-format, falling back to
// the config file for flags not given on the command line. Text logs are
// colored only on a terminal.
func setupLogger(cfg *config.Config) *slog.Logger {
	level, format := logLevel, logFormat
	if cfg != nil {
		if !rootCmd.PersistentFlags().Changed("log-level") {
			level = cfg.Log.Level
		}
		if !rootCmd.PersistentFlags().Changed("log-format") {
			format = string(cfg.Log.Format)
		}
	}

	// Parse log level
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	// Logs go to stderr so dry-run listings on stdout stay clean.
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      lvl,
			TimeFormat: "15:04:05",
			NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		})
	}

	return slog.New(handler)
}

// loadConfig reads --config, or the default location when it exists
func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.Load(cfgFile)
	}
	return config.LoadOptional(config.DefaultPath())
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
