package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/bamsammich/pgrewind/internal/config"
	"github.com/bamsammich/pgrewind/internal/progress"
	"github.com/bamsammich/pgrewind/internal/rewind"
	"github.com/bamsammich/pgrewind/internal/source"
	"github.com/bamsammich/pgrewind/internal/target"
)

var version = "dev"

func main() {
	os.Exit(run())
}

//nolint:gocyclo // main CLI entry point orchestrates all flag parsing and wiring
func run() int {
	var (
		targetDir        string
		sourcePgdata     string
		sourceServer     string
		dryRun           bool
		progressFlag     bool
		noSync           bool
		restoreTargetWal bool
		verifyFlag       bool
		debugFlag        bool
		showVersion      bool
		configFile       string
		bwLimitStr       string
	)

	rootCmd := &cobra.Command{
		Use:   "pgrewind [flags]",
		Short: "Resynchronize a PostgreSQL data directory with another copy of the same cluster",
		Long: `pgrewind rewinds a PostgreSQL data directory onto a diverged copy of the
same cluster, typically after a failover promoted the copy. Instead of a
full base backup it transfers only the blocks the old primary wrote after
the histories split, then stamps the data directory so the server replays
the rest from the new primary on startup.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if showVersion {
				fmt.Fprintf(os.Stdout, "pgrewind %s\n", version)
				return nil
			}

			if targetDir == "" {
				return errors.New("no target data directory specified (--target-pgdata)")
			}
			if (sourcePgdata == "") == (sourceServer == "") {
				return errors.New(
					"exactly one of --source-pgdata or --source-server must be specified",
				)
			}
			if verifyFlag && sourcePgdata == "" {
				return errors.New("--verify requires --source-pgdata")
			}

			// Load optional defaults file from the XDG location.
			cfg, err := config.Load("")
			if err != nil {
				slog.Warn("failed to load config", "error", err)
			}
			applyConfigDefaults(cmd, cfg.Defaults,
				&progressFlag, &noSync, &restoreTargetWal, &verifyFlag)
			if !cmd.Flags().Changed("bwlimit") && cfg.Defaults.BWLimit != nil {
				bwLimitStr = *cfg.Defaults.BWLimit
			}

			// Parse bandwidth limit.
			var limiter *rate.Limiter
			if bwLimitStr != "" {
				bw, err := config.ParseBWLimit(bwLimitStr, source.MaxChunkSize)
				if err != nil {
					return fmt.Errorf("invalid --bwlimit: %w", err)
				}
				limiter = rate.NewLimiter(rate.Limit(bw), source.MaxChunkSize)
			}

			// Configure logging.
			logLevel := slog.LevelInfo
			if debugFlag {
				logLevel = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: logLevel,
			}))
			slog.SetDefault(logger)

			if dryRun {
				slog.Info("dry run mode")
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			reporter := progress.NewReporter(os.Stderr, progressFlag)
			mutator := target.NewMutator(targetDir, dryRun, logger)
			opts := source.Options{
				Limiter:  limiter,
				Progress: reporter.Add,
			}

			var src source.Source
			if sourcePgdata != "" {
				src = source.NewLocal(sourcePgdata, mutator, opts)
			} else {
				libpq, connErr := source.Connect(ctx, sourceServer, mutator, opts)
				if connErr != nil {
					return fmt.Errorf("connect to source server: %w", connErr)
				}
				src = libpq
			}
			defer src.Close(context.Background()) //nolint:errcheck // best-effort teardown

			var restoreCommand string
			if restoreTargetWal {
				restoreCommand, err = config.RestoreCommand(targetDir, configFile)
				if err != nil {
					return err
				}
				slog.Debug("using restore_command for missing target WAL",
					"command", restoreCommand)
			}

			report, err := rewind.Run(ctx, rewind.Config{
				TargetDir:      targetDir,
				Source:         src,
				Target:         mutator,
				SourceDir:      sourcePgdata,
				DryRun:         dryRun,
				NoSync:         noSync,
				Verify:         verifyFlag,
				RestoreCommand: restoreCommand,
				Log:            logger,
				Progress:       reporter,
			})
			if err != nil {
				return err
			}

			if !report.RewindRequired {
				fmt.Fprintln(os.Stderr, "no rewind required")
				return nil
			}
			fmt.Fprintf(os.Stderr, "servers diverged at WAL location %s on timeline %d\n",
				report.DivergenceLsn, report.DivergenceTli)
			fmt.Fprintln(os.Stderr, "Done!")
			return nil
		},
	}

	rootCmd.Flags().BoolVarP(&showVersion, "version", "V", false, "print version and exit")

	rootCmd.Flags().
		StringVarP(&targetDir, "target-pgdata", "D", "", "data directory to modify")
	rootCmd.Flags().
		StringVar(&sourcePgdata, "source-pgdata", "", "data directory to synchronize with")
	rootCmd.Flags().
		StringVar(&sourceServer, "source-server", "", "libpq connection string of the server to synchronize with")
	rootCmd.Flags().
		BoolVarP(&dryRun, "dry-run", "n", false, "analyze and report without touching the target")
	rootCmd.Flags().BoolVarP(&progressFlag, "progress", "P", false, "write progress messages")
	rootCmd.Flags().BoolVarP(&noSync, "no-sync", "N", false, "do not wait for changes to reach disk")
	rootCmd.Flags().
		BoolVar(&restoreTargetWal, "restore-target-wal", false, "use restore_command from the target configuration to retrieve missing WAL")
	rootCmd.Flags().
		StringVarP(&configFile, "config-file", "c", "", "read restore_command from FILE instead of the target configuration")
	rootCmd.Flags().
		BoolVar(&verifyFlag, "verify", false, "verify copied files against the source (BLAKE3, local source only)")
	rootCmd.Flags().BoolVar(&debugFlag, "debug", false, "write a lot of debug output")
	rootCmd.Flags().
		StringVar(&bwLimitStr, "bwlimit", "", "fetch bandwidth limit (e.g. 100M, 1G)")

	rootCmd.AddCommand(docsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pg_rewind: %v\n", err)
		return 1
	}
	return 0
}

// applyConfigDefaults applies config file defaults for flags not explicitly set on the CLI.
func applyConfigDefaults(
	cmd *cobra.Command,
	defaults config.DefaultsConfig,
	progressFlag *bool,
	noSync *bool,
	restoreTargetWal *bool,
	verify *bool,
) {
	if !cmd.Flags().Changed("progress") && defaults.Progress != nil {
		*progressFlag = *defaults.Progress
	}
	if !cmd.Flags().Changed("no-sync") && defaults.NoSync != nil {
		*noSync = *defaults.NoSync
	}
	if !cmd.Flags().Changed("restore-target-wal") && defaults.RestoreTargetWal != nil {
		*restoreTargetWal = *defaults.RestoreTargetWal
	}
	if !cmd.Flags().Changed("verify") && defaults.Verify != nil {
		*verify = *defaults.Verify
	}
}
