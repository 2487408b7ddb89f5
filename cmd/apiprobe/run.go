package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/apiprobe/apiprobe/pkg/config"
	"github.com/apiprobe/apiprobe/pkg/database"
	"github.com/apiprobe/apiprobe/pkg/reporter"
	"github.com/apiprobe/apiprobe/pkg/repository"
	"github.com/apiprobe/apiprobe/pkg/runner"
	"github.com/apiprobe/apiprobe/pkg/upload"
)

var (
	suitesDir   string
	environment string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the configured test suites",
	Long:  `Load suite definitions, execute them, and dispatch the results to every enabled reporter.`,
	RunE:  runSuites,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&suitesDir, "suites", "",
		"suite definitions directory (overrides runner.suites_dir)")
	runCmd.Flags().StringVar(&environment, "environment", "",
		"environment recorded on the run (overrides runner.environment)")
}

func runSuites(cmd *cobra.Command, args []string) error {
	if len(cfgFiles) == 0 {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// CLI overrides win on conflict.
	if suitesDir != "" {
		cfg.Runner.SuitesDir = suitesDir
	}

	if environment != "" {
		cfg.Runner.Environment = environment
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	if cfg.Runner.SuitesDir == "" {
		return fmt.Errorf("suites directory is required (use --suites or runner.suites_dir)")
	}

	// Setup context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	}()

	suites, err := runner.LoadSuites(log, cfg.Runner.SuitesDir)
	if err != nil {
		return fmt.Errorf("loading suites: %w", err)
	}

	r := runner.NewRunner(log, &runner.Config{
		Concurrency:    cfg.Runner.Concurrency,
		DefaultTimeout: cfg.Runner.TestTimeout(),
		DefaultRetries: cfg.Runner.DefaultRetries,
		Environment:    cfg.Runner.Environment,
		Branch:         cfg.Runner.Branch,
		Commit:         cfg.Runner.Commit,
		TriggeredBy:    cfg.Runner.TriggeredBy,
		RunURL:         cfg.Runner.RunURL,
	})

	report, err := r.Run(ctx, suites)
	if err != nil {
		return fmt.Errorf("running suites: %w", err)
	}

	reporters, cleanup, err := buildReporters(ctx, cfg)
	if err != nil {
		return fmt.Errorf("building reporters: %w", err)
	}
	defer cleanup()

	if err := reporter.Dispatch(ctx, log, reporters, report); err != nil {
		return err
	}

	_, _, failed, _ := report.TotalCounts()
	if failed > 0 {
		return fmt.Errorf("%d test(s) failed", failed)
	}

	return nil
}

// buildReporters assembles the enabled reporters. The returned cleanup closes
// the database connection when the postgres reporter was built.
func buildReporters(
	ctx context.Context, cfg *config.Config,
) ([]reporter.Reporter, func(), error) {
	reporters := make([]reporter.Reporter, 0, 3)
	cleanup := func() {}

	if cfg.Reporters.Console.Enabled {
		reporters = append(reporters,
			reporter.NewConsole(log, &cfg.Reporters.Console))
	}

	if cfg.Reporters.JSON.Enabled {
		var uploader upload.Uploader

		if u := cfg.Reporters.JSON.Upload; u != nil && u.Enabled {
			up, err := upload.NewS3Uploader(log, u)
			if err != nil {
				return nil, cleanup, fmt.Errorf("creating s3 uploader: %w", err)
			}

			// Fail before the run starts when the bucket is not writable.
			if err := up.Preflight(ctx); err != nil {
				return nil, cleanup, fmt.Errorf("s3 upload preflight: %w", err)
			}

			uploader = up
		}

		reporters = append(reporters,
			reporter.NewJSON(log, &cfg.Reporters.JSON, uploader))
	}

	if cfg.Reporters.Postgres.Enabled {
		client := database.NewClient(log, &cfg.Database)

		if err := client.Connect(ctx); err != nil {
			return nil, cleanup, fmt.Errorf("connecting to database: %w", err)
		}

		cleanup = func() {
			if err := client.Close(); err != nil {
				log.WithError(err).Warn("Closing database connection failed")
			}
		}

		repo := repository.New(log, client, cfg.Database.AutoMigrate)

		if err := repo.Start(ctx); err != nil {
			return nil, cleanup, fmt.Errorf("starting repository: %w", err)
		}

		pg, err := reporter.NewPostgres(log, &cfg.Reporters.Postgres, client, repo)
		if err != nil {
			return nil, cleanup, fmt.Errorf("creating postgres reporter: %w", err)
		}

		reporters = append(reporters, pg)
	}

	if len(reporters) == 0 {
		return nil, cleanup, fmt.Errorf("no reporters enabled")
	}

	return reporters, cleanup, nil
}
