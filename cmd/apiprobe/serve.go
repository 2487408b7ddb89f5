package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/apiprobe/apiprobe/pkg/config"
	"github.com/apiprobe/apiprobe/pkg/dashboard"
	"github.com/apiprobe/apiprobe/pkg/database"
	"github.com/apiprobe/apiprobe/pkg/repository"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dashboard server",
	Long:  `Start the read-only dashboard server exposing run history and test analytics.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if len(cfgFiles) == 0 {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if cfg.Dashboard == nil {
		return fmt.Errorf("dashboard section is required in config")
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	client := database.NewClient(log, &cfg.Database)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}

	defer func() {
		if err := client.Close(); err != nil {
			log.WithError(err).Warn("Closing database connection failed")
		}
	}()

	repo := repository.New(log, client, cfg.Database.AutoMigrate)
	if err := repo.Start(ctx); err != nil {
		return fmt.Errorf("starting repository: %w", err)
	}

	srv := dashboard.NewServer(log, cfg.Dashboard, client, repo)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting dashboard server: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down dashboard server")
	cancel()

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping dashboard server: %w", err)
	}

	return nil
}
