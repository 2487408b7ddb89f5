package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/apiprobe/apiprobe/pkg/config"
	"github.com/apiprobe/apiprobe/pkg/database"
	"github.com/apiprobe/apiprobe/pkg/repository"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database maintenance commands",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, client database.Client) error {
			repo := repository.New(log, client, true)
			if err := repo.Start(ctx); err != nil {
				return fmt.Errorf("migrating schema: %w", err)
			}

			log.Info("Schema is up to date")

			return nil
		})
	},
}

var dbHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check database connectivity",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, client database.Client) error {
			if !client.HealthCheck(ctx) {
				return fmt.Errorf("database is unhealthy")
			}

			log.Info("Database is healthy")

			return nil
		})
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print row counts per table",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, client database.Client) error {
			for _, table := range []string{
				"test_suites", "test_runs", "test_identities",
				"test_histories", "test_results",
			} {
				var count int64
				if err := client.DB().WithContext(ctx).
					Table(table).Count(&count).Error; err != nil {
					return fmt.Errorf("counting %s: %w", table, err)
				}

				fmt.Printf("%-16s %d\n", table, count)
			}

			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbHealthCmd)
	dbCmd.AddCommand(dbStatsCmd)
}

// withClient loads config, connects, runs fn, and closes the connection.
func withClient(fn func(ctx context.Context, client database.Client) error) error {
	if len(cfgFiles) == 0 {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Database.Validate(); err != nil {
		return fmt.Errorf("validating database config: %w", err)
	}

	ctx := context.Background()

	client := database.NewClient(log, &cfg.Database)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}

	defer func() {
		if err := client.Close(); err != nil {
			log.WithError(err).Warn("Closing database connection failed")
		}
	}()

	return fn(ctx, client)
}
