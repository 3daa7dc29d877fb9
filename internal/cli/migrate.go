package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pratik-mahalle/fleetpulse/internal/config"
	"github.com/pratik-mahalle/fleetpulse/internal/repository/postgres"
	"github.com/pratik-mahalle/fleetpulse/migrations"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			db, err := postgres.New(cfg.Database)
			if err != nil {
				return fmt.Errorf("failed to connect database: %w", err)
			}
			defer db.Close()

			applied, err := postgres.RunMigrations(context.Background(), db, migrations.GetFS())
			if err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) to %s database\n", applied, cfg.Database.Driver)
			return nil
		},
	}
}
