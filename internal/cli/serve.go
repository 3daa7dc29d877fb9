package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pratik-mahalle/fleetpulse/internal/app"
	"github.com/pratik-mahalle/fleetpulse/internal/config"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/logger"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and its ops API",
		Long: `Run the engine. Configuration comes from the environment (and an
optional .env file), tuning from TUNING_FILE and rules from RULES_FILE.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			log := logger.New(logger.Config{
				Level:      cfg.Logging.Level,
				Format:     cfg.Logging.Format,
				OutputPath: cfg.Logging.OutputPath,
			})
			log.WithFields(map[string]interface{}{
				"environment": cfg.Server.Environment,
				"database":    cfg.Database.Driver,
			}).Info("Starting fleetpulse")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, log)
			if err != nil {
				log.ErrorWithErr(err, "Failed to initialize engine")
				return err
			}
			return a.Run(ctx)
		},
	}
}
