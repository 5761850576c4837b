package migrate

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/chirino/dbhealth-service/internal/config"
	registrymigrate "github.com/chirino/dbhealth-service/internal/registry/migrate"
	"github.com/urfave/cli/v3"

	// Import plugins to trigger init() registration of their migrators.
	// Store plugins register their own migrators alongside their primary interface.
	_ "github.com/chirino/dbhealth-service/internal/plugin/store/postgres"
	_ "github.com/chirino/dbhealth-service/internal/plugin/store/sqlite"
)

// Command returns the migrate sub-command.
func Command() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Run alert-store database migrations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "db-url",
				Sources: cli.EnvVars("DBHEALTH_SERVICE_DB_URL"),
				Usage:   "Monitored database connection URL",
			},
			&cli.StringFlag{
				Name:    "store-kind",
				Sources: cli.EnvVars("DBHEALTH_SERVICE_STORE_KIND"),
				Usage:   "Alert event store backend (postgres|sqlite)",
				Value:   "postgres",
			},
			&cli.StringFlag{
				Name:    "store-url",
				Sources: cli.EnvVars("DBHEALTH_SERVICE_STORE_URL"),
				Usage:   "Alert event store URL, defaults to --db-url for postgres",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := config.DefaultConfig()
			cfg.DBURL = cmd.String("db-url")
			cfg.StoreType = cmd.String("store-kind")
			cfg.StoreURL = cmd.String("store-url")
			cfg.StoreMigrateAtStart = true
			ctx = config.WithContext(ctx, &cfg)

			log.Info("Running migrations...")
			if err := registrymigrate.RunAll(ctx); err != nil {
				return err
			}
			log.Info("All migrations completed successfully")
			return nil
		},
	}
}
