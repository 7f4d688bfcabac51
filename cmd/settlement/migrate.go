package main

import (
	"github.com/spf13/cobra"

	"settlement/internal/infrastructure/database"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer logger.Sync()

			return database.Migrate(cfg.MigrationsPath, database.DBConfig{
				Host:     cfg.DB.Host,
				Port:     cfg.DB.Port,
				User:     cfg.DB.User,
				Password: cfg.DB.Password,
				DBName:   cfg.DB.Name,
				SSLMode:  cfg.DB.SSLMode,
			}, logger)
		},
	}
}
