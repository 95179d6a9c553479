package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"meetnotes/config"
	"meetnotes/config/database"
	"meetnotes/internal/notes/repository"
	"meetnotes/pkg/logger"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "db commands",
}

func init() {
	dbCmd.AddCommand(migrateCmd())
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the notes tables if they do not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			logger.Init(cfg.LogLevel)
			defer logger.Sync()

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			db, err := database.Connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := repository.Migrate(ctx, db, cfg.DBDriver); err != nil {
				return err
			}
			logger.Sugar.Infof("Migrated %s schema", cfg.DBDriver)
			return nil
		},
	}
}
