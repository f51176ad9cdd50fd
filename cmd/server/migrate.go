package main

import (
	"persona-chat/backend/internal/repository"
	"persona-chat/backend/pkg/config"
	"persona-chat/backend/pkg/logger"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := config.NewDB(config.Get())
			if err != nil {
				return err
			}
			if err := repository.Migrate(db); err != nil {
				return err
			}
			logger.GetGlobal().Info("Schema migrated")
			return nil
		},
	}

	rootCmd.AddCommand(cmd)
}
