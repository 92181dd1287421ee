package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMigrateCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv(cmd, *cfgFile)
			if err != nil {
				return err
			}
			defer func() { _ = e.logger.Sync() }()

			store, err := e.openStore()
			if err != nil {
				return err
			}
			e.logger.Info("schema ready", zap.String("driver", e.cfg.Database.Driver))
			return store.Close()
		},
	}
}
