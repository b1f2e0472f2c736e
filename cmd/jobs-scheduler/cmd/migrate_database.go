package cmd

import (
	"context"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/open-edge-platform/geti-sub016/internal/jobs"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/configuration"
)

func migrateDbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "migrates the jobs database to the latest version",
		RunE:  migrateDatabase,
	}
	return cmd
}

func migrateDatabase(_ *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	if config.Storage.Type != configuration.StoragePostgres {
		return errors.Errorf("storage type is %s, only %s storage can be migrated", config.Storage.Type, configuration.StoragePostgres)
	}
	return jobs.Migrate(context.Background(), config.Storage.Postgres)
}
