package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/open-edge-platform/geti-sub016/internal/common"
	commonconfig "github.com/open-edge-platform/geti-sub016/internal/common/config"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/configuration"
)

const (
	CustomConfigLocation string = "config"
	defaultConfigPath    string = "./config/jobs-scheduler"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "jobs-scheduler",
		SilenceUsage: true,
		Short:        "Schedules and supervises the machine learning jobs of every tenant",
		RunE:         runScheduler,
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")

	cmd.AddCommand(
		runCmd(),
		migrateDbCmd(),
		templatesCmd(),
		keyCmd(),
	)

	return cmd
}

func loadConfig() (configuration.Configuration, error) {
	var config configuration.Configuration
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)

	common.LoadConfig(&config, defaultConfigPath, userSpecifiedConfigs)
	common.ConfigureLogging(config.Logging.Level)

	err := config.Validate()
	if err != nil {
		commonconfig.LogValidationErrors(err)
	}
	return config, err
}
