package cmd

import (
	"github.com/spf13/cobra"

	"github.com/open-edge-platform/geti-sub016/internal/common/app"
	"github.com/open-edge-platform/geti-sub016/internal/jobs"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the jobs scheduler",
		RunE:  runScheduler,
	}
	return cmd
}

func runScheduler(_ *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	return jobs.Run(app.ShutdownContext(), config)
}
