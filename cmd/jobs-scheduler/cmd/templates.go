package cmd

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/open-edge-platform/geti-sub016/internal/jobs/templates"
)

func templatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "prints the steps of every configured job type",
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := loadConfig()
			if err != nil {
				return err
			}
			jobsTemplates, err := templates.New(config.Templates)
			if err != nil {
				return err
			}
			output, err := cmd.Flags().GetString("output")
			if err != nil {
				return errors.WithStack(err)
			}
			switch output {
			case "yaml":
				return printTemplatesYaml(cmd.OutOrStdout(), jobsTemplates)
			case "text":
				return printTemplates(cmd.OutOrStdout(), jobsTemplates)
			}
			return errors.Errorf("unknown output format %q, expected text or yaml", output)
		},
	}
	cmd.Flags().StringP("output", "o", "text", "Output format: text or yaml")
	return cmd
}

func printTemplatesYaml(out io.Writer, jobsTemplates *templates.JobsTemplates) error {
	definitions := map[string][]templates.Step{}
	for _, jobType := range jobsTemplates.JobTypes() {
		steps, err := jobsTemplates.GetJobSteps(jobType)
		if err != nil {
			return err
		}
		definitions[jobType] = steps
	}
	raw, err := yaml.Marshal(map[string]any{"templates": definitions})
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = out.Write(raw)
	return errors.WithStack(err)
}

func printTemplates(out io.Writer, jobsTemplates *templates.JobsTemplates) error {
	for _, jobType := range jobsTemplates.JobTypes() {
		steps, err := jobsTemplates.GetJobSteps(jobType)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\n", jobType)
		for i, step := range steps {
			interruptible := ""
			if !step.IsInterruptible() {
				interruptible = " (not interruptible)"
			}
			fmt.Fprintf(out, "  %d. %s [%s]%s\n", i+1, step.Name, step.TaskID, interruptible)
		}
	}
	return nil
}
