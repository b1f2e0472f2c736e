package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/open-edge-platform/geti-sub016/internal/jobs/model"
)

func keyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "prints the deduplication key of a JSON object read from --json or stdin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			document, err := cmd.Flags().GetString("json")
			if err != nil {
				return errors.WithStack(err)
			}
			var in io.Reader = cmd.InOrStdin()
			if document != "" {
				in = nil
			}
			return printKey(cmd.OutOrStdout(), in, document)
		},
	}
	cmd.Flags().String("json", "", "JSON object to compute the key of")
	return cmd
}

func printKey(out io.Writer, in io.Reader, document string) error {
	raw := []byte(document)
	if in != nil {
		var err error
		if raw, err = io.ReadAll(in); err != nil {
			return errors.WithStack(err)
		}
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return errors.Wrap(err, "input must be a JSON object")
	}
	key, err := model.SerializeJobKey(fields)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, key)
	return nil
}
