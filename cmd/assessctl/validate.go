package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sbomify/assessments/pkg/plugins/ntia"
	"github.com/sbomify/assessments/pkg/sbom"
)

// errNonCompliant makes the command exit non-zero after printing the report.
var errNonCompliant = errors.New("document is not NTIA compliant")

func newValidateCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate SBOM documents offline",
		Long:  "Check documents locally without touching the database or storage.",
	}

	var format string
	ntiaCmd := &cobra.Command{
		Use:   "ntia <file>",
		Short: "Check a document against the NTIA minimum elements",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			doc, detected, err := sbom.Load(data, sbom.ParseFormat(format))
			if err != nil {
				return err
			}
			report, err := ntia.Validate(doc, detected)
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(report.Errors))
			for _, e := range report.Errors {
				rows = append(rows, []string{string(e.Field), e.Message, e.Suggestion})
			}
			if opts.output == outputTable {
				fmt.Fprintf(cmd.OutOrStdout(), "Format: %s  Components: %d  Status: %s\n",
					report.Format, report.ComponentCount, report.Status)
			}
			if err := printOutput(cmd.OutOrStdout(), opts.output, report,
				[]string{"field", "message", "suggestion"}, rows); err != nil {
				return err
			}
			if !report.IsCompliant {
				return errNonCompliant
			}
			return nil
		},
	}
	ntiaCmd.Flags().StringVar(&format, "format", "", "Declared format: cyclonedx, spdx or spdx3 (sniffed when empty)")

	cmd.AddCommand(ntiaCmd)
	return cmd
}
