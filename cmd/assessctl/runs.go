package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sbomify/assessments/pkg/assessment"
	"github.com/sbomify/assessments/pkg/sbom"
)

// runFlags are shared by run and enqueue.
type runFlags struct {
	set    map[string]string
	reason string
	user   string
}

func (f *runFlags) bind(cmd *cobra.Command, defaultReason assessment.RunReason) {
	cmd.Flags().StringToStringVar(&f.set, "set", nil, "Plugin config override as key=value (repeatable); values are parsed as YAML scalars")
	cmd.Flags().StringVar(&f.reason, "reason", string(defaultReason), "Run reason recorded on the run")
	cmd.Flags().StringVar(&f.user, "user", "", "User id recorded as the trigger")
}

func (f *runFlags) request(artifactID, pluginName string) (assessment.RunRequest, error) {
	override, err := parseOverrides(f.set)
	if err != nil {
		return assessment.RunRequest{}, err
	}
	req := assessment.RunRequest{
		ArtifactID:     artifactID,
		PluginName:     pluginName,
		Reason:         assessment.RunReason(f.reason),
		ConfigOverride: override,
	}
	if f.user != "" {
		req.TriggeredBy = &assessment.TriggeredBy{UserID: f.user}
	}
	return req, req.Validate()
}

// parseOverrides turns key=value pairs into a config override, decoding
// each value as a YAML scalar so numbers and booleans keep their type.
func parseOverrides(set map[string]string) (map[string]any, error) {
	if len(set) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(set))
	for k, raw := range set {
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("invalid value for %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func newRunCmd(opts *cliOptions) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run <artifact-id> <plugin>",
		Short: "Run an assessment synchronously",
		Long: `Run one plugin against one artifact in this process and print the run.

Deduplication applies: if an identical run already completed, it is
returned instead of running the plugin again.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request(args[0], args[1])
			if err != nil {
				return err
			}
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			run, err := a.Orchestrator.RunAssessmentByName(commandContext(cmd), req)
			if err != nil {
				return err
			}
			return printRuns(cmd, opts, []assessment.AssessmentRun{*run})
		},
	}
	flags.bind(cmd, assessment.ReasonManual)
	return cmd
}

func newEnqueueCmd(opts *cliOptions) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "enqueue <artifact-id> <plugin>",
		Short: "Queue an assessment for the workers",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request(args[0], args[1])
			if err != nil {
				return err
			}
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := commandContext(cmd)
			if _, err := a.Store.Catalog().Get(ctx, req.ArtifactID); err != nil {
				return err
			}
			if _, _, err := a.Registry.Resolve(ctx, req.PluginName); err != nil {
				return err
			}
			row, err := a.Dispatcher.EnqueueAssessment(ctx, nil, req)
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), opts.output, row,
				[]string{"request", "artifact", "plugin", "reason"},
				[][]string{{row.ID, req.ArtifactID, req.PluginName, string(req.Reason)}})
		},
	}
	flags.bind(cmd, assessment.ReasonManual)
	return cmd
}

func newRunsCmd(opts *cliOptions) *cobra.Command {
	var latest bool
	cmd := &cobra.Command{
		Use:   "runs <artifact-id>",
		Short: "Show the assessment runs of an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := commandContext(cmd)
			if latest {
				byPlugin, err := a.Runs.LatestByArtifact(ctx, args[0])
				if err != nil {
					return err
				}
				runs := make([]assessment.AssessmentRun, 0, len(byPlugin))
				for _, r := range byPlugin {
					runs = append(runs, r)
				}
				sortRuns(runs)
				return printRuns(cmd, opts, runs)
			}
			runs, err := a.Runs.ListByArtifact(ctx, args[0])
			if err != nil {
				return err
			}
			return printRuns(cmd, opts, runs)
		},
	}
	cmd.Flags().BoolVar(&latest, "latest", false, "Only show the latest run of each plugin")
	return cmd
}

func newUploadCmd(opts *cliOptions) *cobra.Command {
	var teamID, name, format string
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Store an SBOM document and queue its assessments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if name == "" {
				name = filepath.Base(args[0])
			}
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			up, err := a.Ingest.Upload(commandContext(cmd), teamID, name, sbom.ParseFormat(format), data)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(up.Plugins))
			for _, p := range up.Plugins {
				rows = append(rows, []string{up.Artifact.ID, string(up.Artifact.Format), p})
			}
			return printOutput(cmd.OutOrStdout(), opts.output, up, []string{"artifact", "format", "plugin"}, rows)
		},
	}
	cmd.Flags().StringVar(&teamID, "team", "", "Owning team id")
	cmd.Flags().StringVar(&name, "name", "", "Artifact name (defaults to the file name)")
	cmd.Flags().StringVar(&format, "format", "", "Declared format: cyclonedx, spdx or spdx3 (sniffed when empty)")
	_ = cmd.MarkFlagRequired("team")
	return cmd
}

func printRuns(cmd *cobra.Command, opts *cliOptions, runs []assessment.AssessmentRun) error {
	headers := []string{"id", "plugin", "reason", "status", "state", "findings", "created", "error"}
	rows := make([][]string, 0, len(runs))
	for i := range runs {
		r := &runs[i]
		findings := "-"
		if res, err := r.DecodeResult(); err == nil && res != nil {
			findings = strconv.Itoa(res.Summary.TotalFindings)
		}
		rows = append(rows, []string{
			r.ID,
			r.PluginName,
			string(r.RunReason),
			string(r.Status),
			string(assessment.StateOf(r)),
			findings,
			r.CreatedAt.UTC().Format(time.RFC3339),
			truncate(r.ErrorMessage, 40),
		})
	}
	return printOutput(cmd.OutOrStdout(), opts.output, runs, headers, rows)
}

func sortRuns(runs []assessment.AssessmentRun) {
	sort.Slice(runs, func(i, j int) bool { return runs[i].PluginName < runs[j].PluginName })
}
