package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sbomify/assessments/pkg/registry"
)

func newPluginsCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Manage assessment plugins",
		Long:  "List, synchronize, enable and disable the plugins in the registry.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPluginsList(cmd, opts)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Register builtin plugins and apply the plugin catalog",
		Long: `Register every builtin plugin and apply the configured plugin catalog
file. Registration is idempotent, so running sync repeatedly is safe.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPluginsSync(cmd, opts)
		},
	})
	cmd.AddCommand(newPluginsToggleCmd(opts, "enable", true))
	cmd.AddCommand(newPluginsToggleCmd(opts, "disable", false))

	return cmd
}

func newPluginsToggleCmd(opts *cliOptions, verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <name>",
		Short: fmt.Sprintf("Globally %s a plugin", verb),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Registry.SetEnabled(commandContext(cmd), args[0], enabled); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Plugin %s %sd\n", args[0], verb)
			return nil
		},
	}
}

func runPluginsList(cmd *cobra.Command, opts *cliOptions) error {
	a, err := opts.openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := a.Registry.List(commandContext(cmd))
	if err != nil {
		return err
	}
	return printPlugins(cmd, opts, list)
}

func runPluginsSync(cmd *cobra.Command, opts *cliOptions) error {
	// Opening the engine registers the builtins and applies the catalog.
	a, err := opts.openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := a.Registry.List(commandContext(cmd))
	if err != nil {
		return err
	}
	if opts.output == outputTable {
		fmt.Fprintf(cmd.OutOrStdout(), "Synchronized %d plugins\n", len(list))
	}
	return printPlugins(cmd, opts, list)
}

func printPlugins(cmd *cobra.Command, opts *cliOptions, list []registry.RegisteredPlugin) error {
	headers := []string{"name", "version", "category", "enabled", "beta", "description"}
	rows := make([][]string, 0, len(list))
	for _, p := range list {
		rows = append(rows, []string{
			p.Name,
			p.Version,
			string(p.Category),
			yesNo(p.IsEnabled),
			yesNo(p.IsBeta),
			truncate(p.Description, 60),
		})
	}
	return printOutput(cmd.OutOrStdout(), opts.output, map[string]any{"plugins": list, "count": len(list)}, headers, rows)
}
