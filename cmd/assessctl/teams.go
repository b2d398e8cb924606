package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func newTeamsCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "teams",
		Short: "Manage team plugin settings",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <team-id>",
		Short: "Show a team's enabled plugins and config overrides",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := commandContext(cmd)
			settings, err := a.Teams.Get(ctx, args[0])
			if err != nil {
				return err
			}
			effective, err := a.Teams.EffectivePlugins(ctx, args[0])
			if err != nil {
				return err
			}
			data := map[string]any{"teamId": args[0], "settings": settings, "effectivePlugins": effective}
			var rows [][]string
			if settings != nil {
				active := map[string]bool{}
				for _, p := range effective {
					active[p] = true
				}
				for _, p := range settings.EnabledPlugins {
					rows = append(rows, []string{p, yesNo(active[p])})
				}
			}
			return printOutput(cmd.OutOrStdout(), opts.output, data, []string{"plugin", "effective"}, rows)
		},
	})

	var (
		enable    []string
		overrides map[string]string
	)
	set := &cobra.Command{
		Use:   "set <team-id>",
		Short: "Replace a team's enabled plugins and config overrides",
		Long: `Replace a team's plugin settings. Newly enabled plugins are backfilled:
every artifact of the team without a run of that plugin is enqueued.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pluginConfig, err := parsePluginConfig(overrides)
			if err != nil {
				return err
			}
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Teams.UpdateSettings(commandContext(cmd), args[0], enable, pluginConfig)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(res.NewlyEnabled))
			for _, p := range res.NewlyEnabled {
				rows = append(rows, []string{p, strconv.Itoa(len(res.Backfilled[p]))})
			}
			data := map[string]any{
				"settings":      res.Settings,
				"newlyEnabled":  res.NewlyEnabled,
				"backfillCount": res.BackfillCount(),
			}
			return printOutput(cmd.OutOrStdout(), opts.output, data, []string{"newly enabled", "backfilled"}, rows)
		},
	}
	set.Flags().StringSliceVar(&enable, "enable", nil, "Plugins to enable for the team (comma separated or repeated)")
	set.Flags().StringToStringVar(&overrides, "plugin-config", nil, "Plugin config override as plugin.key=value; values are parsed as YAML scalars")
	cmd.AddCommand(set)

	return cmd
}

// parsePluginConfig groups plugin.key=value pairs by plugin.
func parsePluginConfig(pairs map[string]string) (map[string]map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := map[string]map[string]any{}
	for _, k := range keys {
		pluginName, key, ok := strings.Cut(k, ".")
		if !ok || pluginName == "" || key == "" {
			return nil, fmt.Errorf("config override %q must be plugin.key=value", k)
		}
		v, err := parseOverrides(map[string]string{key: pairs[k]})
		if err != nil {
			return nil, err
		}
		if out[pluginName] == nil {
			out[pluginName] = map[string]any{}
		}
		out[pluginName][key] = v[key]
	}
	return out, nil
}
