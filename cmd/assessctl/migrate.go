package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/sbomify/assessments/internal/app"
	"github.com/sbomify/assessments/pkg/database"
	"github.com/sbomify/assessments/pkg/ha"
)

func newMigrateCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database schema migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, opts, func(m *database.Migrator) error {
				applied, err := m.Up(commandContext(cmd))
				if err != nil {
					return err
				}
				return printVersions(cmd, opts, "applied", applied)
			})
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Revert the most recent migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, opts, func(m *database.Migrator) error {
				reverted, err := m.Down(commandContext(cmd), steps)
				if err != nil {
					return err
				}
				return printVersions(cmd, opts, "reverted", reverted)
			})
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "Number of migrations to revert")
	cmd.AddCommand(down)

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show which migrations are applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, opts, func(m *database.Migrator) error {
				status, err := m.Status(commandContext(cmd))
				if err != nil {
					return err
				}
				return printStatus(cmd, opts, status)
			})
		},
	})

	return cmd
}

// withMigrator opens only the database, so migrations can be managed
// without the rest of the engine.
func withMigrator(cmd *cobra.Command, opts *cliOptions, fn func(*database.Migrator) error) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	db, err := database.Open(cfg.Database)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	var locker ha.MigrationLocker
	if cfg.HA.MigrationLockEnabled {
		locker = ha.NewMigrationLocker(db, cfg.HA.Identity)
	}
	return fn(database.NewMigrator(db, locker, app.NewLogger(cmd.ErrOrStderr(), cfg.Log)))
}

func printVersions(cmd *cobra.Command, opts *cliOptions, verb string, versions []string) error {
	if opts.output == outputTable && len(versions) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No migrations %s\n", verb)
		return nil
	}
	rows := make([][]string, 0, len(versions))
	for _, v := range versions {
		rows = append(rows, []string{v, verb})
	}
	return printOutput(cmd.OutOrStdout(), opts.output, map[string]any{verb: versions}, []string{"version", "result"}, rows)
}

func printStatus(cmd *cobra.Command, opts *cliOptions, status map[string]bool) error {
	descriptions := map[string]string{}
	for _, m := range database.Migrations() {
		descriptions[m.Version] = m.Description
	}
	versions := make([]string, 0, len(status))
	for v := range status {
		versions = append(versions, v)
	}
	sort.Strings(versions)

	rows := make([][]string, 0, len(versions))
	for _, v := range versions {
		rows = append(rows, []string{v, descriptions[v], yesNo(status[v])})
	}
	return printOutput(cmd.OutOrStdout(), opts.output, status, []string{"version", "description", "applied"}, rows)
}
