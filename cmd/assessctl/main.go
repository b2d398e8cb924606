// Package main provides assessctl, the operator CLI for the assessment
// engine. It works directly against the engine's database and storage using
// the same configuration as assessd.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sbomify/assessments/internal/app"
	"github.com/sbomify/assessments/pkg/config"
)

var version = "dev"

// cliOptions holds the persistent flags.
type cliOptions struct {
	configPath string
	output     outputFormat
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{output: outputTable}

	rootCmd := &cobra.Command{
		Use:   "assessctl",
		Short: "CLI for the SBOM assessment engine",
		Long: `assessctl inspects and drives the SBOM assessment engine.

It lists and synchronizes plugins, edits team plugin settings, uploads documents, runs or enqueues
assessments, shows run history, validates documents offline and manages
database migrations and probes a running assessd.

It reads the same configuration as assessd (--config, .env and ASSESS_*
environment variables).`,
		Version:      version,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("ASSESS_CONFIG"), "Path to the YAML config file")
	rootCmd.PersistentFlags().VarP(&opts.output, "output", "o", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log engine activity to stderr")

	rootCmd.AddCommand(newPluginsCmd(opts))
	rootCmd.AddCommand(newTeamsCmd(opts))
	rootCmd.AddCommand(newUploadCmd(opts))
	rootCmd.AddCommand(newRunCmd(opts))
	rootCmd.AddCommand(newEnqueueCmd(opts))
	rootCmd.AddCommand(newRunsCmd(opts))
	rootCmd.AddCommand(newValidateCmd(opts))
	rootCmd.AddCommand(newMigrateCmd(opts))
	rootCmd.AddCommand(newHealthCmd(opts))

	return rootCmd
}

// loadConfig reads the configuration. Engine logging is limited to errors
// unless --verbose is set.
func (o *cliOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if !o.verbose {
		cfg.Log.Level = "error"
	}
	return cfg, nil
}

// openApp wires the engine for one command. The caller must Close it.
func (o *cliOptions) openApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	logger := app.NewLogger(cmd.ErrOrStderr(), cfg.Log)
	a, err := app.New(commandContext(cmd), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing engine: %w", err)
	}
	return a, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
