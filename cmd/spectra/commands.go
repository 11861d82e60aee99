package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that starts the HTTP API.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Spectra HTTP API",
		Long: `Start the Spectra HTTP API.

Endpoints: POST /upload, POST /analyze, GET /profile, GET /download,
GET /healthz and GET /metrics.

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with defaults and API keys from the environment
  spectra serve

  # Start with a config file and debug logging
  spectra serve --config /etc/spectra/spectra.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// =============================================================================
// Ask / Profile Commands
// =============================================================================

func buildAskCmd() *cobra.Command {
	var (
		configPath  string
		datasetPath string
		sessionID   string
		debug       bool
	)

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Run one analysis turn and print the result as JSON",
		Args:  cobra.ExactArgs(1),
		Example: `  spectra ask --dataset sales.csv "Plot monthly sales by region"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd.Context(), cmd.OutOrStdout(), askOptions{
				configPath:  resolveConfigPath(configPath),
				datasetPath: datasetPath,
				sessionID:   sessionID,
				query:       args[0],
				debug:       debug,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&datasetPath, "dataset", "", "CSV file to upload before asking")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id (default \"default\")")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildProfileCmd() *cobra.Command {
	var (
		configPath  string
		datasetPath string
	)

	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Summarize a dataset and suggest questions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProfile(cmd.Context(), cmd.OutOrStdout(), resolveConfigPath(configPath), datasetPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&datasetPath, "dataset", "", "CSV file to profile (default: the stored upload)")
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(buildConfigSchemaCmd(), buildConfigValidateCmd())
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON Schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd.OutOrStdout())
		},
	}
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd.OutOrStdout(), resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}
