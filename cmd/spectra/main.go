// Package main provides the CLI entry point for Spectra, a conversational
// data-analysis assistant.
//
// Spectra answers questions about an uploaded CSV by letting an LLM run
// Python in a Docker sandbox and search the web, then returns the answer
// together with any charts and exported files.
//
// # Basic Usage
//
// Start the HTTP API:
//
//	spectra serve --config spectra.yaml
//
// Ask a one-off question about a local file:
//
//	spectra ask --dataset sales.csv "Which region grew fastest?"
//
// # Environment Variables
//
//   - SPECTRA_CONFIG: Path to configuration file
//   - OPENAI_API_KEY: OpenAI API key
//   - ANTHROPIC_API_KEY: Anthropic API key
//   - TAVILY_API_KEY: Tavily search API key
//   - BRAVE_API_KEY: Brave search API key
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "spectra",
		Short: "Spectra - conversational data analysis",
		Long: `Spectra answers questions about a CSV dataset.

The model writes and runs Python in a Docker sandbox, may search the web,
and replies with a summary, Plotly or PNG charts, and an optional cleaned
export of the data.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildAskCmd(),
		buildProfileCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}

// resolveConfigPath falls back to SPECTRA_CONFIG when no flag is given.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	return strings.TrimSpace(os.Getenv("SPECTRA_CONFIG"))
}
