// Package main provides the CLI entry point for the Flux assistant platform.
//
// Flux is a self-extending AI assistant: a tool-use conversation engine over
// Anthropic or OpenAI models, a hot-reloading Python tool registry with a
// security gate pipeline, and a REST/SSE surface with API-key and JWT auth.
//
// # Basic Usage
//
// Start the server:
//
//	flux serve --config flux.yaml
//
// Manage API users:
//
//	flux users create alice --role user
//	flux users list
//
// Approve a tool after reviewing its source:
//
//	flux tools approve weather.py
//
// # Environment Variables
//
// Configuration values can be overridden via FLUX_* environment variables
// (for example FLUX_SERVER_PORT, FLUX_JWT_SECRET). Provider credentials are
// read from ANTHROPIC_API_KEY and OPENAI_API_KEY when the config file leaves
// them unset. A .env file in the working directory is loaded on startup.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Build metadata injected via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Structured JSON logging for anything emitted before the config-driven
	// logger takes over.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// .env is optional; missing files are not an error.
	_ = godotenv.Load()

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "flux",
		Short: "Flux - self-extending AI assistant platform",
		Long: `Flux runs a tool-use conversation engine over Anthropic or OpenAI models.

The assistant extends itself: tools are single-file Python modules that pass a
security gate pipeline before the engine may call them. The HTTP surface
exposes chat (sync and SSE streaming), conversation search and tagging,
webhooks, usage accounting, a tool marketplace, and scheduled tasks.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildUsersCmd(),
		buildToolsCmd(),
		buildBackupCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("flux %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
