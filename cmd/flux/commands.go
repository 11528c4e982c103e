// Package main provides the CLI entry point for the Flux assistant platform.
//
// commands.go contains all cobra command definitions and their flag
// configurations. Each command builder creates a command and wires it to its
// handler in the corresponding handlers_*.go file.
package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that starts the HTTP server.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Flux HTTP server",
		Long: `Start the Flux server with the conversation engine and all stores.

The server will:
1. Load configuration from the specified file (or flux.yaml)
2. Open the SQLite stores (conversations, users, webhooks, audit)
3. Scan and gate the tool directory
4. Initialize the LLM provider (Anthropic or OpenAI)
5. Start the task scheduler and retention sweeps
6. Serve the REST/SSE API plus /metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  flux serve

  # Start with custom config
  flux serve --config /etc/flux/production.yaml

  # Start with debug logging
  flux serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "flux.yaml",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// =============================================================================
// Users Commands
// =============================================================================

// buildUsersCmd creates the "users" command group for API-key management.
func buildUsersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage API users and keys",
	}
	cmd.AddCommand(
		buildUsersCreateCmd(),
		buildUsersListCmd(),
		buildUsersRotateCmd(),
		buildUsersDeactivateCmd(),
	)
	return cmd
}

func buildUsersCreateCmd() *cobra.Command {
	var (
		configPath    string
		role          string
		maxDailyCalls int
	)
	cmd := &cobra.Command{
		Use:   "create <username>",
		Short: "Create a user and print its API key",
		Long: `Create a user and print the raw flux_ API key.

The key is shown exactly once; only its SHA-256 hash is stored.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUsersCreate(cmd.Context(), configPath, args[0], role, maxDailyCalls)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "flux.yaml", "Path to YAML configuration file")
	cmd.Flags().StringVar(&role, "role", "user", "Role: readonly, user, or admin")
	cmd.Flags().IntVar(&maxDailyCalls, "max-daily-calls", 0, "Per-user daily LLM call cap (0 = unlimited)")
	return cmd
}

func buildUsersListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUsersList(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "flux.yaml", "Path to YAML configuration file")
	return cmd
}

func buildUsersRotateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "rotate <username>",
		Short: "Rotate a user's API key and print the new one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUsersRotate(cmd.Context(), configPath, args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "flux.yaml", "Path to YAML configuration file")
	return cmd
}

func buildUsersDeactivateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "deactivate <username>",
		Short: "Deactivate a user, rejecting its key on future requests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUsersDeactivate(cmd.Context(), configPath, args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "flux.yaml", "Path to YAML configuration file")
	return cmd
}

// =============================================================================
// Tools Commands
// =============================================================================

// buildToolsCmd creates the "tools" command group.
func buildToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect and approve tool modules",
	}
	cmd.AddCommand(buildToolsListCmd(), buildToolsApproveCmd())
	return cmd
}

func buildToolsListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List loaded tools and gate rejections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToolsList(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "flux.yaml", "Path to YAML configuration file")
	return cmd
}

func buildToolsApproveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "approve <filename>",
		Short: "Approve a tool file at its current hash",
		Long: `Approve a tool file at the SHA-256 of its current bytes.

Any later change to the file invalidates the approval and the tool is
rejected again until re-approved. Review the source before approving.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToolsApprove(cmd.Context(), configPath, args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "flux.yaml", "Path to YAML configuration file")
	return cmd
}

// =============================================================================
// Backup Commands
// =============================================================================

// buildBackupCmd creates the "backup" command group.
func buildBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create and restore backup archives",
	}
	cmd.AddCommand(buildBackupCreateCmd(), buildBackupRestoreCmd())
	return cmd
}

func buildBackupCreateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Write a tar.gz archive of all Flux state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackupCreate(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "flux.yaml", "Path to YAML configuration file")
	return cmd
}

func buildBackupRestoreCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "restore <archive>",
		Short: "Restore state from a backup archive",
		Long: `Restore Flux state from a tar.gz archive created by "flux backup create".

Existing files are overwritten. Stop the server before restoring.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackupRestore(cmd.Context(), configPath, args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "flux.yaml", "Path to YAML configuration file")
	return cmd
}
