// Package cmd implements the authctl commands. Each command talks to the
// configured store directly, so it runs with the same environment as the
// API server.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/upb/authz-core/app"
	"github.com/upb/authz-core/config"
	"github.com/upb/authz-core/internal/observability"
)

var deps *app.Dependencies

var rootCmd = &cobra.Command{
	Use:   "authctl",
	Short: "Administer users, roles and runtime settings",
	Long: `authctl seeds default permissions, roles and settings, creates the
superadmin account and revokes sessions against the configured database.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New(cmd.Context())
		if err != nil {
			return err
		}
		logger, err := observability.NewLogger(cfg.Observability)
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		if !cfg.Database.Enabled() {
			logger.Warn("no database configured, changes will be lost when authctl exits")
		}
		deps, err = app.NewDependencies(cmd.Context(), cfg, logger)
		return err
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if deps == nil {
			return nil
		}
		return deps.Close(cmd.Context())
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(createAdminCmd)
	rootCmd.AddCommand(revokeSessionsCmd)
}
