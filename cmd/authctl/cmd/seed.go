package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create default permissions, system roles and settings",
	Long: `Creates missing permissions and system roles, resets system role
permissions to their defaults and inserts missing runtime settings. Existing
settings keep their values. Safe to run repeatedly.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := deps.Seeder.SeedAll(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to seed defaults: %w", err)
		}

		fmt.Printf("Permissions created: %d\n", result.PermissionsCreated)
		fmt.Printf("Roles created:       %d\n", result.RolesCreated)
		fmt.Printf("Settings added:      %d (kept %d)\n", result.ConfigAdded, result.ConfigSkipped)
		return nil
	},
}
