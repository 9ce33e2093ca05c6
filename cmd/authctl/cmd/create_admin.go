package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/upb/authz-core/internal/bootstrap"
)

var adminInput bootstrap.AdminInput

var createAdminCmd = &cobra.Command{
	Use:   "create-admin",
	Short: "Create or promote the superadmin account",
	Long: `Creates a superadmin user with the given email, or promotes an existing
user with that email. An existing user's password is left unchanged.

The password may also be passed through AUTHCTL_ADMIN_PASSWORD to keep it out
of shell history.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if adminInput.Password == "" {
			adminInput.Password = os.Getenv("AUTHCTL_ADMIN_PASSWORD")
		}
		if adminInput.Email == "" {
			return errors.New("--email is required")
		}

		if _, err := deps.Seeder.SeedRBAC(cmd.Context()); err != nil {
			return fmt.Errorf("failed to seed roles: %w", err)
		}
		user, created, err := deps.Seeder.EnsureSuperadmin(cmd.Context(), adminInput)
		if err != nil {
			return fmt.Errorf("failed to create admin: %w", err)
		}

		if created {
			fmt.Printf("Created superadmin %s (%s)\n", user.Email, user.ID)
		} else {
			fmt.Printf("Promoted existing user %s (%s) to superadmin\n", user.Email, user.ID)
		}
		return nil
	},
}

func init() {
	createAdminCmd.Flags().StringVar(&adminInput.Email, "email", "", "admin email address")
	createAdminCmd.Flags().StringVar(&adminInput.Password, "password", "", "admin password, required when the user does not exist")
	createAdminCmd.Flags().StringVar(&adminInput.FirstName, "first-name", "Super", "admin first name")
	createAdminCmd.Flags().StringVar(&adminInput.LastName, "last-name", "Admin", "admin last name")
}
