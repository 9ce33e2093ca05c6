package cmd

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/upb/authz-core/models"
)

var (
	revokeUserID string
	revokeEmail  string
)

var revokeSessionsCmd = &cobra.Command{
	Use:   "revoke-sessions",
	Short: "Invalidate every session credential of a user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var id uuid.UUID
		switch {
		case revokeUserID != "":
			parsed, err := uuid.Parse(revokeUserID)
			if err != nil {
				return fmt.Errorf("invalid --user: %w", err)
			}
			id = parsed
		case revokeEmail != "":
			user, err := deps.Repos.Users.GetByEmail(ctx, models.NormalizeEmail(revokeEmail))
			if err != nil {
				return fmt.Errorf("failed to find user %s: %w", revokeEmail, err)
			}
			id = user.ID
		default:
			return errors.New("one of --user or --email is required")
		}

		epoch, err := deps.Tokens.RevokeAll(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to revoke sessions: %w", err)
		}
		fmt.Printf("Revoked all sessions of %s (token epoch now %d)\n", id, epoch)
		return nil
	},
}

func init() {
	revokeSessionsCmd.Flags().StringVar(&revokeUserID, "user", "", "user id")
	revokeSessionsCmd.Flags().StringVar(&revokeEmail, "email", "", "user email")
	revokeSessionsCmd.MarkFlagsMutuallyExclusive("user", "email")
}
