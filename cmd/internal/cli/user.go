package cli

import (
	"fmt"

	"murmur/cmd/identity"

	"github.com/spf13/cobra"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage chat users",
}

var userEnsureCmd = &cobra.Command{
	Use:   "ensure <username>...",
	Short: "Create users that do not exist yet",
	Long: `Create each named user unless it already exists, then print them.

Examples:
  murmur user ensure alice bob`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		r, err := openRuntime(ctx)
		if err != nil {
			return err
		}

		users := make([]identity.Principal, 0, len(args))
		for _, name := range args {
			p, err := r.Meta.EnsureUser(ctx, name)
			if err != nil {
				return fmt.Errorf("ensure %q: %w", name, err)
			}
			users = append(users, p)
		}
		renderUsers(cmd.OutOrStdout(), users)
		return nil
	},
}

func init() {
	userCmd.AddCommand(userEnsureCmd)
}
