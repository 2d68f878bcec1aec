package cli

import (
	"fmt"

	"murmur/cmd/identity/ids"

	"github.com/spf13/cobra"
)

var (
	historyLimit  int
	historyBefore string
)

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print a window of a conversation's messages",
	Long: `Print messages oldest first. --before pages backwards from a message ID
(exclusive).

Examples:
  murmur history 9b2f8d0e-3c41-4d5e-a1f7-6b0c2e9d4a11 --as alice
  murmur history 9b2f8d0e-3c41-4d5e-a1f7-6b0c2e9d4a11 --as alice --before 01J... -n 20`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var before *ids.ID
		if historyBefore != "" {
			id, err := ids.Parse(historyBefore)
			if err != nil {
				return fmt.Errorf("--before: %w", err)
			}
			before = &id
		}

		r, me, err := actingUser(ctx)
		if err != nil {
			return err
		}
		msgs, err := r.Directory().History(ctx, me, args[0], historyLimit, before)
		if err != nil {
			return explain(err)
		}
		renderMessages(cmd.OutOrStdout(), msgs)
		return nil
	},
}

func init() {
	historyCmd.Flags().StringVar(&asUser, "as", "", "act as this username")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "max messages")
	historyCmd.Flags().StringVar(&historyBefore, "before", "", "only messages older than this ID")
}
