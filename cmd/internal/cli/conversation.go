package cli

import (
	"context"
	"errors"
	"fmt"

	"murmur/cmd/identity"
	"murmur/cmd/internal/app"

	"github.com/spf13/cobra"
)

var (
	asUser    string
	listLimit int
)

var conversationCmd = &cobra.Command{
	Use:     "conversation",
	Aliases: []string{"conv"},
	Short:   "Start and list conversations",
}

var conversationStartCmd = &cobra.Command{
	Use:   "start <username>",
	Short: "Start (or find) a conversation with another user",
	Long: `Return the two-party conversation between --as and <username>,
creating it when none exists.

Examples:
  murmur conversation start --as alice bob`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		r, me, err := actingUser(ctx)
		if err != nil {
			return err
		}

		conv, created, err := r.Directory().StartConversation(ctx, me, args[0])
		if err != nil {
			return explain(err)
		}
		if created {
			fmt.Fprintf(cmd.OutOrStdout(), "created conversation %s\n", conv.ID)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "existing conversation %s\n", conv.ID)
		}
		return nil
	},
}

var conversationListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recently active first",
	Long: `List the conversations --as takes part in.

Examples:
  murmur conversation list --as alice
  murmur conversation list --as alice --limit 10`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		r, me, err := actingUser(ctx)
		if err != nil {
			return err
		}

		convs, err := r.Directory().ListConversations(ctx, me, listLimit)
		if err != nil {
			return explain(err)
		}
		renderConversations(cmd.OutOrStdout(), me, convs)
		return nil
	},
}

// actingUser resolves --as against the user store.
func actingUser(ctx context.Context) (*app.Runtime, identity.Principal, error) {
	if asUser == "" {
		return nil, identity.Principal{}, errors.New("--as is required")
	}
	r, err := openRuntime(ctx)
	if err != nil {
		return nil, identity.Principal{}, err
	}
	me, err := r.Meta.LookupUser(ctx, asUser)
	if err != nil {
		return nil, identity.Principal{}, explain(err)
	}
	return r, me, nil
}

// explain turns store error kinds into short CLI messages.
func explain(err error) error {
	switch {
	case errors.Is(err, identity.ErrSelfConversation):
		return errors.New("cannot start a conversation with yourself")
	case identity.IsNotFound(err):
		return fmt.Errorf("not found: %w", err)
	case identity.IsInvalidInput(err):
		return fmt.Errorf("invalid input: %w", err)
	default:
		return err
	}
}

func init() {
	for _, c := range []*cobra.Command{conversationStartCmd, conversationListCmd} {
		c.Flags().StringVar(&asUser, "as", "", "act as this username")
	}
	conversationListCmd.Flags().IntVarP(&listLimit, "limit", "n", 50, "max conversations")

	conversationCmd.AddCommand(conversationStartCmd)
	conversationCmd.AddCommand(conversationListCmd)
}
