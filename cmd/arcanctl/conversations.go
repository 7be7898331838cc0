package main

import (
	"fmt"

	"github.com/broomva/arcan/internal/domain"
	"github.com/spf13/cobra"
)

func newConversationsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Inspect the per-exchange audit log",
	}
	cmd.AddCommand(newConversationsListCmd(opts))
	return cmd
}

func newConversationsListCmd(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list <user-id>",
		Short: "List a user's recorded exchanges, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 0 {
				return fmt.Errorf("--limit must be >= 0")
			}
			userID := args[0]
			reg, err := opts.openRegistry(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer opts.close(cmd.ErrOrStderr())

			records, err := reg.Conversations(cmd.Context(), userID, limit)
			if err != nil {
				return fmt.Errorf("list conversations: %w", err)
			}
			if records == nil {
				records = []*domain.ConversationRecord{}
			}

			out := cmd.OutOrStdout()
			if done, err := encode(out, opts.output, map[string]interface{}{
				"user_id":       userID,
				"conversations": records,
			}); done {
				return err
			}
			renderConversations(out, userID, records)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of records (0 for all)")
	return cmd
}
