package main

import (
	"fmt"

	"github.com/broomva/arcan/internal/domain"
	"github.com/spf13/cobra"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show or delete a user's persisted transcript",
	}
	cmd.AddCommand(newHistoryShowCmd(opts), newHistoryDeleteCmd(opts))
	return cmd
}

func newHistoryShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <user-id>",
		Short: "Print the transcript stored for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := args[0]
			reg, err := opts.openRegistry(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer opts.close(cmd.ErrOrStderr())

			history, err := reg.GetChatHistory(cmd.Context(), userID)
			if err != nil {
				return fmt.Errorf("read history: %w", err)
			}
			if history == nil {
				history = domain.Transcript{}
			}

			out := cmd.OutOrStdout()
			if done, err := encode(out, opts.output, map[string]interface{}{
				"user_id":  userID,
				"messages": history,
			}); done {
				return err
			}
			renderTranscript(out, userID, history)
			return nil
		},
	}
}

func newHistoryDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <user-id>",
		Short: "Delete the transcript stored for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := args[0]
			reg, err := opts.openRegistry(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer opts.close(cmd.ErrOrStderr())

			deleted, err := reg.DeleteHistory(cmd.Context(), userID)
			if err != nil {
				return fmt.Errorf("delete history: %w", err)
			}

			out := cmd.OutOrStdout()
			if done, err := encode(out, opts.output, map[string]interface{}{
				"user_id": userID,
				"deleted": deleted,
			}); done {
				return err
			}
			if !deleted {
				fmt.Fprintln(out, headerStyle.Render("No history for "+userID))
				return nil
			}
			fmt.Fprintln(out, headerStyle.Render("Deleted history for "+userID))
			return nil
		},
	}
}
