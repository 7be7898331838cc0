package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newChatCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chat <user-id> <query...>",
		Short: "Run one turn for a user with the configured provider",
		Long: `Run one turn for a user. The user's stored transcript is loaded, the query is
sent to the provider selected by AGENT_PROVIDER, and the exchange is persisted
exactly as the server would.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := args[0]
			query := strings.Join(args[1:], " ")

			reg, err := opts.openRegistry(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer opts.close(cmd.ErrOrStderr())

			res, err := reg.RunTurn(cmd.Context(), userID, query)
			if err != nil {
				return fmt.Errorf("run turn: %w", err)
			}

			out := cmd.OutOrStdout()
			if done, err := encode(out, opts.output, res); done {
				return err
			}
			label := "ai"
			if res.Model != "" {
				label += " (" + res.Model + ")"
			}
			fmt.Fprintln(out, aiStyle.Render(label))
			fmt.Fprintln(out, res.Response)
			return nil
		},
	}
}
