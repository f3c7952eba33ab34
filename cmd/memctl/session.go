package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nidhogg/nuka-memory/internal/app"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/orchestrator"
)

func NewRememberCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remember <session> <user|agent> <content>",
		Short: "Append a turn to a session",
		Long: `Append a turn to a session's working memory. Turns at or above the
promotion priority are also stored as long-term facts.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			role := memory.Role(args[1])
			if !role.Valid() {
				return fmt.Errorf("role must be user or agent, got %q", args[1])
			}
			prio, err := priorityFlag(cmd, "priority")
			if err != nil {
				return err
			}
			return withApp(cmd, true, func(a *app.App) error {
				if !a.Manager.AddInteraction(cmd.Context(), args[0], role, args[2], prio, nil) {
					return fmt.Errorf("interaction not stored")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stored turn in %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringP("priority", "p", "", "LOW, MEDIUM or HIGH (default MEDIUM)")
	return cmd
}

func NewContextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "context <session>",
		Short: "Render the agent context for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query, _ := cmd.Flags().GetString("query")
			maxTokens, _ := cmd.Flags().GetInt("max-tokens")
			noLongTerm, _ := cmd.Flags().GetBool("no-long-term")

			return withApp(cmd, true, func(a *app.App) error {
				c, err := a.Manager.BuildContext(cmd.Context(), orchestrator.ContextRequest{
					SessionID:    args[0],
					Query:        query,
					SkipLongTerm: noLongTerm,
					MaxTokens:    maxTokens,
				})
				if err != nil {
					return fmt.Errorf("build context: %w", err)
				}
				if wantJSON(cmd) {
					return outputJSON(cmd, c)
				}
				fmt.Fprintln(cmd.OutOrStdout(), c.Text)
				return nil
			})
		},
	}
	cmd.Flags().StringP("query", "q", "", "Query used to retrieve relevant facts")
	cmd.Flags().Int("max-tokens", 0, "Context budget in tokens (default context_max_tokens)")
	cmd.Flags().Bool("no-long-term", false, "Leave out long-term knowledge")
	return cmd
}
