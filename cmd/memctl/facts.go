package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nidhogg/nuka-memory/internal/app"
	"github.com/nidhogg/nuka-memory/internal/longterm"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/orchestrator"
)

func NewAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <text>",
		Short: "Store a long-term fact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prio, err := priorityFlag(cmd, "priority")
			if err != nil {
				return err
			}
			tags, _ := cmd.Flags().GetStringSlice("tag")
			user, _ := cmd.Flags().GetString("user")

			return withApp(cmd, true, func(a *app.App) error {
				id, err := a.Manager.AddFact(cmd.Context(), args[0], orchestrator.FactOptions{
					UserID:   user,
					Tags:     tags,
					Priority: prio,
				})
				if err != nil {
					return fmt.Errorf("add fact: %w", err)
				}
				if wantJSON(cmd) {
					return outputJSON(cmd, map[string]int64{"id": id})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stored fact %d\n", id)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceP("tag", "t", nil, "Tag to attach (repeatable)")
	cmd.Flags().StringP("priority", "p", "", "LOW, MEDIUM or HIGH (default HIGH)")
	cmd.Flags().StringP("user", "u", "", "Owning user id")
	return cmd
}

func NewSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Rank facts by similarity to a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("number")
			filter, err := filterFlags(cmd)
			if err != nil {
				return err
			}

			return withApp(cmd, true, func(a *app.App) error {
				results, err := a.Manager.SearchFacts(cmd.Context(), args[0], longterm.SearchOptions{
					TopK:   limit,
					Filter: filter,
				})
				if err != nil {
					return fmt.Errorf("search: %w", err)
				}
				if wantJSON(cmd) {
					return outputJSON(cmd, results)
				}
				for _, r := range results {
					fmt.Fprintf(cmd.OutOrStdout(), "%.4f  %d  %s\n", r.Similarity, r.Fact.ID, r.Fact.Text)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntP("number", "n", 0, "Maximum results (default retrieval_top_k)")
	addFilterFlags(cmd)
	return cmd
}

func NewListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored facts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := filterFlags(cmd)
			if err != nil {
				return err
			}
			return withApp(cmd, false, func(a *app.App) error {
				facts := a.Manager.ListFacts(filter)
				if wantJSON(cmd) {
					return outputJSON(cmd, facts)
				}
				for _, f := range facts {
					fmt.Fprintf(cmd.OutOrStdout(), "%d  %-6s  [%s]  %s\n",
						f.ID, f.Priority, strings.Join(f.Tags, ","), f.Text)
				}
				return nil
			})
		},
	}
	addFilterFlags(cmd)
	return cmd
}

func NewDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a fact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid fact id %q", args[0])
			}
			return withApp(cmd, true, func(a *app.App) error {
				if err := a.Manager.DeleteFact(id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted fact %d\n", id)
				return nil
			})
		},
	}
}

func NewSummarizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summarize",
		Short: "Condense matching facts into one summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := filterFlags(cmd)
			if err != nil {
				return err
			}
			topic, _ := cmd.Flags().GetString("topic")
			maxLen, _ := cmd.Flags().GetInt("max-length")

			return withApp(cmd, false, func(a *app.App) error {
				s, err := a.Manager.SummarizeFacts(cmd.Context(), orchestrator.SummarizeRequest{
					Filter:    filter,
					Topic:     topic,
					MaxLength: maxLen,
				})
				if err != nil {
					return fmt.Errorf("summarize: %w", err)
				}
				if wantJSON(cmd) {
					return outputJSON(cmd, s)
				}
				fmt.Fprintln(cmd.OutOrStdout(), s.Summary)
				return nil
			})
		},
	}
	cmd.Flags().String("topic", "", "Label recorded with the summary")
	cmd.Flags().Int("max-length", 0, "Maximum summary length in characters")
	addFilterFlags(cmd)
	return cmd
}

func NewStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show memory statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, false, func(a *app.App) error {
				st := a.Manager.GetStats(cmd.Context())
				if wantJSON(cmd) {
					return outputJSON(cmd, st)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "facts:      %d (dimension %d, metric %s)\n",
					st.LongTerm.TotalFacts, st.LongTerm.Dimension, st.LongTerm.Metric)
				for _, p := range []memory.Priority{memory.PriorityHigh, memory.PriorityMedium, memory.PriorityLow} {
					fmt.Fprintf(out, "  %-8s  %d\n", p, st.LongTerm.ByPriority[p])
				}
				if st.WorkingAvailable {
					fmt.Fprintf(out, "sessions:   %d (%d turns)\n", st.Working.Sessions, st.Working.Turns)
				} else {
					fmt.Fprintln(out, "sessions:   unavailable")
				}
				return nil
			})
		},
	}
}

func addFilterFlags(cmd *cobra.Command) {
	cmd.Flags().StringSliceP("tag", "t", nil, "Require tag (repeatable)")
	cmd.Flags().StringP("user", "u", "", "Restrict to a user id")
	cmd.Flags().String("min-priority", "", "Lowest priority to include")
}

func filterFlags(cmd *cobra.Command) (longterm.Filter, error) {
	tags, _ := cmd.Flags().GetStringSlice("tag")
	user, _ := cmd.Flags().GetString("user")
	prio, err := priorityFlag(cmd, "min-priority")
	if err != nil {
		return longterm.Filter{}, err
	}
	return longterm.Filter{UserID: user, Tags: tags, MinPriority: prio}, nil
}

func priorityFlag(cmd *cobra.Command, name string) (memory.Priority, error) {
	v, _ := cmd.Flags().GetString(name)
	if v == "" {
		return 0, nil
	}
	return memory.ParsePriority(v)
}
