package main

import (
	"fmt"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/petrijr/evalflow/pkg/api"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the store and queue schemas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.openBackends(cmd.Context())
			if err != nil {
				return err
			}
			a.logger.Info("schema_ready",
				slog.String("store", a.cfg.Store.Driver),
				slog.String("queue", a.cfg.Queue.Driver),
			)
			return b.Close()
		},
	}
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show the number of tasks per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.openBackends(cmd.Context())
			if err != nil {
				return err
			}
			defer b.Close()

			stats, err := b.Queue.Stats(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STATUS\tTASKS")
			total := 0
			for _, s := range api.TaskStatuses {
				fmt.Fprintf(w, "%s\t%d\n", s, stats[s])
				total += stats[s]
			}
			fmt.Fprintf(w, "total\t%d\n", total)
			return w.Flush()
		},
	}
}

func newHistoryCmd(a *app) *cobra.Command {
	var verify bool
	cmd := &cobra.Command{
		Use:   "history <entity-id>",
		Short: "Print the transition history of a workflow or evaluation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := a.openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			id := args[0]
			hist, err := rt.Orchestrator.History(ctx, id)
			if err != nil {
				return err
			}
			if len(hist) == 0 {
				return fmt.Errorf("%w: %s", api.ErrEntityNotFound, id)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tAT\tFROM\tTO\tBY\tREASON")
			for _, rec := range hist {
				from := rec.FromState
				if from == "" {
					from = "-"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
					rec.ID, rec.At.Format(time.RFC3339), from, rec.ToState, rec.TriggeredBy, oneLine(rec.Reason))
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if !verify {
				return nil
			}
			state, err := rt.Orchestrator.VerifyHistory(ctx, hist[0].EntityKind, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "verified: %s %s replays to %s\n", hist[0].EntityKind, id, state)
			return nil
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "replay the history and check it ends in the stored state")
	return cmd
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func newReapCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Requeue tasks whose worker lease expired",
		Long: "Requeue tasks whose worker lease expired. Each expiry counts as a failed " +
			"attempt; tasks out of retries fail and their entity moves to its blocked state.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			n, err := rt.Reap(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reaped %d task(s)\n", n)
			return nil
		},
	}
}

func newPurgeCmd(a *app) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete completed and failed tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			age := olderThan
			if !cmd.Flags().Changed("older-than") {
				age = a.cfg.Queue.PurgeAfter
			}
			if age < 0 {
				return fmt.Errorf("%w: --older-than must not be negative", api.ErrInvalidArgument)
			}

			rt, err := a.openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			n, err := rt.Purge(cmd.Context(), age)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d task(s) finished more than %s ago\n", n, age)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "minimum age of finished tasks to delete (default: queue.purge_after)")
	return cmd
}
