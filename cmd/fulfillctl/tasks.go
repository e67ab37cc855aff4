package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/joao-fontenele/storefront-fulfillment/internal/fulfillment"
)

func tasksCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List and retry fulfillment tasks",
	}

	var limit int
	failed := &cobra.Command{
		Use:   "failed",
		Short: "List tasks that exhausted their attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := a.runner().FailedTasks(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("list failed tasks: %w", err)
			}
			return a.printTasks(tasks)
		},
	}
	failed.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum results")

	due := &cobra.Command{
		Use:   "due",
		Short: "List pending tasks waiting for the retrier",
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := a.runner().DueTasks(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("list due tasks: %w", err)
			}
			return a.printTasks(tasks)
		},
	}
	due.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum results")

	var batch int
	retry := &cobra.Command{
		Use:   "retry",
		Short: "Run one batch of due tasks now",
		RunE: func(cmd *cobra.Command, args []string) error {
			retrier, err := fulfillment.NewRetrier(a.runner(), fulfillment.RetrierConfig{
				Interval:  a.cfg.Tasks.RetryInterval,
				BatchSize: batch,
			}, a.logger)
			if err != nil {
				return err
			}
			completed, err := retrier.Drain(cmd.Context())
			if err != nil {
				return fmt.Errorf("retry tasks: %w", err)
			}
			fmt.Fprintf(a.out, "completed %d task(s)\n", completed)
			return nil
		},
	}
	retry.Flags().IntVarP(&batch, "batch", "b", 20, "Batch size")

	cmd.AddCommand(failed, due, retry)
	return cmd
}

func reissueCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reissue <order-id>",
		Short: "Reset an order's failed tasks and run its pending ones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			issued, err := a.runner().Reissue(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("reissue order %s: %w", args[0], err)
			}
			fmt.Fprintf(a.out, "order %s: %d entitlement(s) issued\n", args[0], issued)
			return nil
		},
	}
}

func (a *app) printTasks(tasks []fulfillment.Task) error {
	if a.asJSON {
		return a.printJSON(tasks)
	}
	if len(tasks) == 0 {
		fmt.Fprintln(a.out, "no tasks")
		return nil
	}

	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ORDER\tKIND\tSTATUS\tATTEMPTS\tNEXT RETRY\tLAST ERROR")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			t.OrderID, t.Kind, t.Status, t.Attempts, t.NextRetry.Format(time.RFC3339), truncate(t.LastError, 60))
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
