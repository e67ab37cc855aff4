package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/joao-fontenele/storefront-fulfillment/internal/webhook"
)

func webhooksCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhooks",
		Short: "Inspect webhook deliveries",
	}

	var limit int
	failures := &cobra.Command{
		Use:   "failures",
		Short: "List malformed events parked for review",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := webhook.NewFailureStore(a.db).List(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("list webhook failures: %w", err)
			}
			if a.asJSON {
				return a.printJSON(list)
			}
			if len(list) == 0 {
				fmt.Fprintln(a.out, "no parked events")
				return nil
			}

			w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RECEIVED\tEVENT\tSESSION\tREASON")
			for _, f := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.CreatedAt.Format(time.RFC3339), f.EventID, f.SessionID, truncate(f.Reason, 80))
			}
			return w.Flush()
		},
	}
	failures.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum results")

	cmd.AddCommand(failures)
	return cmd
}
