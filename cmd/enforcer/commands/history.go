package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudfw/enforcer/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect past reconciliation runs",
	}

	cmd.AddCommand(newHistoryListCommand())
	cmd.AddCommand(newHistoryShowCommand())

	return cmd
}

func newHistoryListCommand() *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Root().Version)
			if err != nil {
				return err
			}
			defer rt.close(cmd.Context())

			history, err := rt.openHistory(cmd.Context())
			if err != nil {
				return err
			}
			if history == nil {
				return fmt.Errorf("run history is disabled (history_db is empty)")
			}
			defer history.Close()

			runs, err := history.ListRuns(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN ID\tPROJECT\tSTATUS\tCHANGES\tIN SYNC\tSTARTED")
			for _, run := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t+%d ~%d -%d\t%d\t%s\n",
					run.ID,
					run.Project,
					run.Status,
					run.Creates, run.Updates, run.Deletes,
					run.InSync,
					run.StartedAt.Format(time.RFC3339),
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "runs to skip")

	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run and its per-rule outcomes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Root().Version)
			if err != nil {
				return err
			}
			defer rt.close(cmd.Context())

			history, err := rt.openHistory(cmd.Context())
			if err != nil {
				return err
			}
			if history == nil {
				return fmt.Errorf("run history is disabled (history_db is empty)")
			}
			defer history.Close()

			run, err := history.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			results, err := history.ListRuleResults(cmd.Context(), run.ID)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Run     *stores.Run         `json:"run"`
					Results []stores.RuleResult `json:"results"`
				}{run, results})
			}

			fmt.Printf("Run %s\n", run.ID)
			fmt.Printf("  project:  %s\n", run.Project)
			fmt.Printf("  policy:   %s\n", run.PolicySource)
			fmt.Printf("  status:   %s\n", run.Status)
			fmt.Printf("  diff:     +%d ~%d -%d (%d in sync)\n",
				run.Creates, run.Updates, run.Deletes, run.InSync)
			fmt.Printf("  started:  %s\n", run.StartedAt.Format(time.RFC3339))
			if run.CompletedAt != nil {
				fmt.Printf("  finished: %s\n", run.CompletedAt.Format(time.RFC3339))
			}
			if run.Error != nil {
				fmt.Printf("  error:    %s\n", *run.Error)
			}

			if len(results) == 0 {
				return nil
			}

			fmt.Println()
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NETWORK\tRULE\tOPERATION\tSTATUS\tATTEMPTS\tERROR")
			for _, r := range results {
				errMsg := ""
				if r.Error != nil {
					errMsg = *r.Error
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					r.Network, r.RuleName, r.Operation, r.Status, r.Attempts, errMsg)
			}
			return w.Flush()
		},
	}

	return cmd
}
