package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/cardvault/revalue/internal/model"
	"github.com/cardvault/revalue/internal/store"
)

var executionsCmd = &cobra.Command{
	Use:   "executions",
	Short: "Inspect revaluation execution history",
}

// -- executions list --

var executionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List revaluation executions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("executions"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		status, _ := cmd.Flags().GetString("status")
		cardID, _ := cmd.Flags().GetString("card")
		limit, _ := cmd.Flags().GetInt("limit")

		execs, err := st.ListExecutions(ctx, store.ExecutionFilter{
			Status: model.ExecutionStatus(status),
			CardID: cardID,
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "executions list")
		}

		if len(execs) == 0 {
			fmt.Fprintln(os.Stderr, "No executions found.")
			return nil
		}

		formatExecutions(os.Stdout, execs)
		return nil
	},
}

// -- executions show --

var executionsShowCmd = &cobra.Command{
	Use:   "show <execution-id>",
	Short: "Show full details of an execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("executions"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		exec, err := st.GetExecution(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "executions show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(exec)
	},
}

func init() {
	executionsListCmd.Flags().String("status", "", "filter by status (running, done, failed)")
	executionsListCmd.Flags().String("card", "", "filter by card ID")
	executionsListCmd.Flags().Int("limit", 50, "max number of executions to display")

	executionsCmd.AddCommand(executionsListCmd)
	executionsCmd.AddCommand(executionsShowCmd)
	rootCmd.AddCommand(executionsCmd)
}

// formatExecutions writes a tabular list of executions to w.
func formatExecutions(out io.Writer, execs []model.Execution) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCARD\tSTATUS\tSTAGE\tSTARTED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t-----\t-------\t--------")

	for _, e := range execs {
		dur := ""
		if e.FinishedAt != nil {
			dur = e.FinishedAt.Sub(e.StartedAt).Round(time.Millisecond).String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(e.ID),
			e.CardID,
			e.Status,
			e.Stage,
			e.StartedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}
