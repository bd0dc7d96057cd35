package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/cardvault/revalue/internal/model"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect the dead-letter queue",
	Long:  "Commands for listing, viewing, and clearing dead-lettered revaluations.",
}

// -- dlq list --

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered revaluations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("dlq"); err != nil {
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

		errType, _ := cmd.Flags().GetString("error-type")
		cardID, _ := cmd.Flags().GetString("card")
		limit, _ := cmd.Flags().GetInt("limit")

		letters, err := st.ListDeadLetters(ctx, model.DeadLetterFilter{
			ErrorType: errType,
			CardID:    cardID,
			Limit:     limit,
		})
		if err != nil {
			return eris.Wrap(err, "dlq list")
		}

		if len(letters) == 0 {
			fmt.Fprintln(os.Stderr, "Dead-letter queue is empty.")
			return nil
		}

		formatDeadLetters(os.Stdout, letters)
		return nil
	},
}

// -- dlq show --

var dlqShowCmd = &cobra.Command{
	Use:   "show <letter-id>",
	Short: "Show a dead letter with its partial results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("dlq"); err != nil {
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

		letters, err := st.ListDeadLetters(ctx, model.DeadLetterFilter{})
		if err != nil {
			return eris.Wrap(err, "dlq show")
		}
		for _, l := range letters {
			if l.ID == args[0] {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(l)
			}
		}
		return eris.Errorf("dead letter %s not found", args[0])
	},
}

// -- dlq delete --

var dlqDeleteCmd = &cobra.Command{
	Use:   "delete <letter-id>",
	Short: "Delete a dead letter after manual follow-up",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("dlq"); err != nil {
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

		if err := st.DeleteDeadLetter(ctx, args[0]); err != nil {
			return eris.Wrap(err, "dlq delete")
		}
		fmt.Printf("Deleted dead letter %s\n", args[0])
		return nil
	},
}

// -- dlq count --

var dlqCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Count dead letters",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("dlq"); err != nil {
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

		n, err := st.CountDeadLetters(ctx)
		if err != nil {
			return eris.Wrap(err, "dlq count")
		}
		fmt.Println(n)
		return nil
	},
}

func init() {
	dlqListCmd.Flags().String("error-type", "", "filter by error type (transient, permanent)")
	dlqListCmd.Flags().String("card", "", "filter by card ID")
	dlqListCmd.Flags().Int("limit", 50, "max number of letters to display")

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqShowCmd)
	dlqCmd.AddCommand(dlqDeleteCmd)
	dlqCmd.AddCommand(dlqCountCmd)
	rootCmd.AddCommand(dlqCmd)
}

// formatDeadLetters writes a tabular list of dead letters to w.
func formatDeadLetters(out io.Writer, letters []model.DeadLetter) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCARD\tSTAGE\tTYPE\tERROR\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t----\t-----\t----\t-----\t-------")

	for _, l := range letters {
		msg := l.Error
		if len(msg) > 40 {
			msg = msg[:37] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(l.ID),
			l.CardID,
			l.Stage,
			l.ErrorType,
			msg,
			l.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
