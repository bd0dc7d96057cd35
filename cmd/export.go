package main

import (
	"fmt"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/tealeg/xlsx/v2"

	"github.com/cardvault/revalue/internal/model"
	"github.com/cardvault/revalue/internal/store"
)

var (
	exportUser string
	exportOut  string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export card valuations and execution history to an XLSX workbook",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("export"); err != nil {
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

		cards, err := st.ListCards(ctx, exportUser, 10000) // high limit for a full export
		if err != nil {
			return eris.Wrap(err, "export: list cards")
		}
		execs, err := st.ListExecutions(ctx, store.ExecutionFilter{Limit: 10000})
		if err != nil {
			return eris.Wrap(err, "export: list executions")
		}

		f := xlsx.NewFile()
		if err := addCardsSheet(f, cards); err != nil {
			return err
		}
		if err := addExecutionsSheet(f, execs); err != nil {
			return err
		}

		if err := f.Save(exportOut); err != nil {
			return eris.Wrap(err, "export: save workbook")
		}

		fmt.Printf("Exported %d cards and %d executions to %s\n", len(cards), len(execs), exportOut)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportUser, "user", "", "owning user ID (required)")
	exportCmd.Flags().StringVar(&exportOut, "out", "revalue.xlsx", "output file path")
	_ = exportCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(exportCmd)
}

func addCardsSheet(f *xlsx.File, cards []model.CardSnapshot) error {
	sheet, err := f.AddSheet("Cards")
	if err != nil {
		return eris.Wrap(err, "export: add cards sheet")
	}

	header := sheet.AddRow()
	for _, h := range []string{"Card", "Low", "Median", "High", "Currency", "Comps", "Confidence", "Authenticity", "Fake", "Revalued"} {
		header.AddCell().SetString(h)
	}

	for _, c := range cards {
		row := sheet.AddRow()
		row.AddCell().SetString(c.CardID)
		if c.Pricing != nil {
			row.AddCell().SetFloat(c.Pricing.ValueLow)
			row.AddCell().SetFloat(c.Pricing.ValueMedian)
			row.AddCell().SetFloat(c.Pricing.ValueHigh)
			row.AddCell().SetString(c.Pricing.Currency)
			row.AddCell().SetInt(c.Pricing.CompsCount)
			row.AddCell().SetFloat(c.Pricing.Confidence)
		} else {
			for range 6 {
				row.AddCell().SetString("")
			}
		}
		if c.Authenticity != nil {
			row.AddCell().SetFloat(c.Authenticity.Score)
			row.AddCell().SetString(strconv.FormatBool(c.Authenticity.FakeDetected))
		} else {
			row.AddCell().SetString("")
			row.AddCell().SetString("")
		}
		row.AddCell().SetString(c.RevaluedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func addExecutionsSheet(f *xlsx.File, execs []model.Execution) error {
	sheet, err := f.AddSheet("Executions")
	if err != nil {
		return eris.Wrap(err, "export: add executions sheet")
	}

	header := sheet.AddRow()
	for _, h := range []string{"ID", "Card", "Status", "Stage", "Error", "Started", "Finished"} {
		header.AddCell().SetString(h)
	}

	for _, e := range execs {
		row := sheet.AddRow()
		row.AddCell().SetString(e.ID)
		row.AddCell().SetString(e.CardID)
		row.AddCell().SetString(string(e.Status))
		row.AddCell().SetString(string(e.Stage))
		row.AddCell().SetString(e.Error)
		row.AddCell().SetString(e.StartedAt.Format("2006-01-02 15:04:05"))
		if e.FinishedAt != nil {
			row.AddCell().SetString(e.FinishedAt.Format("2006-01-02 15:04:05"))
		} else {
			row.AddCell().SetString("")
		}
	}
	return nil
}
