package main

import (
	"encoding/json"
	"os"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cardvault/revalue/internal/model"
)

var (
	runUser   string
	runCard   string
	runImages []string
	runName   string
	runSet    string
	runNumber string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a revaluation for a single card",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		req := model.RevaluationRequest{
			UserID:    runUser,
			CardID:    runCard,
			ImageRefs: runImages,
			RequestID: uuid.New().String(),
		}
		meta := model.CardMeta{
			CardID:  runCard,
			UserID:  runUser,
			Name:    runName,
			SetName: runSet,
			Number:  runNumber,
		}

		res, err := env.Orchestrator.Trigger(ctx, req, meta)
		if err != nil {
			return eris.Wrap(err, "trigger revaluation")
		}
		if !res.Started {
			return eris.Errorf("card %s already has execution %s in flight", runCard, res.ExecutionID)
		}

		env.Orchestrator.Wait()

		exec, err := env.Store.GetExecution(ctx, res.ExecutionID)
		if err != nil {
			return eris.Wrap(err, "load execution")
		}
		if exec.Status != model.ExecutionDone {
			return eris.Errorf("revaluation failed at stage %s: %s", exec.Stage, exec.Error)
		}

		snap, err := env.Store.GetCard(ctx, runUser, runCard)
		if err != nil {
			return eris.Wrap(err, "load card snapshot")
		}

		zap.L().Info("revaluation complete",
			zap.String("card_id", runCard),
			zap.String("execution_id", res.ExecutionID),
		)

		// Print result JSON to stdout
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	},
}

func init() {
	runCmd.Flags().StringVar(&runUser, "user", "", "owning user ID (required)")
	runCmd.Flags().StringVar(&runCard, "card", "", "card ID (required)")
	runCmd.Flags().StringSliceVar(&runImages, "image", nil, "card image reference (repeatable, required)")
	runCmd.Flags().StringVar(&runName, "name", "", "card name (optional, otherwise from OCR)")
	runCmd.Flags().StringVar(&runSet, "set", "", "set name (optional)")
	runCmd.Flags().StringVar(&runNumber, "number", "", "card number (optional)")
	_ = runCmd.MarkFlagRequired("user")
	_ = runCmd.MarkFlagRequired("card")
	_ = runCmd.MarkFlagRequired("image")
	rootCmd.AddCommand(runCmd)
}
