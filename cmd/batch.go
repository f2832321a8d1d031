package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pricefinder/internal/model"
	"github.com/sells-group/pricefinder/internal/pipeline"
)

var batchLimit int

var batchCmd = &cobra.Command{
	Use:   "batch [hospital-id...]",
	Short: "Discover price files for pending hospitals",
	Long: `Discover price files for hospitals. With no arguments the batch draws
pending hospitals from the tracker; with hospital IDs it processes exactly
those hospitals.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		var hospitals []model.Hospital
		for _, id := range args {
			h, err := env.Tracker.GetHospital(ctx, id)
			if err != nil {
				return eris.Wrapf(err, "hospital %s", id)
			}
			hospitals = append(hospitals, *h)
		}

		result, err := env.Orchestrator.RunBatch(ctx, hospitals, batchLimit)
		if err != nil {
			return err
		}

		printBatchResult(result)
		return nil
	},
}

func printBatchResult(r *pipeline.BatchResult) {
	zap.L().Info("batch finished",
		zap.Int("processed", r.Processed),
		zap.Int("errors", r.Errors),
		zap.Int("files_found", r.FilesFound),
		zap.Int("files_validated", r.FilesValidated),
		zap.Duration("elapsed", r.EndTime.Sub(r.StartTime)),
	)
}

func init() {
	batchCmd.Flags().IntVar(&batchLimit, "limit", 100, "max number of hospitals to process")
	rootCmd.AddCommand(batchCmd)
}
