package main

import (
	"errors"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pricefinder/internal/tracker"
)

var reprocessCmd = &cobra.Command{
	Use:   "reprocess <hospital-id>...",
	Short: "Reset finished hospitals so the next batch retries them",
	Long:  "Moves hospitals in the found or not_found state back to pending and resets their attempt counter. Hospitals in other states are left untouched.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		tr, err := initTracker(ctx)
		if err != nil {
			return err
		}
		defer tr.Close() //nolint:errcheck

		var reset int
		for _, id := range args {
			if err := tr.Reprocess(ctx, id); err != nil {
				if errors.Is(err, tracker.ErrConflict) {
					zap.L().Warn("hospital not in a terminal state, skipping", zap.String("hospital_id", id))
					continue
				}
				return eris.Wrapf(err, "reprocess %s", id)
			}
			reset++
		}

		zap.L().Info("reprocess complete", zap.Int("reset", reset), zap.Int("requested", len(args)))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reprocessCmd)
}
