package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/pricefinder/internal/model"
	"github.com/sells-group/pricefinder/internal/tracker"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate discovery progress",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		tr, err := initTracker(ctx)
		if err != nil {
			return err
		}
		defer tr.Close() //nolint:errcheck

		stats, err := tr.Stats(ctx)
		if err != nil {
			return eris.Wrap(err, "tracker stats")
		}

		formatStats(os.Stdout, stats)
		return nil
	},
}

// statusOrder fixes the display order of discovery states.
var statusOrder = []model.DiscoveryState{
	model.StatePending,
	model.StateSearching,
	model.StateCandidatesFound,
	model.StateDownloading,
	model.StateValidating,
	model.StateFound,
	model.StateNotFound,
	model.StateError,
}

func formatStats(out io.Writer, stats *tracker.Stats) {
	fmt.Fprintf(out, "Hospitals: %d\n", stats.TotalHospitals)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, status := range statusOrder {
		if count, ok := stats.ByStatus[status]; ok {
			_, _ = fmt.Fprintf(w, "  %s\t%d\t%s\n", status, count, percent(count, stats.TotalHospitals))
		}
	}
	_ = w.Flush()

	fmt.Fprintf(out, "Files found: %d (%d validated, %s)\n",
		stats.FilesFound, stats.FilesValidated, percent(stats.FilesValidated, stats.FilesFound))
}

func percent(part, total int) string {
	if total == 0 {
		return "0.0%"
	}
	return fmt.Sprintf("%.1f%%", 100*float64(part)/float64(total))
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
