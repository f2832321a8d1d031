package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/pricefinder/internal/model"
)

var statusLogLimit int

var statusCmd = &cobra.Command{
	Use:   "status <hospital-id>",
	Short: "Show discovery status and recent activity for a hospital",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		tr, err := initTracker(ctx)
		if err != nil {
			return err
		}
		defer tr.Close() //nolint:errcheck

		h, err := tr.GetHospital(ctx, args[0])
		if err != nil {
			return eris.Wrapf(err, "get hospital %s", args[0])
		}

		files, err := tr.GetFiles(ctx, h.ID)
		if err != nil {
			return eris.Wrap(err, "get files")
		}

		logs, err := tr.GetLogs(ctx, h.ID, statusLogLimit)
		if err != nil {
			return eris.Wrap(err, "get logs")
		}

		formatHospitalStatus(os.Stdout, h, files, logs)
		return nil
	},
}

func formatHospitalStatus(out io.Writer, h *model.Hospital, files []model.PriceFile, logs []model.SearchLog) {
	fmt.Fprintf(out, "%s (%s)\n", h.Name, h.ID)
	fmt.Fprintf(out, "  status:    %s\n", h.Status)
	fmt.Fprintf(out, "  attempts:  %d\n", h.SearchAttempts)
	if h.LastSearched != nil {
		fmt.Fprintf(out, "  last run:  %s\n", h.LastSearched.Format("2006-01-02 15:04"))
	}
	if h.ValidatedAt != nil {
		fmt.Fprintf(out, "  validated: %s\n", h.ValidatedAt.Format("2006-01-02 15:04"))
	}

	if len(files) > 0 {
		fmt.Fprintln(out, "\nFiles:")
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "  URL\tTYPE\tSTRUCT\tSEMANTIC\tMATCH\tVALID")
		for _, f := range files {
			_, _ = fmt.Fprintf(w, "  %s\t%s\t%.2f\t%.2f\t%.2f\t%v\n",
				truncate(f.FileURL, 70), f.FileType,
				f.StructuralScore, f.SemanticScore, f.MatchScore, f.Validated)
		}
		_ = w.Flush()
	}

	if len(logs) > 0 {
		fmt.Fprintln(out, "\nRecent activity:")
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "  TIME\tSTAGE\tOUTCOME\tDETAIL")
		for _, l := range logs {
			_, _ = fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n",
				l.Timestamp.Format("2006-01-02 15:04:05"), l.Stage, l.Outcome, truncate(l.Detail, 60))
		}
		_ = w.Flush()
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func init() {
	statusCmd.Flags().IntVar(&statusLogLimit, "logs", 20, "number of log entries to show")
	rootCmd.AddCommand(statusCmd)
}
