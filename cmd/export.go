package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pricefinder/internal/model"
	"github.com/sells-group/pricefinder/internal/tracker"
)

var (
	exportOutPath string
	exportFormat  string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export validated price files",
	Long:  "Exports validated price files as a flat CSV, or as JSON grouped by state with the best file per hospital.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		tr, err := initTracker(ctx)
		if err != nil {
			return err
		}
		defer tr.Close() //nolint:errcheck

		files, err := tr.ListValidated(ctx)
		if err != nil {
			return eris.Wrap(err, "list validated")
		}

		out := os.Stdout
		if exportOutPath != "" {
			f, err := os.Create(exportOutPath)
			if err != nil {
				return eris.Wrap(err, "create output file")
			}
			defer f.Close() //nolint:errcheck
			out = f
		}

		switch exportFormat {
		case "csv":
			err = writeFilesCSV(out, files)
		case "json":
			err = writeFilesJSON(ctx, tr, out, files)
		default:
			err = eris.Errorf("unknown export format %q (want csv or json)", exportFormat)
		}
		if err != nil {
			return err
		}

		zap.L().Info("export complete",
			zap.Int("files", len(files)),
			zap.String("format", exportFormat),
			zap.String("out", exportOutPath),
		)
		return nil
	},
}

// exportRecord is one hospital's best validated file in the JSON export.
type exportRecord struct {
	HospitalID      string  `json:"hospital_id"`
	HospitalName    string  `json:"hospital_name"`
	City            string  `json:"city,omitempty"`
	FileURL         string  `json:"file_url"`
	FileType        string  `json:"file_type,omitempty"`
	StructuralScore float64 `json:"structural_score"`
	SemanticScore   float64 `json:"semantic_score"`
	MatchScore      float64 `json:"match_score"`
	ValidationDate  string  `json:"validation_date,omitempty"`
}

// writeFilesJSON groups validated files by state, keeping the most recently
// found file per hospital.
func writeFilesJSON(ctx context.Context, tr tracker.Tracker, out io.Writer, files []model.PriceFile) error {
	best := make(map[string]model.PriceFile)
	for _, f := range files {
		if cur, ok := best[f.HospitalID]; !ok || f.FoundDate.After(cur.FoundDate) {
			best[f.HospitalID] = f
		}
	}

	byState := make(map[string][]exportRecord)
	for hospitalID, f := range best {
		h, err := tr.GetHospital(ctx, hospitalID)
		if err != nil {
			return eris.Wrapf(err, "get hospital %s", hospitalID)
		}

		rec := exportRecord{
			HospitalID:      h.ID,
			HospitalName:    h.Name,
			City:            h.City,
			FileURL:         f.FileURL,
			FileType:        f.FileType,
			StructuralScore: f.StructuralScore,
			SemanticScore:   f.SemanticScore,
			MatchScore:      f.MatchScore,
		}
		if f.ValidationDate != nil {
			rec.ValidationDate = f.ValidationDate.Format("2006-01-02")
		}
		byState[h.State] = append(byState[h.State], rec)
	}

	for _, records := range byState {
		sort.Slice(records, func(i, j int) bool { return records[i].HospitalName < records[j].HospitalName })
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(byState), "encode json export")
}

func writeFilesCSV(out io.Writer, files []model.PriceFile) error {
	w := csv.NewWriter(out)
	header := []string{"hospital_id", "file_url", "file_type", "downloaded_path", "file_size", "structural_score", "semantic_score", "match_score", "validation_date"}
	if err := w.Write(header); err != nil {
		return eris.Wrap(err, "write csv header")
	}

	for _, f := range files {
		validationDate := ""
		if f.ValidationDate != nil {
			validationDate = f.ValidationDate.Format("2006-01-02")
		}
		record := []string{
			f.HospitalID,
			f.FileURL,
			f.FileType,
			f.DownloadedPath,
			strconv.FormatInt(f.FileSize, 10),
			strconv.FormatFloat(f.StructuralScore, 'f', 2, 64),
			strconv.FormatFloat(f.SemanticScore, 'f', 2, 64),
			strconv.FormatFloat(f.MatchScore, 'f', 2, 64),
			validationDate,
		}
		if err := w.Write(record); err != nil {
			return eris.Wrap(err, "write csv record")
		}
	}

	w.Flush()
	return eris.Wrap(w.Error(), "flush csv")
}

func init() {
	exportCmd.Flags().StringVar(&exportOutPath, "out", "", "output path (defaults to stdout)")
	exportCmd.Flags().StringVar(&exportFormat, "format", "csv", "output format: csv or json")
	rootCmd.AddCommand(exportCmd)
}
