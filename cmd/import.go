package main

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pricefinder/internal/model"
)

var importFilePath string

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import hospitals from a CSV or JSON registry into the tracker",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		tr, err := initTracker(ctx)
		if err != nil {
			return err
		}
		defer tr.Close() //nolint:errcheck

		f, err := os.Open(importFilePath)
		if err != nil {
			return eris.Wrap(err, "open registry file")
		}
		defer f.Close() //nolint:errcheck

		var hospitals []model.Hospital
		if strings.EqualFold(filepath.Ext(importFilePath), ".json") {
			hospitals, err = parseHospitalsJSON(f)
		} else {
			hospitals, err = parseHospitalsCSV(f)
		}
		if err != nil {
			return err
		}

		added, err := tr.RegisterHospitals(ctx, hospitals)
		if err != nil {
			return eris.Wrap(err, "register hospitals")
		}

		zap.L().Info("import complete",
			zap.Int("rows", len(hospitals)),
			zap.Int("added", added),
			zap.String("file", importFilePath),
		)
		return nil
	},
}

// parseHospitalsJSON reads a hospital registry JSON file, either a flat list
// of hospitals or a map of state code to hospital list. The state key fills
// in hospitals that omit their own state.
func parseHospitalsJSON(r io.Reader) ([]model.Hospital, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrap(err, "read json")
	}

	var hospitals []model.Hospital
	if err := json.Unmarshal(data, &hospitals); err != nil {
		var byState map[string][]model.Hospital
		if mapErr := json.Unmarshal(data, &byState); mapErr != nil {
			return nil, eris.Wrap(err, "parse json registry")
		}
		for state, list := range byState {
			for _, h := range list {
				if h.State == "" {
					h.State = state
				}
				hospitals = append(hospitals, h)
			}
		}
	}

	out := hospitals[:0]
	for _, h := range hospitals {
		if strings.TrimSpace(h.Name) == "" {
			zap.L().Warn("skipping hospital with empty name", zap.String("id", h.ID))
			continue
		}
		out = append(out, h)
	}
	if len(out) == 0 {
		return nil, eris.New("json contains no hospitals")
	}
	return out, nil
}

// parseHospitalsCSV reads a hospital registry CSV. The header row names the
// columns; id, name, address, city, state, website, and health_system are
// recognized, and name is the only required field.
func parseHospitalsCSV(r io.Reader) ([]model.Hospital, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, eris.Wrap(err, "read csv header")
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := col["name"]; !ok {
		return nil, eris.New("csv missing required column: name")
	}

	field := func(record []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var hospitals []model.Hospital
	line := 1
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, eris.Wrapf(err, "read csv line %d", line)
		}

		h := model.Hospital{
			ID:           field(record, "id"),
			Name:         field(record, "name"),
			Address:      field(record, "address"),
			City:         field(record, "city"),
			State:        field(record, "state"),
			Website:      field(record, "website"),
			HealthSystem: field(record, "health_system"),
		}
		if h.Name == "" {
			zap.L().Warn("skipping row with empty name", zap.Int("line", line))
			continue
		}
		hospitals = append(hospitals, h)
	}

	if len(hospitals) == 0 {
		return nil, eris.New("csv contains no hospitals")
	}
	return hospitals, nil
}

func init() {
	importCmd.Flags().StringVar(&importFilePath, "file", "", "path to hospital registry CSV or JSON (required)")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}
