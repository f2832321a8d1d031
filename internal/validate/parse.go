package validate

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/pricefinder/internal/resilience"
)

// maxParsedRows bounds how much of a file is loaded for validation. Charge
// files can run to millions of rows; the checks only need the shape.
const maxParsedRows = 5000

// table is the normalized view of a parsed price file.
type table struct {
	Headers []string
	Rows    [][]string

	// TotalRows counts data rows actually seen, capped at maxParsedRows.
	TotalRows int
}

// parseFile loads a downloaded file into a table. Unknown or unparseable
// content yields a ParseError.
func parseFile(path, fileType string) (*table, error) {
	switch fileType {
	case "csv":
		return parseCSV(path)
	case "json":
		return parseJSON(path)
	case "xlsx", "xls":
		return parseXLSX(path)
	default:
		return nil, resilience.NewParseError(path, eris.Errorf("unsupported file type %q", fileType))
	}
}

func parseCSV(path string) (*table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, resilience.NewParseError(path, err)
	}
	defer f.Close() //nolint:errcheck

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	headers, err := r.Read()
	if err != nil {
		return nil, resilience.NewParseError(path, eris.Wrap(err, "read header"))
	}

	t := &table{Headers: headers}
	for t.TotalRows < maxParsedRows {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, resilience.NewParseError(path, eris.Wrap(err, "read row"))
		}
		t.Rows = append(t.Rows, row)
		t.TotalRows++
	}

	return t, nil
}

// parseJSON accepts either a top-level array of objects or an object holding
// one. CMS machine-readable JSON files usually nest the charge rows under a
// key like "standard_charges".
func parseJSON(path string) (*table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, resilience.NewParseError(path, err)
	}

	var root any
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, resilience.NewParseError(path, err)
	}

	records := findRecordArray(root)
	if records == nil {
		return nil, resilience.NewParseError(path, eris.New("no array of objects found"))
	}

	first, ok := records[0].(map[string]any)
	if !ok {
		return nil, resilience.NewParseError(path, eris.New("array elements are not objects"))
	}

	headers := make([]string, 0, len(first))
	for k := range first {
		headers = append(headers, k)
	}
	sort.Strings(headers)

	t := &table{Headers: headers}
	for _, rec := range records {
		if t.TotalRows >= maxParsedRows {
			break
		}
		obj, ok := rec.(map[string]any)
		if !ok {
			continue
		}
		row := make([]string, len(headers))
		for i, h := range headers {
			if v, ok := obj[h]; ok && v != nil {
				row[i] = fmt.Sprintf("%v", v)
			}
		}
		t.Rows = append(t.Rows, row)
		t.TotalRows++
	}

	return t, nil
}

// findRecordArray walks one level of nesting looking for a non-empty array.
func findRecordArray(root any) []any {
	if arr, ok := root.([]any); ok && len(arr) > 0 {
		return arr
	}
	obj, ok := root.(map[string]any)
	if !ok {
		return nil
	}
	// Prefer conventional keys before scanning everything.
	for _, key := range []string{"standard_charges", "standard_charge_information", "data", "items", "charges"} {
		if arr, ok := obj[key].([]any); ok && len(arr) > 0 {
			return arr
		}
	}
	for _, v := range obj {
		if arr, ok := v.([]any); ok && len(arr) > 0 {
			if _, isObj := arr[0].(map[string]any); isObj {
				return arr
			}
		}
	}
	return nil
}

func parseXLSX(path string) (*table, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, resilience.NewParseError(path, err)
	}
	if len(f.Sheets) == 0 || len(f.Sheets[0].Rows) == 0 {
		return nil, resilience.NewParseError(path, eris.New("no sheets or rows"))
	}

	sheet := f.Sheets[0]
	t := &table{Headers: rowToStrings(sheet.Rows[0])}
	for _, row := range sheet.Rows[1:] {
		if t.TotalRows >= maxParsedRows {
			break
		}
		t.Rows = append(t.Rows, rowToStrings(row))
		t.TotalRows++
	}

	return t, nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}
