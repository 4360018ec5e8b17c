package sources

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strings"

	"datacore/internal/etl"
)

// ── CSV File Source ─────────────────────────────────────────
// Reads records from a local CSV export. Checkbox columns
// (base___option) are folded into their base field per row.

type csvFileSource struct{}

// NewCSVFile returns the csv_file source.
func NewCSVFile() etl.Source { return &csvFileSource{} }

func (s *csvFileSource) Spec() etl.SourceSpec {
	return etl.SourceSpec{
		Type:  "csv_file",
		Label: "CSV File",
		ConfigFields: []etl.ConfigField{
			{Key: "filePath", Label: "File Path", Type: "file", Required: true, Help: "Absolute path to the CSV file"},
			{Key: "delimiter", Label: "Delimiter", Type: "string", Required: false, Default: ",", Help: "Column delimiter (default: comma)"},
			{Key: "hasHeader", Label: "Has Header", Type: "select", Required: false, Options: []string{"true", "false"}, Default: "true", Help: "Whether the first row contains column names"},
		},
	}
}

func (s *csvFileSource) Discover(ctx context.Context, cfg etl.SourceConfig) (*etl.Schema, error) {
	headers, _, err := readCSVFile(cfg)
	if err != nil {
		return nil, err
	}

	// Choice columns collapse, so report the decoded field names.
	rec := etl.DecodeRow(headers, nil)
	schema := &etl.Schema{Fields: make([]etl.Field, len(rec.Keys))}
	for i, k := range rec.Keys {
		schema.Fields[i] = etl.Field{Name: k, Type: "text"}
	}
	return schema, nil
}

func (s *csvFileSource) Read(ctx context.Context, cfg etl.SourceConfig) (<-chan etl.Record, <-chan error) {
	out := make(chan etl.Record, 100)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		headers, rows, err := readCSVFile(cfg)
		if err != nil {
			errCh <- err
			return
		}

		for _, row := range rows {
			select {
			case out <- etl.DecodeRow(headers, row).Record():
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, errCh
}

func readCSVFile(cfg etl.SourceConfig) ([]string, [][]string, error) {
	filePath, _ := cfg["filePath"].(string)
	if filePath == "" {
		return nil, nil, fmt.Errorf("filePath is required")
	}

	f, err := os.Open(filePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)

	if delim, ok := cfg["delimiter"].(string); ok && len(delim) > 0 {
		reader.Comma = rune(delim[0])
	}
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return nil, nil, fmt.Errorf("empty csv file")
	}

	hasHeader := true
	if h, ok := cfg["hasHeader"].(string); ok {
		hasHeader = strings.ToLower(h) != "false"
	}

	var headers []string
	var rows [][]string
	if hasHeader {
		headers = records[0]
		rows = records[1:]
		// Strip a UTF-8 BOM left by spreadsheet exports.
		if len(headers) > 0 {
			headers[0] = strings.TrimPrefix(headers[0], "\ufeff")
		}
	} else {
		headers = make([]string, len(records[0]))
		for i := range headers {
			headers[i] = fmt.Sprintf("col_%d", i+1)
		}
		rows = records
	}

	return headers, rows, nil
}
