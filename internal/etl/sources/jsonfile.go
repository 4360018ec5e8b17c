package sources

import (
	"context"
	"fmt"
	"os"

	"datacore/internal/etl"
)

// ── JSON File Source ────────────────────────────────────────
// Reads a REDCap "export records" JSON dump (an array of flat objects)
// from disk, for projects delivered as files instead of API access.

type jsonFileSource struct{}

// NewJSONFile returns the json_file source.
func NewJSONFile() etl.Source { return &jsonFileSource{} }

func (s *jsonFileSource) Spec() etl.SourceSpec {
	return etl.SourceSpec{
		Type:  "json_file",
		Label: "JSON File",
		ConfigFields: []etl.ConfigField{
			{Key: "filePath", Label: "File Path", Type: "file", Required: true, Help: "Absolute path to a JSON array of records"},
		},
	}
}

func (s *jsonFileSource) Discover(ctx context.Context, cfg etl.SourceConfig) (*etl.Schema, error) {
	records, err := readJSONFile(cfg)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	schema := &etl.Schema{}
	for _, r := range records {
		for _, k := range r.Keys {
			if !seen[k] {
				seen[k] = true
				schema.Fields = append(schema.Fields, etl.Field{Name: k, Type: "text"})
			}
		}
	}
	return schema, nil
}

func (s *jsonFileSource) Read(ctx context.Context, cfg etl.SourceConfig) (<-chan etl.Record, <-chan error) {
	out := make(chan etl.Record, 100)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		records, err := readJSONFile(cfg)
		if err != nil {
			errCh <- err
			return
		}
		for _, rec := range records {
			select {
			case out <- rec.Record():
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, errCh
}

func readJSONFile(cfg etl.SourceConfig) ([]*etl.OrderedRecord, error) {
	filePath, _ := cfg["filePath"].(string)
	if filePath == "" {
		return nil, fmt.Errorf("filePath is required")
	}

	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	rows, err := etl.DecodeJSONArray(f)
	if err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	for i, r := range rows {
		rows[i] = etl.FoldChoices(r)
	}
	return rows, nil
}
