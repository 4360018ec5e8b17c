package sources

import (
	"context"
	"fmt"

	"datacore/internal/etl"
	"datacore/internal/recordstore"
)

// ── Model Source ────────────────────────────────────────────
// Reads the records of one registered model, in record_id order, a page
// at a time. Used to copy numbered per-project models into unified ones.

const modelPageSize = 1000

type modelSource struct {
	models *recordstore.Registry
}

// NewModel returns the record_model source over models.
func NewModel(models *recordstore.Registry) etl.Source {
	return &modelSource{models: models}
}

func (s *modelSource) Spec() etl.SourceSpec {
	return etl.SourceSpec{
		Type:  "record_model",
		Label: "Stored Model",
		ConfigFields: []etl.ConfigField{
			{Key: "model", Label: "Model", Type: "string", Required: true, Help: "Registered model name"},
		},
	}
}

func (s *modelSource) resolve(cfg etl.SourceConfig) (recordstore.Model, error) {
	name, _ := cfg["model"].(string)
	if name == "" {
		return recordstore.Model{}, fmt.Errorf("model is required")
	}
	return s.models.Resolve(name)
}

func (s *modelSource) Discover(ctx context.Context, cfg etl.SourceConfig) (*etl.Schema, error) {
	m, err := s.resolve(cfg)
	if err != nil {
		return nil, err
	}
	schema := &etl.Schema{}
	for _, f := range m.Schema.Fields {
		schema.Fields = append(schema.Fields, etl.Field{Name: f.Name, Type: string(f.Type)})
	}
	return schema, nil
}

func (s *modelSource) Read(ctx context.Context, cfg etl.SourceConfig) (<-chan etl.Record, <-chan error) {
	out := make(chan etl.Record, 100)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		m, err := s.resolve(cfg)
		if err != nil {
			errCh <- err
			return
		}
		for offset := 0; ; offset += modelPageSize {
			page, err := m.Store.Query(ctx, m.Name(), nil, offset, modelPageSize)
			if err != nil {
				errCh <- fmt.Errorf("read %s: %w", m.Name(), err)
				return
			}
			for _, rec := range page {
				select {
				case out <- etl.Record{Data: rec}:
				case <-ctx.Done():
					return
				}
			}
			if len(page) < modelPageSize {
				return
			}
		}
	}()

	return out, errCh
}
