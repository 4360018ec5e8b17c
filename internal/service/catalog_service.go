package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"datacore/internal/apperr"
	"datacore/internal/config"
	"datacore/internal/domain"
	"datacore/internal/recordstore"
)

// ─────────────────────────────────────────────────────────────
// Catalog Service — projects, instruments and record counts
// ─────────────────────────────────────────────────────────────

type CatalogService struct {
	store  domain.CatalogStore
	models *recordstore.Registry
	log    *zap.Logger
}

func NewCatalogService(store domain.CatalogStore, models *recordstore.Registry, log *zap.Logger) *CatalogService {
	return &CatalogService{store: store, models: models, log: log.Named("catalog")}
}

// ProjectDetail is one row of ProjectDetails.
type ProjectDetail struct {
	Name        string   `json:"name"`
	VerboseName string   `json:"verbose_name"`
	Instruments []string `json:"instruments"`
	Records     int64    `json:"records"`
}

// InstrumentDetail is one row of InstrumentDetails.
type InstrumentDetail struct {
	ProjectName  string `json:"project_name"`
	ModelName    string `json:"model_name"`
	VerboseName  string `json:"verbose_name"`
	RecordsCount int64  `json:"records_count"`
}

// InstrumentsFor returns the project's model names in insertion order.
func (s *CatalogService) InstrumentsFor(ctx context.Context, project string) ([]string, error) {
	return s.store.InstrumentsFor(ctx, project)
}

func (s *CatalogService) RecordCount(ctx context.Context, model string) (int64, error) {
	m, err := s.models.Resolve(model)
	if err != nil {
		return 0, err
	}
	n, err := m.Store.Count(ctx, model)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", model, err)
	}
	return n, nil
}

// ProjectDetails lists projects with their instruments and the total
// record count across those instruments. Empty names lists every project.
func (s *CatalogService) ProjectDetails(ctx context.Context, names []string) ([]ProjectDetail, error) {
	projects, err := s.store.ListProjects(ctx, names)
	if err != nil {
		return nil, err
	}
	out := make([]ProjectDetail, 0, len(projects))
	for _, p := range projects {
		instruments, err := s.store.InstrumentsFor(ctx, p.Name)
		if err != nil {
			return nil, err
		}
		d := ProjectDetail{Name: p.Name, VerboseName: p.VerboseName, Instruments: instruments}
		for _, model := range instruments {
			n, err := s.RecordCount(ctx, model)
			if err != nil {
				return nil, err
			}
			d.Records += n
		}
		if d.Instruments == nil {
			d.Instruments = []string{}
		}
		out = append(out, d)
	}
	return out, nil
}

// InstrumentDetails lists every instrument of the named projects.
func (s *CatalogService) InstrumentDetails(ctx context.Context, projects []string) ([]InstrumentDetail, error) {
	var out []InstrumentDetail
	for _, project := range projects {
		instruments, err := s.store.InstrumentsFor(ctx, project)
		if err != nil {
			return nil, err
		}
		for _, model := range instruments {
			m, err := s.models.Resolve(model)
			if err != nil {
				return nil, err
			}
			n, err := m.Store.Count(ctx, model)
			if err != nil {
				return nil, fmt.Errorf("count %s: %w", model, err)
			}
			label := m.Schema.Label
			if label == "" {
				label = model
			}
			out = append(out, InstrumentDetail{
				ProjectName:  project,
				ModelName:    model,
				VerboseName:  label,
				RecordsCount: n,
			})
		}
	}
	return out, nil
}

// ModelFields returns the ordered schema of a registered model.
func (s *CatalogService) ModelFields(model string) (*domain.ModelSchema, error) {
	m, err := s.models.Resolve(model)
	if err != nil {
		return nil, err
	}
	return m.Schema, nil
}

// Preview limits.
const (
	DefaultPreviewLimit = 100
	MaxPreviewLimit     = 1000
)

// ModelPreview is the first records of a model, reduced to the selected
// fields. Fields always starts with record_id.
type ModelPreview struct {
	Model   string               `json:"model"`
	Fields  []string             `json:"fields"`
	Records []recordstore.Record `json:"records"`
}

// PreviewModel returns up to limit records of model holding only fields,
// ordered by record_id. Empty fields selects every field; a field the model
// does not define is rejected.
func (s *CatalogService) PreviewModel(ctx context.Context, model string, fields []string, limit int) (*ModelPreview, error) {
	m, err := s.models.Resolve(model)
	if err != nil {
		return nil, err
	}
	for _, f := range fields {
		if _, ok := m.Schema.Field(f); !ok {
			return nil, apperr.Invalid("model %s has no field %q", model, f)
		}
	}
	switch {
	case limit <= 0:
		limit = DefaultPreviewLimit
	case limit > MaxPreviewLimit:
		limit = MaxPreviewLimit
	}

	recs, err := m.Store.Query(ctx, model, fields, 0, limit)
	if err != nil {
		return nil, fmt.Errorf("preview %s: %w", model, err)
	}
	if recs == nil {
		recs = []recordstore.Record{}
	}
	return &ModelPreview{
		Model:   model,
		Fields:  append([]string{domain.RecordIDField}, m.Schema.Project(fields)...),
		Records: recs,
	}, nil
}

// LoadCatalogResult counts what LoadCatalog changed.
type LoadCatalogResult struct {
	Projects         int `json:"projects"`
	InstrumentsAdded int `json:"instrumentsAdded"`
}

// LoadCatalog upserts the project seed and adds missing instruments.
// Running it again changes nothing.
func (s *CatalogService) LoadCatalog(ctx context.Context, seed []config.ProjectSeed) (*LoadCatalogResult, error) {
	res := &LoadCatalogResult{}
	for _, p := range seed {
		if err := s.store.UpsertProject(ctx, domain.Project{Name: p.Name, VerboseName: p.VerboseName}); err != nil {
			return res, err
		}
		res.Projects++
		for _, form := range p.Instruments {
			added, err := s.store.AddInstrument(ctx, domain.Instrument{FormName: form, RelatedProject: p.Name})
			if err != nil {
				return res, err
			}
			if added {
				res.InstrumentsAdded++
			}
		}
	}
	s.log.Info("catalog loaded",
		zap.Int("projects", res.Projects),
		zap.Int("instruments_added", res.InstrumentsAdded))
	return res, nil
}
