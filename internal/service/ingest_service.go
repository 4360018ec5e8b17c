package service

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"datacore/internal/apperr"
	"datacore/internal/config"
	"datacore/internal/domain"
	"datacore/internal/etl"
	"datacore/internal/etl/sources"
	"datacore/internal/metrics"
	"datacore/internal/recordstore"
)

// ─────────────────────────────────────────────────────────────
// Ingest Service — append-only CSV/JSON loads into models
// ─────────────────────────────────────────────────────────────

type IngestService struct {
	catalog *config.Catalog
	models  *recordstore.Registry
	engine  *etl.Engine
	runs    domain.JobRunStore
	queue   *Queue
	emitter EventEmitter
	dir     string
	guard   runningGuard
	log     *zap.Logger
}

// NewIngestService builds the service. dir resolves relative manifest paths.
func NewIngestService(
	catalog *config.Catalog,
	models *recordstore.Registry,
	runs domain.JobRunStore,
	queue *Queue,
	emitter EventEmitter,
	dir string,
	log *zap.Logger,
) *IngestService {
	return &IngestService{
		catalog: catalog,
		models:  models,
		engine: &etl.Engine{
			Sources: etl.NewRegistry(sources.NewCSVFile(), sources.NewJSONFile()),
			Dest:    &etl.RecordStoreWriter{Models: models},
		},
		runs:    runs,
		queue:   queue,
		emitter: emitter,
		dir:     dir,
		log:     log.Named("ingest"),
	}
}

// Dir returns the directory manifest files are read from.
func (s *IngestService) Dir() string { return s.dir }

// Ingest queues a load of path into models.
func (s *IngestService) Ingest(ctx context.Context, path string, models []string) error {
	if err := s.check(path, models); err != nil {
		return err
	}
	return s.queue.Enqueue(Task{Kind: "ingest", Name: filepath.Base(path), Run: func(ctx context.Context) error {
		_, err := s.IngestNow(ctx, path, models)
		return err
	}})
}

// IngestNow loads path into every model. Each (model, record_id) pair is
// inserted once; records already stored are left untouched. The transforms
// of the manifest entry matching path run on every record.
func (s *IngestService) IngestNow(ctx context.Context, path string, models []string) (*etl.SyncResult, error) {
	if err := s.check(path, models); err != nil {
		return nil, err
	}
	var transforms []etl.Transformer
	if entry, ok := s.entryFor(path); ok {
		ts, err := etl.BuildTransformers(entry.Transforms)
		if err != nil {
			return nil, apperr.Invalid("%s: %v", entry.File, err)
		}
		transforms = ts
	}
	path = s.resolve(path)
	if !s.guard.TryLock(path) {
		return nil, apperr.Invalid("%s is already being ingested", filepath.Base(path))
	}
	defer s.guard.Unlock(path)

	job := &etl.SyncJob{
		ID:         uuid.New().String(),
		Name:       filepath.Base(path),
		SourceType: sourceTypeFor(path),
		SourceCfg:  etl.SourceConfig{"filePath": path},
		Transforms: transforms,
		Targets:    models,
		Mode:       etl.WriteInsertIfAbsent,
	}
	started := time.Now().UTC()
	res, err := s.engine.RunSync(ctx, job)

	run := &domain.JobRun{
		Kind:       domain.JobIngest,
		Name:       job.Name,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
		Status:     domain.RunSuccess,
	}
	if res != nil {
		run.RowsRead = res.RowsRead
		run.RowsWritten = res.RowsWritten
		run.Warnings = res.Warnings
		metrics.RecordsIngestedTotal.WithLabelValues("written").Add(float64(res.RowsWritten))
		metrics.RecordsIngestedTotal.WithLabelValues("skipped").Add(float64(res.Skipped))
	}
	if err != nil {
		run.Status = domain.RunError
		run.Error = err.Error()
	}
	if s.runs != nil {
		if rerr := s.runs.CreateRun(context.WithoutCancel(ctx), run); rerr != nil {
			s.log.Error("record ingest run", zap.String("file", job.Name), zap.Error(rerr))
		}
	}
	if err != nil {
		s.log.Error("ingest failed", zap.String("file", job.Name), zap.Error(err))
		return res, err
	}

	s.log.Info("ingest complete",
		zap.String("file", job.Name),
		zap.Strings("models", models),
		zap.Int("rows_read", res.RowsRead),
		zap.Int("rows_written", res.RowsWritten),
		zap.Int("skipped", res.Skipped),
		zap.Int("warnings", len(res.Warnings)))
	s.emitter.Emit(ctx, EventIngestCompleted, map[string]any{
		"file": job.Name, "models": models, "rowsWritten": res.RowsWritten,
	})
	return res, nil
}

// LoadModelData runs every entry of the ingest manifest in order. It stops
// at the first failing file.
func (s *IngestService) LoadModelData(ctx context.Context) ([]*etl.SyncResult, error) {
	var results []*etl.SyncResult
	for _, entry := range s.catalog.Ingest {
		res, err := s.IngestNow(ctx, entry.File, entry.Models)
		if err != nil {
			return results, fmt.Errorf("load %s: %w", entry.File, err)
		}
		results = append(results, res)
	}
	return results, nil
}

// ManifestFor returns the models of the manifest entry whose file matches
// path by base name.
func (s *IngestService) ManifestFor(path string) ([]string, bool) {
	entry, ok := s.entryFor(path)
	return entry.Models, ok
}

func (s *IngestService) entryFor(path string) (config.IngestEntry, bool) {
	base := filepath.Base(path)
	for _, entry := range s.catalog.Ingest {
		if filepath.Base(entry.File) == base {
			return entry, true
		}
	}
	return config.IngestEntry{}, false
}

// FilePreview is the first rows of an ingest file as the source reads them.
type FilePreview struct {
	File    string           `json:"file"`
	Fields  []string         `json:"fields"`
	Records []map[string]any `json:"records"`
}

// Preview reads at most limit rows of path without writing anything.
func (s *IngestService) Preview(ctx context.Context, path string, limit int) (*FilePreview, error) {
	if strings.TrimSpace(path) == "" {
		return nil, apperr.Invalid("file path is required")
	}
	if limit <= 0 {
		limit = DefaultPreviewLimit
	}
	if limit > MaxPreviewLimit {
		limit = MaxPreviewLimit
	}
	path = s.resolve(path)
	recs, schema, err := s.engine.Preview(ctx, sourceTypeFor(path), etl.SourceConfig{"filePath": path}, limit)
	if err != nil {
		return nil, fmt.Errorf("preview %s: %w", filepath.Base(path), err)
	}
	out := &FilePreview{File: filepath.Base(path), Fields: schema.FieldNames(), Records: make([]map[string]any, 0, len(recs))}
	for _, r := range recs {
		out.Records = append(out.Records, r.Data)
	}
	return out, nil
}

func (s *IngestService) check(path string, models []string) error {
	if strings.TrimSpace(path) == "" {
		return apperr.Invalid("file path is required")
	}
	if len(models) == 0 {
		return apperr.Invalid("at least one model is required")
	}
	for _, m := range models {
		if _, err := s.models.Resolve(m); err != nil {
			return apperr.Invalid("unknown model %q", m)
		}
	}
	return nil
}

func (s *IngestService) resolve(path string) string {
	if filepath.IsAbs(path) || s.dir == "" {
		return path
	}
	return filepath.Join(s.dir, path)
}

func sourceTypeFor(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return "json_file"
	}
	return "csv_file"
}
