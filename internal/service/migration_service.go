package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"datacore/internal/config"
	"datacore/internal/domain"
	"datacore/internal/etl"
	"datacore/internal/etl/sources"
	"datacore/internal/recordstore"
)

// ─────────────────────────────────────────────────────────────
// Migration Service — numbered per-project models → unified models
// ─────────────────────────────────────────────────────────────

type MigrationService struct {
	catalog *config.Catalog
	engine  *etl.Engine
	runs    domain.JobRunStore
	log     *zap.Logger
}

func NewMigrationService(catalog *config.Catalog, models *recordstore.Registry, runs domain.JobRunStore, log *zap.Logger) *MigrationService {
	return &MigrationService{
		catalog: catalog,
		engine: &etl.Engine{
			Sources: etl.NewRegistry(sources.NewModel(models)),
			Dest:    &etl.RecordStoreWriter{Models: models},
		},
		runs: runs,
		log:  log.Named("migrate"),
	}
}

// MigrationResult is the outcome of one source model copy.
type MigrationResult struct {
	Source   string   `json:"source"`
	Target   string   `json:"target"`
	Project  string   `json:"project"`
	Read     int      `json:"read"`
	Written  int      `json:"written"`
	Skipped  int      `json:"skipped"`
	Warnings []string `json:"warnings,omitempty"`
}

// Migrate copies every source model of every plan into its target. Field
// names are mapped, values coerced to the target schema, project stamped,
// and records inserted only when absent, so running it again is a no-op.
func (s *MigrationService) Migrate(ctx context.Context) ([]MigrationResult, error) {
	var out []MigrationResult
	for _, plan := range s.catalog.Migrations {
		mapping := s.catalog.FieldMapping(plan)
		for _, src := range plan.Sources {
			res, err := s.copy(ctx, plan, src, mapping)
			if err != nil {
				return out, err
			}
			out = append(out, res)
		}
	}
	return out, nil
}

func (s *MigrationService) copy(ctx context.Context, plan config.MigrationPlan, src config.MigrationSource, mapping map[string]string) (MigrationResult, error) {
	target := plan.Target
	configured, err := etl.BuildTransformers(plan.Transforms)
	if err != nil {
		return MigrationResult{Source: src.Model, Target: target, Project: src.Project}, fmt.Errorf("migrate %s to %s: %w", src.Model, target, err)
	}
	transforms := append([]etl.Transformer{&etl.RenameTransform{Mapping: mapping}}, configured...)
	transforms = append(transforms, &etl.StampTransform{Values: map[string]any{"project": src.Project}})

	job := &etl.SyncJob{
		ID:         uuid.New().String(),
		Name:       src.Model + ":" + target,
		SourceType: "record_model",
		SourceCfg:  etl.SourceConfig{"model": src.Model},
		Transforms: transforms,
		Targets:    []string{target},
		Mode:       etl.WriteInsertIfAbsent,
	}
	started := time.Now().UTC()
	sr, err := s.engine.RunSync(ctx, job)

	res := MigrationResult{Source: src.Model, Target: target, Project: src.Project}
	run := &domain.JobRun{
		Kind:       domain.JobMigrate,
		Name:       job.Name,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
		Status:     domain.RunSuccess,
	}
	if sr != nil {
		res.Read, res.Written, res.Skipped, res.Warnings = sr.RowsRead, sr.RowsWritten, sr.Skipped, sr.Warnings
		run.RowsRead, run.RowsWritten, run.Warnings = sr.RowsRead, sr.RowsWritten, sr.Warnings
	}
	if err != nil {
		run.Status, run.Error = domain.RunError, err.Error()
	}
	if s.runs != nil {
		if rerr := s.runs.CreateRun(context.WithoutCancel(ctx), run); rerr != nil {
			s.log.Error("record migration run", zap.String("job", job.Name), zap.Error(rerr))
		}
	}
	if err != nil {
		return res, fmt.Errorf("migrate %s to %s: %w", src.Model, target, err)
	}
	s.log.Info("model migrated",
		zap.String("source", src.Model),
		zap.String("target", target),
		zap.Int("written", res.Written),
		zap.Int("skipped", res.Skipped))
	return res, nil
}
