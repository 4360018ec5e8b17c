package service

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"datacore/internal/apperr"
	"datacore/internal/blob"
	"datacore/internal/config"
	"datacore/internal/domain"
	"datacore/internal/export"
	"datacore/internal/metrics"
	"datacore/internal/notify"
	"datacore/internal/recordstore"
)

// ─────────────────────────────────────────────────────────────
// Export Service — merge model data into a file in the background
// ─────────────────────────────────────────────────────────────

// excludedModels never take part in an export that names no models.
var excludedModels = map[string]bool{
	"exportfile":      true,
	"projects":        true,
	"instrumentsmeta": true,
}

// ExportRequest is a submitted export. Models and Projects are unioned;
// with neither set every registered model is exported.
type ExportRequest struct {
	Name      string   `json:"name" validate:"required,max=100,excludesall=/\\"`
	Format    string   `json:"format" validate:"omitempty,oneof=csv xlsx excel"`
	Models    []string `json:"models"`
	Projects  []string `json:"projects"`
	Fields    []string `json:"fields"`
	RecordIDs []string `json:"record_ids"`
	Emails    []string `json:"emails" validate:"dive,email"`
	Requester string   `json:"requester"`
}

type ExportOptions struct {
	PageSize int
	Timeout  time.Duration
}

type ExportService struct {
	jobs     domain.ExportJobStore
	catalog  domain.CatalogStore
	models   *recordstore.Registry
	blobs    blob.Store
	queue    *Queue
	notifier notify.Notifier
	emitter  EventEmitter
	opts     ExportOptions
	guard    runningGuard
	log      *zap.Logger
	now      func() time.Time
}

func NewExportService(
	jobs domain.ExportJobStore,
	catalog domain.CatalogStore,
	models *recordstore.Registry,
	blobs blob.Store,
	queue *Queue,
	notifier notify.Notifier,
	emitter EventEmitter,
	opts ExportOptions,
	log *zap.Logger,
) *ExportService {
	if opts.PageSize <= 0 {
		opts.PageSize = export.DefaultPageSize
	}
	return &ExportService{
		jobs:     jobs,
		catalog:  catalog,
		models:   models,
		blobs:    blobs,
		queue:    queue,
		notifier: notifier,
		emitter:  emitter,
		opts:     opts,
		log:      log.Named("export"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ── Submit ─────────────────────────────────────────────────

// Submit validates req, records a pending job and queues it. The returned
// job is the pending record; completion is reported by email.
func (s *ExportService) Submit(ctx context.Context, req ExportRequest) (*domain.ExportJob, error) {
	if err := config.Validate(req); err != nil {
		return nil, err
	}
	format, err := domain.ParseExportFormat(req.Format)
	if err != nil {
		return nil, apperr.Invalid("%v", err)
	}
	models, err := s.resolveModels(ctx, req.Models, req.Projects)
	if err != nil {
		return nil, err
	}

	now := s.now()
	job := &domain.ExportJob{
		Name:      req.Name,
		FileName:  export.FileName(req.Name, now, format),
		Requester: req.Requester,
		Emails:    req.Emails,
		Format:    format,
		Models:    models,
		Fields:    req.Fields,
		RecordIDs: req.RecordIDs,
		StartedAt: now,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, err
	}

	id := job.ID
	if err := s.queue.Enqueue(Task{Kind: "export", Name: id, Run: func(ctx context.Context) error {
		return s.Run(ctx, id)
	}}); err != nil {
		if ferr := s.jobs.MarkFailed(ctx, id, err.Error()); ferr != nil {
			s.log.Error("mark export failed", zap.String("job_id", id), zap.Error(ferr))
		}
		return nil, fmt.Errorf("queue export %s: %w", id, err)
	}

	s.log.Info("export queued",
		zap.String("job_id", id),
		zap.String("name", job.Name),
		zap.String("format", string(format)),
		zap.Strings("models", models))
	return job, nil
}

// resolveModels unions explicit models with the instruments of projects,
// keeping first-seen order.
func (s *ExportService) resolveModels(ctx context.Context, models, projects []string) ([]string, error) {
	var out []string
	seen := map[string]bool{}
	add := func(name string) error {
		if seen[name] || excludedModels[name] {
			return nil
		}
		if _, err := s.models.Resolve(name); err != nil {
			return apperr.Invalid("unknown model %q", name)
		}
		seen[name] = true
		out = append(out, name)
		return nil
	}

	for _, m := range models {
		if err := add(m); err != nil {
			return nil, err
		}
	}
	for _, p := range projects {
		instruments, err := s.catalog.InstrumentsFor(ctx, p)
		if err != nil {
			return nil, err
		}
		if len(instruments) == 0 {
			return nil, apperr.Invalid("project %q has no instruments", p)
		}
		for _, m := range instruments {
			if err := add(m); err != nil {
				return nil, err
			}
		}
	}
	if len(models) == 0 && len(projects) == 0 {
		for _, m := range s.models.Names() {
			_ = add(m)
		}
	}
	if len(out) == 0 {
		return nil, apperr.Invalid("export selects no models")
	}
	return out, nil
}

// ── Run ────────────────────────────────────────────────────

// Run builds the file of job id. It sends exactly one email: ready on
// success, failed otherwise. A failed job stays pending with its error.
// A second Run of a job that is still running returns at once; the running
// one sends the job's email.
func (s *ExportService) Run(ctx context.Context, id string) error {
	if !s.guard.TryLock(id) {
		s.log.Warn("export already running", zap.String("job_id", id))
		return nil
	}
	defer s.guard.Unlock(id)

	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Completed {
		return nil
	}

	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	info, err := s.build(ctx, job)
	metrics.ExportDuration.WithLabelValues(string(job.Format)).Observe(time.Since(start).Seconds())
	if err != nil {
		s.fail(ctx, job, err)
		return err
	}

	completedAt := s.now()
	if err := s.jobs.MarkCompleted(ctx, id, completedAt, info.Key, info.Size); err != nil {
		s.fail(ctx, job, err)
		return err
	}
	job.Completed = true
	job.CompletedAt = &completedAt
	job.FileKey = info.Key
	job.SizeBytes = info.Size

	metrics.ExportJobsTotal.WithLabelValues("ready", string(job.Format)).Inc()
	s.log.Info("export ready",
		zap.String("job_id", id),
		zap.String("file", info.Key),
		zap.Int64("size", info.Size),
		zap.Int("warnings", len(job.Warnings)))
	notify.Deliver(ctx, s.notifier, s.log, exportReadyMessage(job))
	s.emitter.Emit(ctx, EventExportCompleted, map[string]any{
		"jobId": id, "name": job.Name, "fileKey": info.Key, "sizeBytes": info.Size,
	})
	return nil
}

func (s *ExportService) build(ctx context.Context, job *domain.ExportJob) (blob.Info, error) {
	table, err := export.Merge(ctx, s.models, export.MergeRequest{
		Models:    job.Models,
		Fields:    job.Fields,
		RecordIDs: job.RecordIDs,
		PageSize:  s.opts.PageSize,
	})
	if err != nil {
		return blob.Info{}, fmt.Errorf("merge: %w", err)
	}
	if len(table.Warnings) > 0 {
		if err := s.jobs.AppendWarnings(ctx, job.ID, table.Warnings); err != nil {
			return blob.Info{}, err
		}
		job.Warnings = append(job.Warnings, table.Warnings...)
	}

	data, err := export.Serialize(table, job.Format, job.Name)
	if err != nil {
		return blob.Info{}, fmt.Errorf("serialize: %w", err)
	}
	return export.Persist(ctx, s.blobs, job.FileName, data, job.Format)
}

func (s *ExportService) fail(ctx context.Context, job *domain.ExportJob, err error) {
	// The run context may already be cancelled; the failure must still land.
	ctx = context.WithoutCancel(ctx)
	metrics.ExportJobsTotal.WithLabelValues("failed", string(job.Format)).Inc()
	s.log.Error("export failed", zap.String("job_id", job.ID), zap.Error(err))
	if merr := s.jobs.MarkFailed(ctx, job.ID, err.Error()); merr != nil {
		s.log.Error("mark export failed", zap.String("job_id", job.ID), zap.Error(merr))
	}
	notify.Deliver(ctx, s.notifier, s.log, exportFailedMessage(job, err))
	s.emitter.Emit(ctx, EventExportFailed, map[string]any{"jobId": job.ID, "name": job.Name, "error": err.Error()})
}

// ── Queries ────────────────────────────────────────────────

func (s *ExportService) Get(ctx context.Context, id string) (*domain.ExportJob, error) {
	return s.jobs.Get(ctx, id)
}

func (s *ExportService) List(ctx context.Context, limit int) ([]domain.ExportJob, error) {
	return s.jobs.List(ctx, limit)
}

// Open returns the stored file of a completed job. The caller closes it.
func (s *ExportService) Open(ctx context.Context, id string) (*domain.ExportJob, io.ReadCloser, error) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !job.Completed || job.FileKey == "" {
		return nil, nil, apperr.NotFound("export %s has no file yet", id)
	}
	_, rc, err := s.blobs.Get(ctx, job.FileKey)
	if err != nil {
		return nil, nil, err
	}
	return job, rc, nil
}

// Dictionary writes the data dictionary CSV of model to w.
func (s *ExportService) Dictionary(model string, w io.Writer) error {
	m, err := s.models.Resolve(model)
	if err != nil {
		return err
	}
	return export.DataDictionary(w, m.Schema)
}

// WaitRunning blocks until running exports finish or ctx is done.
func (s *ExportService) WaitRunning(ctx context.Context) {
	s.guard.WaitAll(ctx)
}
