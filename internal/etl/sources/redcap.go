package sources

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"datacore/internal/apperr"
	"datacore/internal/blob"
	"datacore/internal/etl"
	"datacore/internal/metrics"
	"datacore/internal/redcap"
)

// ── REDCap Source ───────────────────────────────────────────
// Pulls one project through the REDCap API. Record ids are listed first,
// ids already loaded are dropped, and the rest are fetched in ascending
// pages. Checkbox groups are folded, file fields are downloaded into the
// blob store, and field names are remapped last.
//
// A page that keeps failing with a retryable status is skipped with a
// warning; any other error aborts the read.

// DefaultPageSize is the number of records fetched per API call.
const DefaultPageSize = 500

// RedcapAPI is the subset of *redcap.Client the source uses.
type RedcapAPI interface {
	ListRecordIDs(ctx context.Context) ([]string, error)
	ExportRecords(ctx context.Context, ids []string) ([]*etl.OrderedRecord, error)
	ExportFile(ctx context.Context, recordID, field string) (*redcap.File, error)
}

// RedcapOptions configure a REDCap source for one run.
type RedcapOptions struct {
	Project    string
	Blobs      blob.Store
	Remap      map[string]string // source field name → stored field name
	FileFields []string          // source field names holding attachments
	PageSize   int
	Logger     *zap.Logger
}

// RedcapSource is a per-run source; it keeps the warnings of its last Read.
type RedcapSource struct {
	api  RedcapAPI
	opts RedcapOptions

	mu       sync.Mutex
	ids      []string
	warnings []string
}

// NewRedcap builds the source for api.
func NewRedcap(api RedcapAPI, opts RedcapOptions) *RedcapSource {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &RedcapSource{api: api, opts: opts}
}

func (s *RedcapSource) Spec() etl.SourceSpec {
	return etl.SourceSpec{
		Type:  "redcap",
		Label: "REDCap Project",
		ConfigFields: []etl.ConfigField{
			{Key: "project", Label: "Project", Type: "string", Required: true},
		},
	}
}

// Discover lists the project's record ids, which also checks the token.
func (s *RedcapSource) Discover(ctx context.Context, cfg etl.SourceConfig) (*etl.Schema, error) {
	ids, err := s.api.ListRecordIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list record ids: %w", err)
	}
	s.mu.Lock()
	s.ids = ids
	s.mu.Unlock()

	schema := &etl.Schema{Fields: []etl.Field{{Name: "record_id", Type: "text"}}}
	for _, f := range s.opts.FileFields {
		schema.Fields = append(schema.Fields, etl.Field{Name: s.rename(f), Type: "file"})
	}
	return schema, nil
}

func (s *RedcapSource) Read(ctx context.Context, cfg etl.SourceConfig) (<-chan etl.Record, <-chan error) {
	out := make(chan etl.Record, 100)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		s.mu.Lock()
		s.warnings = nil
		ids := s.ids
		s.mu.Unlock()

		if ids == nil {
			listed, err := s.api.ListRecordIDs(ctx)
			if err != nil {
				errCh <- fmt.Errorf("list record ids: %w", err)
				return
			}
			ids = listed
		}
		ids = without(ids, excludedIDs(cfg))
		log := s.opts.Logger.With(zap.String("project", s.opts.Project))
		log.Info("pulling records", zap.Int("records", len(ids)), zap.Int("page_size", s.opts.PageSize))

		for start := 0; start < len(ids); start += s.opts.PageSize {
			end := min(start+s.opts.PageSize, len(ids))
			page := ids[start:end]

			rows, err := s.api.ExportRecords(ctx, page)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if apperr.IsTransient(err) {
					metrics.PullPagesTotal.WithLabelValues("skipped").Inc()
					s.warn("page %s..%s skipped: %v", page[0], page[len(page)-1], err)
					log.Warn("page skipped", zap.String("first", page[0]), zap.Int("size", len(page)), zap.Error(err))
					continue
				}
				errCh <- fmt.Errorf("export records %s..%s: %w", page[0], page[len(page)-1], err)
				return
			}
			metrics.PullPagesTotal.WithLabelValues("ok").Inc()

			for _, row := range rows {
				rec := s.prepare(ctx, etl.FoldChoices(row))
				select {
				case out <- rec:
					metrics.RecordsPulledTotal.WithLabelValues(s.opts.Project).Inc()
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, errCh
}

// Warnings returns the non-fatal problems of the last Read.
func (s *RedcapSource) Warnings() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.warnings...)
}

// prepare downloads attachments and applies the remap table.
func (s *RedcapSource) prepare(ctx context.Context, row *etl.OrderedRecord) etl.Record {
	data := row.Record().Data
	id := fmt.Sprint(data["record_id"])

	for _, field := range s.opts.FileFields {
		v, ok := data[field].(string)
		if !ok || v == "" {
			continue
		}
		key, err := s.download(ctx, id, field)
		if err != nil {
			delete(data, field)
			s.warn("record %s: file %s not downloaded: %v", id, field, err)
			continue
		}
		data[field] = key
	}

	if len(s.opts.Remap) == 0 {
		return etl.Record{Data: data}
	}
	renamed := make(map[string]any, len(data))
	for k, v := range data {
		renamed[s.rename(k)] = v
	}
	return etl.Record{Data: renamed}
}

func (s *RedcapSource) download(ctx context.Context, id, field string) (string, error) {
	if s.opts.Blobs == nil {
		return "", fmt.Errorf("no blob store configured")
	}
	f, err := s.api.ExportFile(ctx, id, field)
	if err != nil {
		return "", err
	}
	key := blob.Join("redcap", s.opts.Project, id, field, f.Name)
	if _, err := s.opts.Blobs.Put(ctx, key, bytes.NewReader(f.Data), blob.PutOptions{
		ContentType: f.ContentType,
		Metadata:    map[string]string{"project": s.opts.Project, "record_id": id, "field": field},
		Overwrite:   true,
	}); err != nil {
		return "", err
	}
	return key, nil
}

func (s *RedcapSource) rename(field string) string {
	if to, ok := s.opts.Remap[field]; ok && to != "" {
		return to
	}
	return field
}

func (s *RedcapSource) warn(format string, args ...any) {
	s.mu.Lock()
	s.warnings = append(s.warnings, fmt.Sprintf(format, args...))
	s.mu.Unlock()
}

func excludedIDs(cfg etl.SourceConfig) map[string]bool {
	ids, _ := cfg[etl.ConfigExcludeIDs].([]string)
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func without(ids []string, drop map[string]bool) []string {
	if len(drop) == 0 {
		return ids
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !drop[id] {
			out = append(out, id)
		}
	}
	return out
}
