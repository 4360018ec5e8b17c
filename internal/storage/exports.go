package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"datacore/internal/apperr"
	"datacore/internal/domain"
)

// maxJobWarnings caps the warnings kept on one export job.
const maxJobWarnings = 500

// ExportStore implements domain.ExportJobStore.
type ExportStore struct {
	db *DB
}

// NewExportStore creates a new ExportStore.
func NewExportStore(db *DB) *ExportStore {
	return &ExportStore{db: db}
}

const exportColumns = `id, name, file_name, requester, emails_json, format, models_json, fields_json,
	record_ids_json, started_at, completed_at, duration_minutes, completed, file_key, size_bytes,
	warnings_json, error`

func (s *ExportStore) Create(ctx context.Context, job *domain.ExportJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.StartedAt.IsZero() {
		job.StartedAt = time.Now().UTC()
	}
	_, err := s.db.conn.ExecContext(ctx,
		`INSERT INTO export_jobs (id, name, file_name, requester, emails_json, format, models_json,
		 fields_json, record_ids_json, started_at, completed, warnings_json, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '[]', '')`,
		job.ID, job.Name, job.FileName, job.Requester, toJSON(job.Emails), string(job.Format),
		toJSON(job.Models), toJSON(job.Fields), toJSON(job.RecordIDs), job.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("create export job: %w", err)
	}
	return nil
}

func (s *ExportStore) Get(ctx context.Context, id string) (*domain.ExportJob, error) {
	row := s.db.conn.QueryRowContext(ctx, `SELECT `+exportColumns+` FROM export_jobs WHERE id = ?`, id)
	job, err := scanExport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("export job %s", id)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// List returns the most recent jobs first.
func (s *ExportStore) List(ctx context.Context, limit int) ([]domain.ExportJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT `+exportColumns+` FROM export_jobs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.ExportJob
	for rows.Next() {
		job, err := scanExport(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (s *ExportStore) MarkCompleted(ctx context.Context, id string, completedAt time.Time, fileKey string, size int64) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.db.conn.ExecContext(ctx,
		`UPDATE export_jobs SET completed = 1, completed_at = ?, duration_minutes = ?,
		 file_key = ?, size_bytes = ?, error = '' WHERE id = ?`,
		completedAt, domain.DurationMinutes(job.StartedAt, completedAt), fileKey, size, id,
	)
	return err
}

// MarkFailed records errMsg; the job stays incomplete.
func (s *ExportStore) MarkFailed(ctx context.Context, id string, errMsg string) error {
	res, err := s.db.conn.ExecContext(ctx, `UPDATE export_jobs SET error = ? WHERE id = ?`, errMsg, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("export job %s", id)
	}
	return nil
}

func (s *ExportStore) AppendWarnings(ctx context.Context, id string, warnings []string) error {
	if len(warnings) == 0 {
		return nil
	}
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	all := append(job.Warnings, warnings...)
	if len(all) > maxJobWarnings {
		all = all[:maxJobWarnings]
	}
	_, err = s.db.conn.ExecContext(ctx, `UPDATE export_jobs SET warnings_json = ? WHERE id = ?`, toJSON(all), id)
	return err
}

// ── Helpers ────────────────────────────────────────────────

type scanner interface {
	Scan(dest ...any) error
}

func scanExport(sc scanner) (*domain.ExportJob, error) {
	var (
		job                                   domain.ExportJob
		emails, models, fields, ids, warnings string
		format                                string
		completedAt                           sql.NullTime
	)
	if err := sc.Scan(
		&job.ID, &job.Name, &job.FileName, &job.Requester, &emails, &format, &models, &fields,
		&ids, &job.StartedAt, &completedAt, &job.DurationMinutes, &job.Completed, &job.FileKey,
		&job.SizeBytes, &warnings, &job.Error,
	); err != nil {
		return nil, err
	}
	job.Format = domain.ExportFormat(format)
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	fromJSON(emails, &job.Emails)
	fromJSON(models, &job.Models)
	fromJSON(fields, &job.Fields)
	fromJSON(ids, &job.RecordIDs)
	fromJSON(warnings, &job.Warnings)
	return &job, nil
}

func toJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return "[]"
	}
	return string(b)
}

func fromJSON(s string, v any) {
	if s == "" {
		return
	}
	_ = json.Unmarshal([]byte(s), v)
}
