package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"datacore/internal/domain"
)

// JobRunStore implements persistence for background run history
// (ingest, pull, export, migrate).
type JobRunStore struct {
	db *DB
}

// NewJobRunStore creates a new JobRunStore.
func NewJobRunStore(db *DB) *JobRunStore {
	return &JobRunStore{db: db}
}

func (s *JobRunStore) CreateRun(ctx context.Context, run *domain.JobRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Attempt == 0 {
		run.Attempt = 1
	}
	warnings := run.Warnings
	if len(warnings) > maxJobWarnings {
		warnings = warnings[:maxJobWarnings]
	}
	_, err := s.db.conn.ExecContext(ctx,
		`INSERT INTO job_runs (id, kind, name, attempt, started_at, finished_at, status,
		 rows_read, rows_written, warnings_json, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Kind), run.Name, run.Attempt, run.StartedAt, run.FinishedAt, run.Status,
		run.RowsRead, run.RowsWritten, toJSON(warnings), run.Error,
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// ListRuns returns the newest runs first. An empty kind or name matches all.
func (s *JobRunStore) ListRuns(ctx context.Context, kind domain.JobKind, name string, limit int) ([]domain.JobRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT id, kind, name, attempt, started_at, finished_at, status, rows_read, rows_written,
		 warnings_json, error
		 FROM job_runs
		 WHERE (? = '' OR kind = ?) AND (? = '' OR name = ?)
		 ORDER BY started_at DESC LIMIT ?`,
		string(kind), string(kind), name, name, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.JobRun
	for rows.Next() {
		var r domain.JobRun
		var kindStr, warnings string
		if err := rows.Scan(&r.ID, &kindStr, &r.Name, &r.Attempt, &r.StartedAt, &r.FinishedAt,
			&r.Status, &r.RowsRead, &r.RowsWritten, &warnings, &r.Error); err != nil {
			return nil, err
		}
		r.Kind = domain.JobKind(kindStr)
		fromJSON(warnings, &r.Warnings)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
