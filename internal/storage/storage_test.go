package storage_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datacore/internal/apperr"
	"datacore/internal/domain"
	"datacore/internal/storage"
)

func openDB(t *testing.T) *storage.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.New(filepath.Join(dir, "meta.db"), filepath.Join(dir, "data"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// ─────────────────────────────────────────────────────────────
// Catalog
// ─────────────────────────────────────────────────────────────

func TestCatalogStore_InstrumentsKeepInsertionOrder(t *testing.T) {
	ctx := context.Background()
	s := storage.NewCatalogStore(openDB(t))

	require.NoError(t, s.UpsertProject(ctx, domain.Project{Name: "tsepamo_2", VerboseName: "Tsepamo 2"}))
	for _, form := range []string{"tsepamotwo", "outcomestwo", "switcheripmstwo", "personalidentifierstwo"} {
		added, err := s.AddInstrument(ctx, domain.Instrument{FormName: form, RelatedProject: "tsepamo_2"})
		require.NoError(t, err)
		assert.True(t, added)
	}
	added, err := s.AddInstrument(ctx, domain.Instrument{FormName: "outcomestwo", RelatedProject: "tsepamo_2"})
	require.NoError(t, err)
	assert.False(t, added)

	got, err := s.InstrumentsFor(ctx, "tsepamo_2")
	require.NoError(t, err)
	assert.Equal(t, []string{"tsepamotwo", "outcomestwo", "switcheripmstwo", "personalidentifierstwo"}, got)

	none, err := s.InstrumentsFor(ctx, "tsepamo_9")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCatalogStore_UpsertAndListProjects(t *testing.T) {
	ctx := context.Background()
	s := storage.NewCatalogStore(openDB(t))

	require.NoError(t, s.UpsertProject(ctx, domain.Project{Name: "tsepamo_1", VerboseName: "old"}))
	require.NoError(t, s.UpsertProject(ctx, domain.Project{Name: "tsepamo_1", VerboseName: "Tsepamo 1"}))
	require.NoError(t, s.UpsertProject(ctx, domain.Project{Name: "tsepamo_2", VerboseName: "Tsepamo 2"}))

	all, err := s.ListProjects(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Tsepamo 1", all[0].VerboseName)

	some, err := s.ListProjects(ctx, []string{"tsepamo_2", "missing"})
	require.NoError(t, err)
	require.Len(t, some, 1)
	assert.Equal(t, "tsepamo_2", some[0].Name)
}

// ─────────────────────────────────────────────────────────────
// Export jobs
// ─────────────────────────────────────────────────────────────

func TestExportStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := storage.NewExportStore(openDB(t))

	start := time.Date(2024, 1, 2, 3, 4, 0, 0, time.UTC)
	job := &domain.ExportJob{
		Name:      "weekly",
		FileName:  "weekly-2024-01-02_03:04.csv",
		Requester: "analyst",
		Emails:    []string{"a@example.org"},
		Format:    domain.FormatCSV,
		Models:    []string{"tsepamoone", "outcomesone"},
		StartedAt: start,
	}
	require.NoError(t, s.Create(ctx, job))
	require.NotEmpty(t, job.ID)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "pending", got.Status())
	assert.Equal(t, []string{"tsepamoone", "outcomesone"}, got.Models)
	assert.Nil(t, got.CompletedAt)

	require.NoError(t, s.AppendWarnings(ctx, job.ID, []string{"model x skipped"}))
	require.NoError(t, s.AppendWarnings(ctx, job.ID, []string{"model y skipped"}))

	done := start.Add(90 * time.Second)
	require.NoError(t, s.MarkCompleted(ctx, job.ID, done, "documents/"+job.FileName, 42))

	got, err = s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "ready", got.Status())
	assert.Equal(t, 1.5, got.DurationMinutes)
	assert.Equal(t, int64(42), got.SizeBytes)
	assert.Equal(t, []string{"model x skipped", "model y skipped"}, got.Warnings)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, done.Equal(*got.CompletedAt))
}

func TestExportStore_MarkFailedKeepsJobPending(t *testing.T) {
	ctx := context.Background()
	s := storage.NewExportStore(openDB(t))

	job := &domain.ExportJob{Name: "n", FileName: "n.csv", Format: domain.FormatCSV}
	require.NoError(t, s.Create(ctx, job))
	require.NoError(t, s.MarkFailed(ctx, job.ID, "disk full"))

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, got.Completed)
	assert.Equal(t, "disk full", got.Error)

	_, err = s.Get(ctx, "missing")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	assert.True(t, errors.Is(s.MarkFailed(ctx, "missing", "x"), apperr.ErrNotFound))
}

func TestExportStore_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := storage.NewExportStore(openDB(t))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, name := range []string{"a", "b", "c"} {
		require.NoError(t, s.Create(ctx, &domain.ExportJob{
			Name: name, FileName: name + ".csv", Format: domain.FormatCSV,
			StartedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}
	jobs, err := s.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "c", jobs[0].Name)
	assert.Equal(t, "b", jobs[1].Name)
}

// ─────────────────────────────────────────────────────────────
// Job runs
// ─────────────────────────────────────────────────────────────

func TestJobRunStore(t *testing.T) {
	ctx := context.Background()
	s := storage.NewJobRunStore(openDB(t))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.CreateRun(ctx, &domain.JobRun{
		Kind: domain.JobPull, Name: "tsepamo_2", StartedAt: base, FinishedAt: base.Add(time.Minute),
		Status: domain.RunRescheduled, Error: "time budget exceeded",
	}))
	require.NoError(t, s.CreateRun(ctx, &domain.JobRun{
		Kind: domain.JobPull, Name: "tsepamo_2", Attempt: 2, StartedAt: base.Add(time.Hour),
		FinishedAt: base.Add(2 * time.Hour), Status: domain.RunSuccess, RowsRead: 10, RowsWritten: 40,
		Warnings: []string{"page 3..3 skipped"},
	}))
	require.NoError(t, s.CreateRun(ctx, &domain.JobRun{
		Kind: domain.JobIngest, Name: "tsepamo.csv", StartedAt: base, FinishedAt: base, Status: domain.RunSuccess,
	}))

	runs, err := s.ListRuns(ctx, domain.JobPull, "tsepamo_2", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, 2, runs[0].Attempt)
	assert.Equal(t, []string{"page 3..3 skipped"}, runs[0].Warnings)
	assert.Equal(t, domain.RunRescheduled, runs[1].Status)

	all, err := s.ListRuns(ctx, "", "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
