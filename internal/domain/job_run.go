package domain

import (
	"context"
	"time"
)

// JobKind identifies the kind of background unit a run belongs to.
type JobKind string

const (
	JobIngest  JobKind = "ingest"
	JobPull    JobKind = "pull"
	JobExport  JobKind = "export"
	JobMigrate JobKind = "migrate"
)

// Run statuses.
const (
	RunRunning     = "running"
	RunSuccess     = "success"
	RunError       = "error"
	RunRescheduled = "rescheduled"
)

// JobRun is the history entry of one background run.
type JobRun struct {
	ID          string    `json:"id"`
	Kind        JobKind   `json:"kind"`
	Name        string    `json:"name"`
	Attempt     int       `json:"attempt"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
	Status      string    `json:"status"`
	RowsRead    int       `json:"rowsRead"`
	RowsWritten int       `json:"rowsWritten"`
	Warnings    []string  `json:"warnings,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// JobRunStore persists run history.
type JobRunStore interface {
	CreateRun(ctx context.Context, run *JobRun) error
	ListRuns(ctx context.Context, kind JobKind, name string, limit int) ([]JobRun, error)
}
