package domain

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
)

// ExportFormat is the serialization of an export file.
type ExportFormat string

const (
	FormatCSV  ExportFormat = "csv"
	FormatXLSX ExportFormat = "xlsx"
)

// ParseExportFormat accepts "csv", "xlsx", and the legacy alias "excel".
func ParseExportFormat(s string) (ExportFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "csv":
		return FormatCSV, nil
	case "xlsx", "excel":
		return FormatXLSX, nil
	}
	return "", fmt.Errorf("unsupported export format %q", s)
}

// Ext returns the file extension without a dot.
func (f ExportFormat) Ext() string { return string(f) }

// ContentType returns the MIME type used for downloads.
func (f ExportFormat) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv; charset=utf-8"
}

// ExportJob is the persisted record of one export request.
//
// It is created pending at submission and only flips to Completed once the
// file has been written. A failed job stays pending with Error set.
type ExportJob struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	FileName        string       `json:"fileName"`
	Requester       string       `json:"requester"`
	Emails          []string     `json:"emails"`
	Format          ExportFormat `json:"format"`
	Models          []string     `json:"models"`
	Fields          []string     `json:"fields,omitempty"`
	RecordIDs       []string     `json:"recordIds,omitempty"`
	StartedAt       time.Time    `json:"startedAt"`
	CompletedAt     *time.Time   `json:"completedAt,omitempty"`
	DurationMinutes float64      `json:"durationMinutes"`
	Completed       bool         `json:"completed"`
	FileKey         string       `json:"fileKey"`
	SizeBytes       int64        `json:"sizeBytes"`
	Warnings        []string     `json:"warnings,omitempty"`
	Error           string       `json:"error,omitempty"`
}

// Status is the display status of the job.
func (j *ExportJob) Status() string {
	switch {
	case j.Completed:
		return "ready"
	case j.Error != "":
		return "failed"
	default:
		return "pending"
	}
}

// DurationMinutes returns the elapsed minutes between start and end rounded to 2 places.
func DurationMinutes(start, end time.Time) float64 {
	return math.Round(end.Sub(start).Minutes()*100) / 100
}

// ExportJobStore persists export jobs.
type ExportJobStore interface {
	Create(ctx context.Context, job *ExportJob) error
	Get(ctx context.Context, id string) (*ExportJob, error)
	List(ctx context.Context, limit int) ([]ExportJob, error)
	MarkCompleted(ctx context.Context, id string, completedAt time.Time, fileKey string, size int64) error
	MarkFailed(ctx context.Context, id string, errMsg string) error
	AppendWarnings(ctx context.Context, id string, warnings []string) error
}
