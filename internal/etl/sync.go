package etl

import (
	"context"
	"fmt"
	"time"
)

// ── SyncJob ────────────────────────────────────────────────
// Orchestrates: source.Read → transform chain → destination.Write.
//
// Pattern: Airbyte sync / Singer tap→target pipeline.

// SyncJob holds the configuration for a single sync run.
type SyncJob struct {
	ID   string
	Name string

	// Source, when set, is used instead of looking SourceType up in the registry.
	// Sources holding per-run state (warnings) are passed this way.
	SourceType string
	Source     Source
	SourceCfg  SourceConfig

	Transforms []Transformer
	Targets    []string
	Mode       WriteMode

	// Resume skips record ids already present in every target.
	Resume bool

	// BatchSize is the number of records written per destination call.
	BatchSize int
}

// SyncResult is the outcome of running a sync job.
type SyncResult struct {
	JobID       string        `json:"jobId"`
	Status      string        `json:"status"` // "success" | "error"
	RowsRead    int           `json:"rowsRead"`
	RowsWritten int           `json:"rowsWritten"`
	Skipped     int           `json:"skipped"`
	Excluded    int           `json:"excluded"`
	Warnings    []string      `json:"warnings,omitempty"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}

const defaultBatchSize = 500

// ── Engine ─────────────────────────────────────────────────

// Engine runs sync jobs using the registered sources and a destination.
type Engine struct {
	Sources *Registry
	Dest    Destination
}

// RunSync executes a sync job end-to-end.
func (e *Engine) RunSync(ctx context.Context, job *SyncJob) (*SyncResult, error) {
	start := time.Now()
	result := &SyncResult{JobID: job.ID}
	fail := func(stage string, err error) (*SyncResult, error) {
		result.Status = "error"
		result.Error = fmt.Sprintf("%s: %s", stage, err)
		result.Duration = time.Since(start)
		return result, fmt.Errorf("%s: %w", stage, err)
	}

	// 1. Resolve source.
	source := job.Source
	if source == nil {
		s, err := e.Sources.Get(job.SourceType)
		if err != nil {
			return fail("source", err)
		}
		source = s
	}

	cfg := SourceConfig{}
	for k, v := range job.SourceCfg {
		cfg[k] = v
	}

	// 2. Discover schema; fails fast on a missing file or bad credentials.
	if _, err := source.Discover(ctx, cfg); err != nil {
		return fail("discover", err)
	}

	// 3. Resume: ids already in every target are not read again.
	transformers := job.Transforms
	if job.Resume {
		existing, err := e.Dest.ExistingIDs(ctx, job.Targets)
		if err != nil {
			return fail("resume", err)
		}
		cfg[ConfigExcludeIDs] = existing
		exclude := NewExcludeIDsTransform(existing)
		transformers = append([]Transformer{TransformerFunc(func(r Record) (Record, bool) {
			r, keep := exclude.Transform(r)
			if !keep {
				result.Excluded++
			}
			return r, keep
		})}, transformers...)
	}

	batchSize := job.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	// 4. Read, transform, write in batches.
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	recCh, errCh := source.Read(readCtx, cfg)

	var total WriteResult
	batch := make([]Record, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		res, err := e.Dest.Write(ctx, job.Targets, batch, job.Mode)
		total.merge(res)
		batch = batch[:0]
		return err
	}

	for rec := range recCh {
		result.RowsRead++
		transformed, keep := ApplyTransformers(rec, transformers)
		if !keep {
			continue
		}
		batch = append(batch, transformed)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				cancel()
				for range recCh {
				}
				result.RowsWritten = total.Written
				return fail("write", err)
			}
		}
	}

	if err := <-errCh; err != nil {
		result.RowsWritten = total.Written
		return fail("read", err)
	}
	// Sources stop quietly on cancellation; a cut-short read is not a success.
	if err := ctx.Err(); err != nil {
		result.RowsWritten = total.Written
		return fail("read", err)
	}
	if err := flush(); err != nil {
		result.RowsWritten = total.Written
		return fail("write", err)
	}

	if ws, ok := source.(WarningSource); ok {
		for _, w := range ws.Warnings() {
			total.warn("%s", w)
		}
	}
	if total.Dropped > 0 {
		total.Warnings = append(total.Warnings, fmt.Sprintf("%d more warnings not shown", total.Dropped))
	}

	result.Status = "success"
	result.RowsWritten = total.Written
	result.Skipped = total.Skipped
	result.Warnings = total.Warnings
	result.Duration = time.Since(start)
	return result, nil
}

// Preview executes only the source read phase and returns up to maxRows records.
func (e *Engine) Preview(ctx context.Context, sourceType string, cfg SourceConfig, maxRows int) ([]Record, *Schema, error) {
	source, err := e.Sources.Get(sourceType)
	if err != nil {
		return nil, nil, err
	}

	schema, err := source.Discover(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("discover: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	recCh, errCh := source.Read(ctx, cfg)

	var records []Record
	truncated := false
	for rec := range recCh {
		records = append(records, rec)
		if len(records) >= maxRows {
			truncated = true
			break
		}
	}

	// Stop the source and drain what it already produced.
	if truncated {
		cancel()
		go func() {
			for range recCh {
			}
		}()
	}
	if err := <-errCh; err != nil && !truncated {
		return records, schema, err
	}

	return records, schema, nil
}
