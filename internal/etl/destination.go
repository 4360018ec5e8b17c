package etl

import (
	"context"
	"fmt"
	"sort"

	"datacore/internal/coerce"
	"datacore/internal/recordstore"
)

// ── Destination ────────────────────────────────────────────
// A Destination writes records into one or more target models.
//
// Pattern: Singer target protocol.

// WriteMode determines how records are written to the destination.
type WriteMode string

const (
	// WriteInsertIfAbsent never touches a record_id already present.
	WriteInsertIfAbsent WriteMode = "insert_if_absent"
	// WriteUpsert inserts by record_id or updates the fields present in the row.
	WriteUpsert WriteMode = "upsert"
)

// maxWarnings caps the warnings kept per write; the rest are only counted.
const maxWarnings = 500

// WriteResult summarizes one Write call.
type WriteResult struct {
	Written  int      `json:"written"`
	Skipped  int      `json:"skipped"`
	Warnings []string `json:"warnings,omitempty"`
	Dropped  int      `json:"droppedWarnings,omitempty"`
}

func (r *WriteResult) warn(format string, args ...any) {
	if len(r.Warnings) >= maxWarnings {
		r.Dropped++
		return
	}
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *WriteResult) merge(o WriteResult) {
	r.Written += o.Written
	r.Skipped += o.Skipped
	for _, w := range o.Warnings {
		r.warn("%s", w)
	}
	r.Dropped += o.Dropped
}

// Destination writes records to target models.
type Destination interface {
	Write(ctx context.Context, targets []string, records []Record, mode WriteMode) (WriteResult, error)
	// ExistingIDs returns the record ids already present in every target.
	ExistingIDs(ctx context.Context, targets []string) ([]string, error)
}

// ── Record store destination ───────────────────────────────

// RecordStoreWriter implements Destination on the model registry. Each record
// is coerced to the target schema before it is written; fields that fail
// coercion are nulled and reported as warnings.
type RecordStoreWriter struct {
	Models *recordstore.Registry
}

func (w *RecordStoreWriter) Write(ctx context.Context, targets []string, records []Record, mode WriteMode) (WriteResult, error) {
	var res WriteResult
	if len(records) == 0 {
		return res, nil
	}

	for _, target := range targets {
		m, err := w.Models.Resolve(target)
		if err != nil {
			return res, err
		}

		for _, rec := range records {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			default:
			}

			id := rec.RecordID()
			if id == "" {
				res.Skipped++
				res.warn("%s: row without record_id skipped", target)
				continue
			}

			data, warnings := coerce.Record(m.Schema, rec.Data)
			for _, werr := range warnings {
				res.warn("%s record %s: %v", target, id, werr)
			}

			switch mode {
			case WriteUpsert:
				if err := m.Store.Upsert(ctx, target, id, data); err != nil {
					return res, fmt.Errorf("write %s: %w", target, err)
				}
				res.Written++
			default:
				inserted, err := m.Store.InsertIfAbsent(ctx, target, id, data)
				if err != nil {
					return res, fmt.Errorf("write %s: %w", target, err)
				}
				if inserted {
					res.Written++
				} else {
					res.Skipped++
				}
			}
		}
	}
	return res, nil
}

func (w *RecordStoreWriter) ExistingIDs(ctx context.Context, targets []string) ([]string, error) {
	if len(targets) == 0 {
		return nil, nil
	}
	counts := map[string]int{}
	for _, target := range targets {
		m, err := w.Models.Resolve(target)
		if err != nil {
			return nil, err
		}
		ids, err := m.Store.ListIDs(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("existing ids %s: %w", target, err)
		}
		for _, id := range ids {
			counts[id]++
		}
	}

	var out []string
	for id, n := range counts {
		if n == len(targets) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}
