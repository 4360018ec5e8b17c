// Package export merges model records by record_id and serializes the
// result as CSV or XLSX.
package export

import (
	"context"
	"fmt"

	"datacore/internal/domain"
	"datacore/internal/recordstore"
)

// DefaultPageSize is the number of records read per model query.
const DefaultPageSize = 1000

// MergeRequest selects what to merge. Empty Fields means every field of
// every model; empty RecordIDs means every record.
type MergeRequest struct {
	Models    []string
	Fields    []string
	RecordIDs []string
	PageSize  int
}

// Table is a merged export: one row per record_id in first-seen order.
// Header starts with record_id followed by fields in first-seen order.
type Table struct {
	Header   []string
	Rows     []map[string]any
	Warnings []string
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.Rows) }

// Merge reads every requested model page by page and folds the records into
// one row per record_id. Every model contributes its ids, even when it has
// none of the requested fields. Models are applied in request order: a later
// model overwrites an earlier value for the same field, but an absent or nil
// value never overwrites.
func Merge(ctx context.Context, models *recordstore.Registry, req MergeRequest) (*Table, error) {
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	var only map[string]bool
	if len(req.RecordIDs) > 0 {
		only = make(map[string]bool, len(req.RecordIDs))
		for _, id := range req.RecordIDs {
			only[id] = true
		}
	}

	t := &Table{Header: []string{domain.RecordIDField}}
	inHeader := map[string]bool{domain.RecordIDField: true}
	rows := map[string]map[string]any{}

	for _, name := range req.Models {
		m, err := models.Resolve(name)
		if err != nil {
			return nil, err
		}
		fields := m.Schema.Project(req.Fields)
		queryFields := fields
		if len(fields) == 0 {
			// Only record_id is read so the model's ids still join the union.
			queryFields = []string{domain.RecordIDField}
			if !onlyRecordID(req.Fields) {
				t.Warnings = append(t.Warnings, fmt.Sprintf("model %s has none of the requested fields; only record ids merged", name))
			}
		}
		for _, f := range fields {
			if !inHeader[f] {
				inHeader[f] = true
				t.Header = append(t.Header, f)
			}
		}

		for offset := 0; ; offset += pageSize {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			page, err := m.Store.Query(ctx, name, queryFields, offset, pageSize)
			if err != nil {
				return nil, fmt.Errorf("query %s: %w", name, err)
			}
			for _, rec := range page {
				id := fmt.Sprint(rec[domain.RecordIDField])
				if only != nil && !only[id] {
					continue
				}
				row, ok := rows[id]
				if !ok {
					row = map[string]any{domain.RecordIDField: id}
					rows[id] = row
					t.Rows = append(t.Rows, row)
				}
				for _, f := range fields {
					if v, ok := rec[f]; ok && v != nil {
						row[f] = v
					}
				}
			}
			if len(page) < pageSize {
				break
			}
		}
	}
	return t, nil
}

func onlyRecordID(fields []string) bool {
	for _, f := range fields {
		if f != domain.RecordIDField {
			return false
		}
	}
	return len(fields) > 0
}
