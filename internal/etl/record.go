package etl

import (
	"fmt"

	"datacore/internal/domain"
)

// ── Record ─────────────────────────────────────────────────
// Common intermediate data format.
// All sources emit Records, all destinations consume Records.

// Field describes a single column reported by a source.
type Field struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Schema describes the shape of records coming from a source.
type Schema struct {
	Fields []Field `json:"fields"`
}

// FieldNames returns an ordered list of field names.
func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Record is a single row of data flowing through the pipeline.
type Record struct {
	Data map[string]any `json:"data"`
}

// RecordID returns the record_id of the row as a string, or "" when missing.
func (r Record) RecordID() string {
	v, ok := r.Data[domain.RecordIDField]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// ── OrderedRecord ──────────────────────────────────────────
// Row under construction; remembers the order keys were first set.

type OrderedRecord struct {
	Keys []string
	Data map[string]any
}

func NewOrderedRecord() *OrderedRecord {
	return &OrderedRecord{Data: map[string]any{}}
}

// Set assigns key, recording its position on first assignment.
func (r *OrderedRecord) Set(key string, v any) {
	if _, ok := r.Data[key]; !ok {
		r.Keys = append(r.Keys, key)
	}
	r.Data[key] = v
}

// Get returns the value at key.
func (r *OrderedRecord) Get(key string) (any, bool) {
	v, ok := r.Data[key]
	return v, ok
}

// Record returns the row as a pipeline Record.
func (r *OrderedRecord) Record() Record {
	return Record{Data: r.Data}
}
