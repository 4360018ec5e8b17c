package etl

import (
	"fmt"
	"strings"
)

// ── Transformer ────────────────────────────────────────────
// Transformers modify records in-flight between source and destination.
// Each takes a record and returns a (possibly modified) record and whether
// to keep it.
//
// Pattern: Benthos processor chain.

// Transformer processes a single record.
// Returns (transformed record, keep). If keep is false, the record is dropped.
type Transformer interface {
	Transform(Record) (Record, bool)
}

// TransformerFunc adapts a plain function to the Transformer interface.
type TransformerFunc func(Record) (Record, bool)

func (f TransformerFunc) Transform(r Record) (Record, bool) { return f(r) }

// TransformConfig is a declarative transform definition, read from the catalog file.
type TransformConfig struct {
	Type   string         `json:"type" yaml:"type"` // "filter" | "rename" | "select" | "default" | "stamp" | "dedupe"
	Config map[string]any `json:"config" yaml:"config"`
}

// ── Built-in Transforms ────────────────────────────────────

// FilterTransform drops records where the given field does not match the value.
type FilterTransform struct {
	Field string
	Op    string // "eq" | "neq" | "contains" | "present"
	Value any
}

func (t *FilterTransform) Transform(r Record) (Record, bool) {
	v, ok := r.Data[t.Field]
	if !ok {
		return r, false
	}
	switch t.Op {
	case "eq":
		return r, fmt.Sprint(v) == fmt.Sprint(t.Value)
	case "neq":
		return r, fmt.Sprint(v) != fmt.Sprint(t.Value)
	case "contains":
		return r, strings.Contains(fmt.Sprint(v), fmt.Sprint(t.Value))
	case "present":
		return r, v != nil && fmt.Sprint(v) != ""
	default:
		return r, true
	}
}

// RenameTransform renames fields in a record. A target that already holds
// a value is overwritten.
type RenameTransform struct {
	Mapping map[string]string // oldName → newName
}

func (t *RenameTransform) Transform(r Record) (Record, bool) {
	for old, to := range t.Mapping {
		if v, ok := r.Data[old]; ok {
			r.Data[to] = v
			delete(r.Data, old)
		}
	}
	return r, true
}

// SelectTransform keeps only the specified fields. record_id is always kept.
type SelectTransform struct {
	Fields []string
}

func (t *SelectTransform) Transform(r Record) (Record, bool) {
	filtered := make(map[string]any, len(t.Fields)+1)
	if id, ok := r.Data["record_id"]; ok {
		filtered["record_id"] = id
	}
	for _, f := range t.Fields {
		if v, ok := r.Data[f]; ok {
			filtered[f] = v
		}
	}
	r.Data = filtered
	return r, true
}

// DefaultValueTransform fills fields that are missing or empty.
type DefaultValueTransform struct {
	Defaults map[string]any
}

func (t *DefaultValueTransform) Transform(r Record) (Record, bool) {
	for k, v := range t.Defaults {
		cur, ok := r.Data[k]
		if !ok || cur == nil || cur == "" {
			r.Data[k] = v
		}
	}
	return r, true
}

// StampTransform sets constant fields on every record, e.g. project.
type StampTransform struct {
	Values map[string]any
}

func (t *StampTransform) Transform(r Record) (Record, bool) {
	for k, v := range t.Values {
		r.Data[k] = v
	}
	return r, true
}

// DedupeTransform drops records with duplicate values for the given key.
type DedupeTransform struct {
	Key  string
	seen map[string]bool
}

func NewDedupeTransform(key string) *DedupeTransform {
	return &DedupeTransform{Key: key, seen: make(map[string]bool)}
}

func (t *DedupeTransform) Transform(r Record) (Record, bool) {
	v := fmt.Sprint(r.Data[t.Key])
	if t.seen[v] {
		return r, false
	}
	t.seen[v] = true
	return r, true
}

// ExcludeIDsTransform drops records whose record_id is in the set.
type ExcludeIDsTransform struct {
	IDs map[string]struct{}
}

func NewExcludeIDsTransform(ids []string) *ExcludeIDsTransform {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return &ExcludeIDsTransform{IDs: set}
}

func (t *ExcludeIDsTransform) Transform(r Record) (Record, bool) {
	_, skip := t.IDs[r.RecordID()]
	return r, !skip
}

// ── Helpers ────────────────────────────────────────────────

// ApplyTransformers runs a chain of transformers on a record.
func ApplyTransformers(r Record, ts []Transformer) (Record, bool) {
	for _, t := range ts {
		var keep bool
		r, keep = t.Transform(r)
		if !keep {
			return r, false
		}
	}
	return r, true
}

// BuildTransformers converts declarative TransformConfig into Transformer
// instances. An unknown type or a config missing its required keys is an
// error. Transformers hold per-run state (dedupe), so build a fresh chain
// for every run.
func BuildTransformers(configs []TransformConfig) ([]Transformer, error) {
	ts := make([]Transformer, 0, len(configs))

	for i, tc := range configs {
		bad := func(msg string) error {
			return fmt.Errorf("transform %d (%s): %s", i, tc.Type, msg)
		}
		switch tc.Type {
		case "filter":
			field, _ := tc.Config["field"].(string)
			op, _ := tc.Config["op"].(string)
			if field == "" || op == "" {
				return nil, bad("field and op are required")
			}
			switch op {
			case "eq", "neq", "contains", "present":
			default:
				return nil, bad("unknown op " + op)
			}
			ts = append(ts, &FilterTransform{Field: field, Op: op, Value: tc.Config["value"]})

		case "rename":
			m := stringMap(tc.Config["mapping"])
			if len(m) == 0 {
				return nil, bad("mapping is required")
			}
			ts = append(ts, &RenameTransform{Mapping: m})

		case "select":
			fields, ok := tc.Config["fields"].([]any)
			if !ok || len(fields) == 0 {
				return nil, bad("fields is required")
			}
			ff := make([]string, 0, len(fields))
			for _, f := range fields {
				ff = append(ff, fmt.Sprint(f))
			}
			ts = append(ts, &SelectTransform{Fields: ff})

		case "default", "stamp":
			m := anyMap(tc.Config["values"])
			if len(m) == 0 {
				return nil, bad("values is required")
			}
			if tc.Type == "stamp" {
				ts = append(ts, &StampTransform{Values: m})
			} else {
				ts = append(ts, &DefaultValueTransform{Defaults: m})
			}

		case "dedupe":
			key, _ := tc.Config["key"].(string)
			if key == "" {
				key = "record_id"
			}
			ts = append(ts, NewDedupeTransform(key))

		default:
			return nil, bad("unknown transform type")
		}
	}
	return ts, nil
}

func anyMap(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out
	}
	return nil
}

func stringMap(v any) map[string]string {
	m := anyMap(v)
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, s := range m {
		out[k] = fmt.Sprint(s)
	}
	return out
}
