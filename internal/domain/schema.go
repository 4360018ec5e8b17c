package domain

import "fmt"

// RecordIDField is the key every model record is identified by.
const RecordIDField = "record_id"

// FieldType is the storage type of a model field.
type FieldType string

const (
	FieldString   FieldType = "string"
	FieldInteger  FieldType = "integer"
	FieldDecimal  FieldType = "decimal"
	FieldDate     FieldType = "date"
	FieldDatetime FieldType = "datetime"
	FieldBoolean  FieldType = "boolean"
	FieldChoice   FieldType = "choice" // single option or ", "-joined checkbox group
	FieldFile     FieldType = "file"   // blob key of a downloaded attachment
)

// Valid reports whether t is a known field type.
func (t FieldType) Valid() bool {
	switch t {
	case FieldString, FieldInteger, FieldDecimal, FieldDate, FieldDatetime,
		FieldBoolean, FieldChoice, FieldFile:
		return true
	}
	return false
}

// FieldSpec describes one column of a model.
type FieldSpec struct {
	Name      string    `json:"name" yaml:"name"`
	Type      FieldType `json:"type" yaml:"type"`
	Nullable  bool      `json:"nullable" yaml:"nullable"`
	MaxLength int       `json:"maxLength,omitempty" yaml:"max_length,omitempty"`
	Label     string    `json:"label,omitempty" yaml:"label,omitempty"`
}

// Backend names which record store holds a model.
type Backend string

const (
	BackendRecords   Backend = "records"   // relational record store
	BackendDocuments Backend = "documents" // document collection (REDCap pulls)
)

// ModelSchema is the ordered field list of one logical model (instrument).
type ModelSchema struct {
	Name    string      `json:"name" yaml:"name"`
	Label   string      `json:"label,omitempty" yaml:"label,omitempty"`
	Backend Backend     `json:"backend" yaml:"backend"`
	Fields  []FieldSpec `json:"fields" yaml:"fields"`
}

// FieldNames returns the field names in declaration order, excluding record_id.
func (s *ModelSchema) FieldNames() []string {
	names := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == RecordIDField {
			continue
		}
		names = append(names, f.Name)
	}
	return names
}

// Field looks up a field by name.
func (s *ModelSchema) Field(name string) (FieldSpec, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// Project returns the requested fields this model defines, in requested order.
// An empty request selects every field.
func (s *ModelSchema) Project(requested []string) []string {
	if len(requested) == 0 {
		return s.FieldNames()
	}
	seen := make(map[string]bool, len(requested))
	out := make([]string, 0, len(requested))
	for _, name := range requested {
		if name == RecordIDField || seen[name] {
			continue
		}
		if _, ok := s.Field(name); ok {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// Validate checks the schema for empty or duplicate names and unknown types.
func (s *ModelSchema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("model name is required")
	}
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("model %s: field with empty name", s.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("model %s: duplicate field %s", s.Name, f.Name)
		}
		if !f.Type.Valid() {
			return fmt.Errorf("model %s: field %s has unknown type %q", s.Name, f.Name, f.Type)
		}
		seen[f.Name] = true
	}
	return nil
}
