package redcap

import (
	"strings"

	"datacore/internal/domain"
)

// SchemaFromMetadata builds the model schema of one instrument from the
// project data dictionary. Descriptive and calculated display fields are skipped.
func SchemaFromMetadata(form string, meta []FieldMeta) *domain.ModelSchema {
	schema := &domain.ModelSchema{
		Name:    strings.ReplaceAll(form, "_", ""),
		Label:   form,
		Backend: domain.BackendDocuments,
		Fields:  []domain.FieldSpec{{Name: domain.RecordIDField, Type: domain.FieldString}},
	}
	for _, m := range meta {
		if m.FormName != form || m.FieldName == domain.RecordIDField {
			continue
		}
		t, ok := fieldType(m)
		if !ok {
			continue
		}
		schema.Fields = append(schema.Fields, domain.FieldSpec{
			Name:     m.FieldName,
			Type:     t,
			Nullable: m.Required != "y",
			Label:    m.FieldLabel,
		})
	}
	return schema
}

func fieldType(m FieldMeta) (domain.FieldType, bool) {
	switch m.FieldType {
	case "descriptive":
		return "", false
	case "checkbox", "radio", "dropdown", "yesno", "truefalse":
		return domain.FieldChoice, true
	case "file":
		return domain.FieldFile, true
	case "calc":
		return domain.FieldDecimal, true
	case "text":
		switch {
		case strings.HasPrefix(m.Validation, "datetime"):
			return domain.FieldDatetime, true
		case strings.HasPrefix(m.Validation, "date"):
			return domain.FieldDate, true
		case m.Validation == "integer":
			return domain.FieldInteger, true
		case m.Validation == "number" || strings.HasPrefix(m.Validation, "number_"):
			return domain.FieldDecimal, true
		}
	}
	return domain.FieldString, true
}
