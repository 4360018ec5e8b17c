package etl

import "strings"

// ── Choice groups ──────────────────────────────────────────
// Checkbox exports arrive as one column per option, "base___option",
// holding "1" when selected. They fold back into a single "base" field
// whose value is the ", "-joined list of selected options.

const (
	choiceSeparator = "___"
	choiceSelected  = "1"
	choiceJoin      = ", "
)

// DecodeChoice folds a base___option column into rec. It returns false for
// keys that are not part of a choice group; the caller assigns those itself.
func DecodeChoice(key, value string, rec *OrderedRecord) bool {
	base, option, ok := strings.Cut(key, choiceSeparator)
	if !ok {
		return false
	}
	option = strings.TrimSpace(option)

	current, seen := rec.Get(base)
	if value != choiceSelected || option == "" {
		if !seen {
			rec.Set(base, nil)
		}
		return true
	}

	existing, _ := current.(string)
	if existing == "" {
		rec.Set(base, option)
		return true
	}
	for _, o := range strings.Split(existing, choiceJoin) {
		if o == option {
			return true
		}
	}
	rec.Set(base, existing+choiceJoin+option)
	return true
}

// DecodeRow builds a record from one CSV row, folding choice groups in column order.
// Missing trailing cells are treated as empty.
func DecodeRow(headers, row []string) *OrderedRecord {
	rec := NewOrderedRecord()
	for i, h := range headers {
		var v string
		if i < len(row) {
			v = row[i]
		}
		if DecodeChoice(h, v, rec) {
			continue
		}
		rec.Set(h, v)
	}
	return rec
}
