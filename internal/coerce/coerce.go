// Package coerce turns raw CSV/API values into typed field values.
package coerce

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"

	"datacore/internal/apperr"
	"datacore/internal/domain"
)

const (
	DateLayout     = "2006-01-02"
	DatetimeLayout = "2006-01-02 15:04"
)

var datetimeLayouts = []string{DatetimeLayout, "2006-01-02 15:04:05", time.RFC3339}

// Value coerces raw into the Go representation of t:
//
//	string, choice, file → string
//	integer              → int64
//	decimal              → decimal.Decimal
//	date, datetime       → time.Time (UTC)
//	boolean              → bool
//
// Empty strings become nil. Re-applying Value to its own output is a no-op.
func Value(raw any, t domain.FieldType) (any, error) {
	if raw == nil {
		return nil, nil
	}
	if b, ok := raw.([]byte); ok {
		raw = string(b)
	}
	if s, ok := raw.(string); ok && strings.TrimSpace(s) == "" {
		return nil, nil
	}
	if d, ok := raw.(bson.Decimal128); ok {
		n, err := NormalizeDecimal(d)
		if err != nil {
			return nil, mismatch(raw, t, err)
		}
		raw = n
	}

	switch t {
	case domain.FieldString, domain.FieldChoice, domain.FieldFile, "":
		return toString(raw), nil
	case domain.FieldInteger:
		return toInt(raw, t)
	case domain.FieldDecimal:
		return toDecimal(raw, t)
	case domain.FieldDate:
		tm, err := toTime(raw, t, []string{DateLayout})
		if err != nil {
			return nil, err
		}
		y, m, d := tm.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	case domain.FieldDatetime:
		tm, err := toTime(raw, t, datetimeLayouts)
		if err != nil {
			return nil, err
		}
		return tm.UTC().Truncate(time.Minute), nil
	case domain.FieldBoolean:
		return toBool(raw, t)
	}
	return nil, mismatch(raw, t, fmt.Errorf("unknown field type"))
}

// Record coerces every schema field present in data. A field that fails
// coercion is set to nil and reported; the rest of the record is kept.
// Keys the schema does not define are dropped.
func Record(schema *domain.ModelSchema, data map[string]any) (map[string]any, []error) {
	out := make(map[string]any, len(schema.Fields)+1)
	var warnings []error

	if id, ok := data[domain.RecordIDField]; ok && id != nil {
		out[domain.RecordIDField] = toString(id)
	}
	for _, f := range schema.Fields {
		if f.Name == domain.RecordIDField {
			continue
		}
		raw, ok := data[f.Name]
		if !ok {
			continue
		}
		v, err := Value(raw, f.Type)
		if err != nil {
			var tm *apperr.TypeMismatchError
			if errors.As(err, &tm) {
				tm.Field = f.Name
			}
			warnings = append(warnings, err)
			v = nil
		}
		out[f.Name] = v
	}
	return out, warnings
}

// NormalizeDecimal converts a document-store Decimal128 into the local decimal type.
func NormalizeDecimal(d bson.Decimal128) (decimal.Decimal, error) {
	bi, exp, err := d.BigInt()
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("decimal128 %s: %w", d.String(), err)
	}
	return decimal.NewFromBigInt(bi, int32(exp)), nil
}

// NormalizeDocument replaces Decimal128 values in a decoded document with decimal.Decimal.
// Values that cannot be represented (NaN, Inf) become nil.
func NormalizeDocument(doc map[string]any) map[string]any {
	for k, v := range doc {
		switch x := v.(type) {
		case bson.Decimal128:
			if n, err := NormalizeDecimal(x); err == nil {
				doc[k] = n
			} else {
				doc[k] = nil
			}
		case bson.DateTime:
			doc[k] = x.Time().UTC()
		}
	}
	return doc
}

// ── Conversions ────────────────────────────────────────────

func mismatch(raw any, t domain.FieldType, cause error) error {
	return &apperr.TypeMismatchError{Type: string(t), Value: raw, Cause: cause}
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case decimal.Decimal:
		return x.String()
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return x.Format(DateLayout)
		}
		return x.Format(DatetimeLayout)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(v)
	}
}

func toInt(v any, t domain.FieldType) (any, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) {
			return nil, mismatch(v, t, fmt.Errorf("fractional value"))
		}
		return int64(x), nil
	case decimal.Decimal:
		if !x.IsInteger() {
			return nil, mismatch(v, t, fmt.Errorf("fractional value"))
		}
		return x.IntPart(), nil
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			return nil, mismatch(v, t, err)
		}
		return n, nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return nil, mismatch(v, t, err)
		}
		return n, nil
	}
	return nil, mismatch(v, t, fmt.Errorf("unsupported %T", v))
}

func toDecimal(v any, t domain.FieldType) (any, error) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, nil
	case int64:
		return decimal.NewFromInt(x), nil
	case int:
		return decimal.NewFromInt(int64(x)), nil
	case float64:
		return decimal.NewFromFloat(x), nil
	case json.Number:
		return parseDecimal(x.String(), v, t)
	case string:
		return parseDecimal(x, v, t)
	}
	return nil, mismatch(v, t, fmt.Errorf("unsupported %T", v))
}

func parseDecimal(s string, raw any, t domain.FieldType) (any, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, mismatch(raw, t, err)
	}
	return d, nil
}

func toTime(v any, t domain.FieldType, layouts []string) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case bson.DateTime:
		return x.Time(), nil
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range layouts {
			if tm, err := time.Parse(layout, s); err == nil {
				return tm, nil
			}
		}
		// A datetime column stored as a bare date is still a valid instant.
		if t == domain.FieldDatetime {
			if tm, err := time.Parse(DateLayout, s); err == nil {
				return tm, nil
			}
		}
		return time.Time{}, mismatch(v, t, fmt.Errorf("expected layout %s", layouts[0]))
	}
	return time.Time{}, mismatch(v, t, fmt.Errorf("unsupported %T", v))
}

func toBool(v any, t domain.FieldType) (any, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case int64:
		return x != 0, nil
	case int:
		return x != 0, nil
	case float64:
		return x != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "1", "true", "yes", "y", "t":
			return true, nil
		case "0", "false", "no", "n", "f":
			return false, nil
		}
	}
	return nil, mismatch(v, t, fmt.Errorf("not a boolean"))
}
