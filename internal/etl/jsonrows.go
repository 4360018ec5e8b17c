package etl

import (
	"encoding/json"
	"fmt"
	"io"
)

// DecodeJSONArray reads a JSON array of flat objects, keeping each object's
// key order. Scalars become strings (numbers keep their JSON text); null
// stays nil. Nested values are kept as decoded.
func DecodeJSONArray(r io.Reader) ([]*OrderedRecord, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	if err := expectDelim(dec, '['); err != nil {
		return nil, err
	}
	var out []*OrderedRecord
	for dec.More() {
		if err := expectDelim(dec, '{'); err != nil {
			return nil, err
		}
		rec := NewOrderedRecord()
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("decode key: %w", err)
			}
			key, ok := tok.(string)
			if !ok {
				return nil, fmt.Errorf("decode key: unexpected %v", tok)
			}
			var v any
			if err := dec.Decode(&v); err != nil {
				return nil, fmt.Errorf("decode %s: %w", key, err)
			}
			rec.Set(key, jsonScalar(v))
		}
		if err := expectDelim(dec, '}'); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := expectDelim(dec, ']'); err != nil {
		return nil, err
	}
	return out, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("decode json: expected %q, got %v", want, tok)
	}
	return nil
}

func jsonScalar(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		if x {
			return "1"
		}
		return "0"
	}
	return v
}

// FoldChoices applies choice-group decoding to a record in key order.
func FoldChoices(in *OrderedRecord) *OrderedRecord {
	out := NewOrderedRecord()
	for _, k := range in.Keys {
		v := in.Data[k]
		s, _ := v.(string)
		if DecodeChoice(k, s, out) {
			continue
		}
		out.Set(k, v)
	}
	return out
}
