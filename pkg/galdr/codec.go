package galdr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rthomasv3/galdrdb/pkg/index"
)

// Codec turns user records into the opaque byte blobs the engine stores,
// and produces the typed top-level field values the index layer encodes.
// The engine never interprets document bytes itself.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, into any) error
	Fields(data []byte) (map[string]index.Value, error)
}

// JSONCodec is the default codec: documents are UTF-8 JSON, and
// top-level scalar fields are indexable. Nested objects and arrays are
// stored but not indexed.
type JSONCodec struct{}

// Encode marshals v to JSON.
func (JSONCodec) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("galdr: encode document: %w", err)
	}
	return data, nil
}

// Decode unmarshals document bytes into the target.
func (JSONCodec) Decode(data []byte, into any) error {
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("galdr: decode document: %w", err)
	}
	return nil
}

// Fields extracts typed top-level values. Integral JSON numbers come
// back as ints, everything else as floats, so index coercion can match
// the declared field types.
func (JSONCodec) Fields(data []byte) (map[string]index.Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("galdr: extract fields: %w", err)
	}

	fields := make(map[string]index.Value, len(raw))
	for name, v := range raw {
		switch t := v.(type) {
		case nil:
			fields[name] = index.Null()
		case bool:
			fields[name] = index.BoolValue(t)
		case string:
			fields[name] = index.StringValue(t)
		case json.Number:
			if i, err := t.Int64(); err == nil {
				fields[name] = index.IntValue(i)
			} else if f, err := t.Float64(); err == nil {
				fields[name] = index.FloatValue(f)
			}
		default:
			// Nested structures are opaque to indexing.
		}
	}
	return fields, nil
}

// ToValue converts a Go value into a typed field value for filters.
func ToValue(v any) (index.Value, error) {
	switch t := v.(type) {
	case nil:
		return index.Null(), nil
	case bool:
		return index.BoolValue(t), nil
	case int:
		return index.IntValue(int64(t)), nil
	case int32:
		return index.IntValue(int64(t)), nil
	case int64:
		return index.IntValue(t), nil
	case float32:
		return index.FloatValue(float64(t)), nil
	case float64:
		return index.FloatValue(t), nil
	case string:
		return index.StringValue(t), nil
	case time.Time:
		return index.TimeValue(t), nil
	case index.Value:
		return t, nil
	}
	return index.Value{}, fmt.Errorf("galdr: unsupported filter value %T", v)
}
