package diagram

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"
)

// jsonKeys returns the JSON names of T's encoded fields.
func jsonKeys[T any]() map[string]struct{} {
	t := reflect.TypeFor[T]()
	keys := make(map[string]struct{}, t.NumField())
	for i := range t.NumField() {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = field.Name
		}
		keys[name] = struct{}{}
	}
	return keys
}

// decodeObject decodes data into fields and returns the keys not in known.
func decodeObject[T any](data []byte, fields *T, known map[string]struct{}) (map[string]json.RawMessage, error) {
	if err := json.Unmarshal(data, fields); err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	for key := range known {
		delete(raw, key)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return raw, nil
}

// encodeObject encodes fields and merges extra into the result. Known keys
// always win over a stale copy in extra.
func encodeObject[T any](fields T, extra map[string]json.RawMessage, known map[string]struct{}) ([]byte, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return data, nil
	}
	merged := make(map[string]json.RawMessage, len(extra)+len(known))
	for key, value := range extra {
		if _, ok := known[key]; !ok {
			merged[key] = value
		}
	}
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	return json.Marshal(merged)
}

func cloneExtra(extra map[string]json.RawMessage) map[string]json.RawMessage {
	if extra == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(extra))
	for key, value := range extra {
		out[key] = bytes.Clone(value)
	}
	return out
}

func cloneEach[T any](items []T, clone func(T) T) []T {
	if items == nil {
		return nil
	}
	out := make([]T, len(items))
	for i, item := range items {
		out[i] = clone(item)
	}
	return out
}
