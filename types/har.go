package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSONObject is a decoded JSON object returned by the control API. HAR
// snapshots are passed through as JSONObject values; numbers are kept as
// json.Number so re-encoding does not change them.
type JSONObject map[string]any

// DecodeJSONObject parses data as a single JSON object.
func DecodeJSONObject(data []byte) (JSONObject, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var obj JSONObject
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("expected a JSON object, got null")
	}
	if dec.More() {
		return nil, fmt.Errorf("unexpected data after JSON object")
	}
	return obj, nil
}

// Has reports whether key is present.
func (o JSONObject) Has(key string) bool {
	_, ok := o[key]
	return ok
}

// Object returns the nested object stored under key, or nil.
func (o JSONObject) Object(key string) JSONObject {
	switch v := o[key].(type) {
	case map[string]any:
		return JSONObject(v)
	case JSONObject:
		return v
	}
	return nil
}

// Array returns the array stored under key, or nil.
func (o JSONObject) Array(key string) []any {
	v, _ := o[key].([]any)
	return v
}

// String returns the string stored under key, or "".
func (o JSONObject) String(key string) string {
	v, _ := o[key].(string)
	return v
}

// Int returns the integer stored under key.
func (o JSONObject) Int(key string) (int, bool) {
	switch v := o[key].(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

// Marshal serializes the object. Keys are emitted in sorted order, so the
// same snapshot always produces the same bytes.
func (o JSONObject) Marshal() ([]byte, error) {
	return json.Marshal(map[string]any(o))
}

// PageIDs returns the ids of log.pages in order. It is a convenience for
// callers tagging pages; the snapshot itself is not interpreted.
func (o JSONObject) PageIDs() []string {
	log := o.Object("log")
	if log == nil {
		return nil
	}
	var ids []string
	for _, p := range log.Array("pages") {
		if page, ok := p.(map[string]any); ok {
			ids = append(ids, JSONObject(page).String("id"))
		}
	}
	return ids
}
