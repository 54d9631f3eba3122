package domain

import (
	"fmt"
	"time"
)

// Engine-controlled and identifier fields.
const (
	FieldID        = "id"
	FieldLegacyID  = "_id"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
)

// Document is one stored record. Values are strings, numbers, booleans,
// slices, nested maps or time.Time.
type Document map[string]any

// DocumentID returns the canonical identifier. The legacy "_id" alias is
// used when "id" is absent; both resolve to the same document.
func (d Document) DocumentID() string {
	if id := idString(d[FieldID]); id != "" {
		return id
	}
	return idString(d[FieldLegacyID])
}

// HasID reports whether id matches either identifier alias.
func (d Document) HasID(id string) bool {
	if id == "" {
		return false
	}
	return idString(d[FieldID]) == id || idString(d[FieldLegacyID]) == id
}

// Has reports whether the field is present and not nil.
func (d Document) Has(field string) bool {
	v, ok := d[field]
	return ok && v != nil
}

// String returns the field as a string, or "" when absent or not a string.
func (d Document) String(field string) string {
	s, _ := d[field].(string)
	return s
}

// Time returns the field as a time, parsing RFC 3339 strings.
func (d Document) Time(field string) (time.Time, bool) {
	switch v := d[field].(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	return time.Time{}, false
}

// Clone returns a shallow copy with nested maps and slices copied too,
// so callers can never mutate a cached snapshot.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case Document:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}

func idString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	default:
		return fmt.Sprint(t)
	}
}

// CloneAll copies every document of a snapshot.
func CloneAll(docs []Document) []Document {
	out := make([]Document, len(docs))
	for i, d := range docs {
		out[i] = d.Clone()
	}
	return out
}
