// Package codec serializes a whole collection to and from one JSON blob and
// stamps identifiers and timestamps on documents.
package codec

import (
	"bytes"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"go.pilab.hu/restodb/domain"
	serrors "go.pilab.hu/restodb/errors"
)

// Codec encodes collections. The zero value is not usable; call New.
type Codec struct {
	now   func() time.Time
	newID func() string
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock overrides the time source used for createdAt/updatedAt.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// WithIDGenerator overrides the identifier generator.
func WithIDGenerator(gen func() string) Option {
	return func(c *Codec) { c.newID = gen }
}

// New returns a codec stamping UTC timestamps and random UUIDs.
func New(opts ...Option) *Codec {
	c := &Codec{
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Now returns the codec clock reading.
func (c *Codec) Now() time.Time { return c.now() }

// Encode writes the collection as an indented JSON array. Nil fields are
// dropped and times are written as RFC 3339 in UTC.
func (c *Codec) Encode(docs []domain.Document) ([]byte, error) {
	out := make([]map[string]any, 0, len(docs))
	for _, d := range docs {
		out = append(out, encodeMap(d))
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// MarshalDocument encodes a single document the same way Encode does.
func (c *Codec) MarshalDocument(doc domain.Document) ([]byte, error) {
	return json.Marshal(encodeMap(doc))
}

// Decode parses a collection blob. Empty content is an empty collection.
// dateFields are parsed back into time.Time; createdAt and updatedAt always are.
func (c *Codec) Decode(path string, data []byte, dateFields ...string) ([]domain.Document, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []domain.Document{}, nil
	}

	var raw []map[string]any
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, &serrors.CorruptDataError{Path: path, Err: err}
	}

	fields := append([]string{domain.FieldCreatedAt, domain.FieldUpdatedAt}, dateFields...)
	docs := make([]domain.Document, 0, len(raw))
	for i, m := range raw {
		if m == nil {
			return nil, &serrors.CorruptDataError{Path: path, Err: fmt.Errorf("document at index %d is null", i)}
		}
		doc := domain.Document(m)
		for _, f := range fields {
			s, ok := doc[f].(string)
			if !ok {
				continue
			}
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				doc[f] = t.UTC()
			}
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// StampNew assigns the identifier and both timestamps of a document being
// inserted. A legacy "_id" becomes the canonical id. Caller-supplied
// createdAt/updatedAt values are discarded.
func (c *Codec) StampNew(doc domain.Document) domain.Document {
	now := c.now()
	if id := doc.DocumentID(); id != "" {
		doc[domain.FieldID] = id
	} else {
		doc[domain.FieldID] = c.newID()
	}
	doc[domain.FieldCreatedAt] = now
	doc[domain.FieldUpdatedAt] = now
	return doc
}

// StampUpdate merges patch onto prev. Identifiers and createdAt are kept from
// prev; updatedAt never moves backwards.
func (c *Codec) StampUpdate(prev, patch domain.Document) domain.Document {
	merged := prev.Clone()
	for k, v := range patch {
		switch k {
		case domain.FieldID, domain.FieldLegacyID, domain.FieldCreatedAt, domain.FieldUpdatedAt:
			continue
		}
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}

	now := c.now()
	if last, ok := prev.Time(domain.FieldUpdatedAt); ok && now.Before(last) {
		now = last
	}
	merged[domain.FieldUpdatedAt] = now
	return merged
}

func encodeMap(d map[string]any) map[string]any {
	out := make(map[string]any, len(d))
	for k, v := range d {
		if v == nil {
			continue
		}
		out[k] = encodeValue(v)
	}
	return out
}

func encodeValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if t == nil {
			return nil
		}
		return t.UTC().Format(time.RFC3339Nano)
	case domain.Document:
		return encodeMap(t)
	case map[string]any:
		return encodeMap(t)
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = encodeValue(vv)
		}
		return s
	default:
		return v
	}
}

