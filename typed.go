package restodb

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"go.pilab.hu/restodb/domain"
	"go.pilab.hu/restodb/query"
)

// TypedCollection decodes the documents of a collection into T. Use it for
// collections with a declared schema; the open map API stays available via
// Untyped.
type TypedCollection[T any] struct {
	c *Collection
}

// Typed wraps c with record decoding into T. T's json tags name the fields.
func Typed[T any](c *Collection) *TypedCollection[T] {
	return &TypedCollection[T]{c: c}
}

// Untyped returns the underlying collection.
func (t *TypedCollection[T]) Untyped() *Collection { return t.c }

// Get returns the record with id.
func (t *TypedCollection[T]) Get(ctx context.Context, id string) (*T, error) {
	doc, err := t.c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return t.decode(doc)
}

// Find returns the records matching every predicate.
func (t *TypedCollection[T]) Find(ctx context.Context, preds ...query.Predicate) ([]*T, error) {
	docs, err := t.c.Find(ctx, preds...)
	if err != nil {
		return nil, err
	}
	return t.decodeAll(docs)
}

// Exec runs a query plan built on the underlying collection.
func (t *TypedCollection[T]) Exec(ctx context.Context, q *query.Query) ([]*T, error) {
	docs, err := q.Exec(ctx)
	if err != nil {
		return nil, err
	}
	return t.decodeAll(docs)
}

// Insert stores v and returns the stored record with id and timestamps.
func (t *TypedCollection[T]) Insert(ctx context.Context, v *T) (*T, error) {
	doc, err := ToDocument(v)
	if err != nil {
		return nil, err
	}
	stored, err := t.c.Insert(ctx, doc)
	if err != nil {
		return nil, err
	}
	return t.decode(stored)
}

// Update applies a partial patch to the record with id.
func (t *TypedCollection[T]) Update(ctx context.Context, id string, patch domain.Document) (*T, error) {
	stored, err := t.c.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	return t.decode(stored)
}

// Replace overwrites the record with id with v.
func (t *TypedCollection[T]) Replace(ctx context.Context, id string, v *T) (*T, error) {
	doc, err := ToDocument(v)
	if err != nil {
		return nil, err
	}
	stored, err := t.c.Replace(ctx, id, doc)
	if err != nil {
		return nil, err
	}
	return t.decode(stored)
}

func (t *TypedCollection[T]) decodeAll(docs []domain.Document) ([]*T, error) {
	out := make([]*T, 0, len(docs))
	for _, d := range docs {
		v, err := t.decode(d)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (t *TypedCollection[T]) decode(doc domain.Document) (*T, error) {
	var v T
	if err := FromDocument(t.c.db.codec, doc, &v); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", t.c.name, doc.DocumentID(), err)
	}
	return &v, nil
}

// ToDocument converts a struct into a document through its json tags.
func ToDocument(v any) (domain.Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc domain.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	for k, val := range doc {
		if isZeroJSON(val) && (k == domain.FieldID || k == domain.FieldLegacyID || k == domain.FieldCreatedAt || k == domain.FieldUpdatedAt) {
			delete(doc, k)
		}
	}
	return doc, nil
}

func isZeroJSON(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == "" || t == "0001-01-01T00:00:00Z"
	}
	return false
}

type documentMarshaler interface {
	MarshalDocument(doc domain.Document) ([]byte, error)
}

// FromDocument decodes doc into the struct pointed to by out.
func FromDocument(m documentMarshaler, doc domain.Document, out any) error {
	data, err := m.MarshalDocument(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
