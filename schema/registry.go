// Package schema holds the per-collection field contracts and enforces them.
package schema

import (
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"go.pilab.hu/restodb/domain"
	serrors "go.pilab.hu/restodb/errors"
)

// Registry maps collection names to their contracts. Collections without a
// contract accept any document.
type Registry struct {
	mu        sync.RWMutex
	contracts map[string]domain.Contract
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{contracts: make(map[string]domain.Contract)}
}

// Register declares the contract for a collection, replacing any previous one.
func (r *Registry) Register(collection string, c domain.Contract) error {
	if collection == "" {
		return fmt.Errorf("schema: empty collection name")
	}
	if s, ok := c.(*domain.Schema); ok {
		for field, kind := range s.Types {
			if !kind.Valid() {
				return &serrors.ConfigurationError{
					Field:  "schemas." + collection + ".types." + field,
					Reason: fmt.Sprintf("unknown kind %q", kind),
				}
			}
		}
	}
	r.mu.Lock()
	r.contracts[collection] = c
	r.mu.Unlock()
	return nil
}

// RegisterAll registers every schema in the map.
func (r *Registry) RegisterAll(schemas map[string]*domain.Schema) error {
	for name, s := range schemas {
		if err := r.Register(name, s); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the contract of a collection.
func (r *Registry) Get(collection string) (domain.Contract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contracts[collection]
	return c, ok
}

// Collections lists the collections with a declared contract, sorted.
func (r *Registry) Collections() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.contracts))
	for name := range r.contracts {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DateFields lists the date-kinded fields declared for a collection.
func (r *Registry) DateFields(collection string) []string {
	c, ok := r.Get(collection)
	if !ok {
		return nil
	}
	if s, ok := c.(*domain.Schema); ok {
		return s.DateFields()
	}
	return nil
}

// Prepare applies defaults and validates doc against the collection contract.
// index is the document's position inside a batch, or -1.
func (r *Registry) Prepare(collection string, doc domain.Document, index int) error {
	c, ok := r.Get(collection)
	if !ok {
		return nil
	}
	ApplyDefaults(doc, c)
	return Validate(collection, doc, c, index)
}

// ApplyDefaults fills only absent fields. createdAt and updatedAt are never
// defaulted since the engine owns them.
func ApplyDefaults(doc domain.Document, c domain.Contract) {
	for field, v := range c.Defaults() {
		if field == domain.FieldCreatedAt || field == domain.FieldUpdatedAt {
			continue
		}
		if !doc.Has(field) {
			doc[field] = cloneDefault(v)
		}
	}
}

// Validate checks required fields first, then the kinds of present fields.
// Nested array and object contents are not inspected.
func Validate(collection string, doc domain.Document, c domain.Contract, index int) error {
	var missing []string
	for _, field := range c.RequiredFields() {
		if field == domain.FieldCreatedAt || field == domain.FieldUpdatedAt {
			continue
		}
		if !doc.Has(field) {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return &serrors.ValidationError{Collection: collection, MissingFields: missing, Index: index}
	}

	fields := make([]string, 0, len(doc))
	for f := range doc {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, field := range fields {
		v := doc[field]
		if v == nil {
			continue
		}
		kind, ok := c.FieldType(field)
		if !ok || kind == domain.KindAny {
			continue
		}
		if !Matches(kind, v) {
			return &serrors.TypeError{
				Collection: collection,
				Field:      field,
				Expected:   string(kind),
				Actual:     KindOf(v),
				Index:      index,
			}
		}
	}
	return nil
}

// Matches reports whether v is acceptable for kind without coercion.
func Matches(kind domain.Kind, v any) bool {
	switch kind {
	case domain.KindAny:
		return true
	case domain.KindString:
		_, ok := v.(string)
		return ok
	case domain.KindNumber:
		_, ok := toFloat(v)
		return ok
	case domain.KindInt:
		f, ok := toFloat(v)
		return ok && f == math.Trunc(f)
	case domain.KindBoolean:
		_, ok := v.(bool)
		return ok
	case domain.KindArray:
		return KindOf(v) == "array"
	case domain.KindObject:
		return KindOf(v) == "object"
	case domain.KindDate:
		switch t := v.(type) {
		case time.Time, *time.Time:
			return true
		case string:
			_, err := time.Parse(time.RFC3339Nano, t)
			return err == nil
		}
	}
	return false
}

// KindOf names the runtime kind of a value for error messages.
func KindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case time.Time, *time.Time:
		return "date"
	case []any, []string, []float64, []int, []map[string]any, []domain.Document:
		return "array"
	case map[string]any, domain.Document:
		return "object"
	}
	if _, ok := toFloat(v); ok {
		return "number"
	}
	return fmt.Sprintf("%T", v)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func cloneDefault(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(domain.Document(t).Clone())
	case []any:
		s := make([]any, len(t))
		copy(s, t)
		return s
	}
	return v
}

// File is the on-disk layout of a standalone schema declaration file.
type File struct {
	Schemas map[string]*domain.Schema `yaml:"schemas"`
}

// LoadFile reads schema declarations from a YAML file into the registry.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &serrors.ConfigurationError{Field: "schema_file", Reason: "cannot read " + path, Err: err}
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return &serrors.ConfigurationError{Field: "schema_file", Reason: "cannot parse " + path, Err: err}
	}
	return r.RegisterAll(f.Schemas)
}
