package query

import (
	"strings"

	"go.pilab.hu/restodb/domain"
)

// Predicate selects documents.
type Predicate func(doc domain.Document) bool

// Eq matches documents whose field equals value. Eq(field, nil) matches
// documents lacking the field.
func Eq(field string, value any) Predicate {
	return func(doc domain.Document) bool {
		if value == nil {
			return !doc.Has(field)
		}
		return Equal(doc[field], value)
	}
}

// ID matches a document by either identifier alias.
func ID(id string) Predicate {
	return func(doc domain.Document) bool { return doc.HasID(id) }
}

// Ne is the negation of Eq.
func Ne(field string, value any) Predicate {
	return Not(Eq(field, value))
}

// In matches documents whose field equals any of values.
func In(field string, values ...any) Predicate {
	return func(doc domain.Document) bool {
		v := doc[field]
		if v == nil {
			return false
		}
		for _, candidate := range values {
			if Equal(v, candidate) {
				return true
			}
		}
		return false
	}
}

// Gt matches documents whose field is greater than value.
func Gt(field string, value any) Predicate { return cmpPredicate(field, value, func(c int) bool { return c > 0 }) }

// Gte matches documents whose field is greater than or equal to value.
func Gte(field string, value any) Predicate {
	return cmpPredicate(field, value, func(c int) bool { return c >= 0 })
}

// Lt matches documents whose field is less than value.
func Lt(field string, value any) Predicate { return cmpPredicate(field, value, func(c int) bool { return c < 0 }) }

// Lte matches documents whose field is less than or equal to value.
func Lte(field string, value any) Predicate {
	return cmpPredicate(field, value, func(c int) bool { return c <= 0 })
}

func cmpPredicate(field string, value any, ok func(int) bool) Predicate {
	return func(doc domain.Document) bool {
		v := doc[field]
		if v == nil {
			return false
		}
		return ok(Compare(v, value))
	}
}

// Contains matches a substring of a string field or an element of an array
// field.
func Contains(field string, value any) Predicate {
	return func(doc domain.Document) bool {
		switch v := doc[field].(type) {
		case string:
			s, ok := value.(string)
			return ok && strings.Contains(v, s)
		case []any:
			for _, el := range v {
				if Equal(el, value) {
					return true
				}
			}
		case []string:
			for _, el := range v {
				if Equal(el, value) {
					return true
				}
			}
		}
		return false
	}
}

// Exists matches documents carrying a non-nil field.
func Exists(field string) Predicate {
	return func(doc domain.Document) bool { return doc.Has(field) }
}

// Not negates p.
func Not(p Predicate) Predicate {
	return func(doc domain.Document) bool { return !p(doc) }
}

// And matches when every predicate matches.
func And(ps ...Predicate) Predicate {
	return func(doc domain.Document) bool {
		for _, p := range ps {
			if !p(doc) {
				return false
			}
		}
		return true
	}
}

// Or matches when any predicate matches.
func Or(ps ...Predicate) Predicate {
	return func(doc domain.Document) bool {
		for _, p := range ps {
			if p(doc) {
				return true
			}
		}
		return false
	}
}
