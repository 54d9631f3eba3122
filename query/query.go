// Package query runs filter, sort and limit plans over a resident
// collection snapshot.
package query

import (
	"context"
	"sort"

	"go.pilab.hu/restodb/domain"
)

// Direction is a sort order.
type Direction int

const (
	Asc Direction = iota
	Desc
)

// ParseDirection accepts "asc" and "desc"; anything else is ascending.
func ParseDirection(s string) Direction {
	if s == "desc" || s == "DESC" || s == "-1" {
		return Desc
	}
	return Asc
}

// Source yields the current documents of one collection. Implementations
// may share the returned slice between callers; Query never mutates it.
type Source interface {
	Documents(ctx context.Context) ([]domain.Document, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]domain.Document, error)

func (f SourceFunc) Documents(ctx context.Context) ([]domain.Document, error) { return f(ctx) }

type sortKey struct {
	field string
	dir   Direction
}

// Query is a fluent plan. Builder methods return the receiver; a Query is
// not safe for concurrent building.
type Query struct {
	src   Source
	where []Predicate
	sorts []sortKey
	limit int
}

// New starts a plan over src.
func New(src Source) *Query {
	return &Query{src: src, limit: -1}
}

// Where adds a predicate. Predicates are ANDed in registration order.
func (q *Query) Where(p Predicate) *Query {
	q.where = append(q.where, p)
	return q
}

// Sort orders by field. Later calls break ties of earlier ones. Documents
// missing the field come last in either direction.
func (q *Query) Sort(field string, dir Direction) *Query {
	q.sorts = append(q.sorts, sortKey{field: field, dir: dir})
	return q
}

// Limit keeps at most n documents after filtering and sorting. A negative n
// removes the limit.
func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

// Exec materializes the result. Returned documents are copies.
func (q *Query) Exec(ctx context.Context) ([]domain.Document, error) {
	docs, err := q.src.Documents(ctx)
	if err != nil {
		return nil, err
	}
	return q.Apply(docs), nil
}

// First returns the first matching document, or nil when none match.
func (q *Query) First(ctx context.Context) (domain.Document, error) {
	saved := q.limit
	q.limit = 1
	defer func() { q.limit = saved }()

	docs, err := q.Exec(ctx)
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

// Count returns the number of matching documents, honouring Limit.
func (q *Query) Count(ctx context.Context) (int, error) {
	docs, err := q.src.Documents(ctx)
	if err != nil {
		return 0, err
	}
	n := len(q.filter(docs))
	if q.limit >= 0 && n > q.limit {
		n = q.limit
	}
	return n, nil
}

// Apply runs the plan over docs without touching the source.
func (q *Query) Apply(docs []domain.Document) []domain.Document {
	if q.limit == 0 {
		return []domain.Document{}
	}
	matched := q.filter(docs)
	if len(q.sorts) > 0 {
		sort.SliceStable(matched, func(i, j int) bool { return q.less(matched[i], matched[j]) })
	}
	if q.limit > 0 && len(matched) > q.limit {
		matched = matched[:q.limit]
	}
	return domain.CloneAll(matched)
}

func (q *Query) filter(docs []domain.Document) []domain.Document {
	out := make([]domain.Document, 0, len(docs))
next:
	for _, d := range docs {
		for _, p := range q.where {
			if !p(d) {
				continue next
			}
		}
		out = append(out, d)
	}
	return out
}

func (q *Query) less(a, b domain.Document) bool {
	for _, k := range q.sorts {
		av, bv := a[k.field], b[k.field]
		switch {
		case av == nil && bv == nil:
			continue
		case av == nil:
			return false
		case bv == nil:
			return true
		}
		c := Compare(av, bv)
		if c == 0 {
			continue
		}
		if k.dir == Desc {
			return c > 0
		}
		return c < 0
	}
	return false
}
