package query

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// ApplyParams translates URL style parameters into q:
//
//	status=ready                 equality
//	total__gte=20                gt, gte, lt, lte, ne
//	status__in=ready,served      membership
//	tags__contains=vegan         array or substring containment
//	note__exists=false           presence
//	sort=orderDate:desc,id       sort keys, ascending by default
//	limit=5
//
// Values are read as JSON when they parse (numbers, booleans, quoted
// strings) and as plain strings otherwise.
func ApplyParams(q *Query, params url.Values) error {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		for _, raw := range params[key] {
			switch key {
			case "sort":
				for _, part := range strings.Split(raw, ",") {
					field, dir, _ := strings.Cut(strings.TrimSpace(part), ":")
					if field == "" {
						return fmt.Errorf("empty sort field")
					}
					q.Sort(field, ParseDirection(dir))
				}
			case "limit":
				n, err := strconv.Atoi(raw)
				if err != nil || n < 0 {
					return fmt.Errorf("limit must be a non-negative integer")
				}
				q.Limit(n)
			default:
				p, err := predicate(key, raw)
				if err != nil {
					return err
				}
				q.Where(p)
			}
		}
	}
	return nil
}

func predicate(key, raw string) (Predicate, error) {
	field, op, _ := strings.Cut(key, "__")
	if field == "" {
		return nil, fmt.Errorf("empty field in %q", key)
	}
	v := literal(raw)
	switch op {
	case "", "eq":
		return Eq(field, v), nil
	case "ne":
		return Ne(field, v), nil
	case "gt":
		return Gt(field, v), nil
	case "gte":
		return Gte(field, v), nil
	case "lt":
		return Lt(field, v), nil
	case "lte":
		return Lte(field, v), nil
	case "contains":
		return Contains(field, v), nil
	case "in":
		parts := strings.Split(raw, ",")
		values := make([]any, 0, len(parts))
		for _, p := range parts {
			values = append(values, literal(strings.TrimSpace(p)))
		}
		return In(field, values...), nil
	case "exists":
		want, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%s expects true or false", key)
		}
		if want {
			return Exists(field), nil
		}
		return Not(Exists(field)), nil
	}
	return nil, fmt.Errorf("unknown operator %q", op)
}

func literal(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil && v != nil {
		return v
	}
	return raw
}

// ParseFilters reads only filter parameters; sort and limit are rejected.
func ParseFilters(params url.Values) ([]Predicate, error) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var preds []Predicate
	for _, key := range keys {
		if key == "sort" || key == "limit" {
			return nil, fmt.Errorf("%s is not a filter", key)
		}
		for _, raw := range params[key] {
			p, err := predicate(key, raw)
			if err != nil {
				return nil, err
			}
			preds = append(preds, p)
		}
	}
	return preds, nil
}
