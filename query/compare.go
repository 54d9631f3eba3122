package query

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Compare orders two field values. Numbers compare numerically and times
// chronologically. RFC 3339 strings count as times when the other side is a
// time or another RFC 3339 string, since fractional seconds make their text
// order differ from their time order. Booleans sort false before true. Mixed
// kinds fall back to comparing their string forms.
func Compare(a, b any) int {
	if fa, ok := number(a); ok {
		if fb, ok := number(b); ok {
			return cmpFloat(fa, fb)
		}
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := asTime(b); ok {
			return ta.Compare(tb)
		}
	}
	if tb, ok := b.(time.Time); ok {
		if ta, ok := asTime(a); ok {
			return ta.Compare(tb)
		}
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			if looksLikeTimestamp(sa) && looksLikeTimestamp(sb) {
				ta, errA := time.Parse(time.RFC3339Nano, sa)
				tb, errB := time.Parse(time.RFC3339Nano, sb)
				if errA == nil && errB == nil {
					return ta.Compare(tb)
				}
			}
			return strings.Compare(sa, sb)
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ba == bb:
				return 0
			case !ba:
				return -1
			default:
				return 1
			}
		}
	}
	return strings.Compare(stringForm(a), stringForm(b))
}

// Equal reports whether two field values are the same, treating numeric
// kinds and time representations as interchangeable.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := number(a); ok {
		fb, ok := number(b)
		return ok && fa == fb
	}
	if ta, ok := asTime(a); ok {
		if tb, ok := asTime(b); ok {
			_, aIsTime := a.(time.Time)
			_, bIsTime := b.(time.Time)
			if aIsTime || bIsTime {
				return ta.Equal(tb)
			}
		}
	}
	return reflect.DeepEqual(a, b)
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		return parsed, err == nil
	}
	return time.Time{}, false
}

// looksLikeTimestamp is a cheap "YYYY-MM-DDT" check before parsing.
func looksLikeTimestamp(s string) bool {
	return len(s) >= 20 && s[4] == '-' && s[7] == '-' && s[10] == 'T'
}

func stringForm(v any) string {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}
