package queryir

import (
	"fmt"
	"slices"
	"strings"
)

// Eval applies sel to rows in memory and returns the matching rows.
// The input slice is not modified. From is ignored: the caller has already
// resolved the source.
func Eval(rows []any, sel Select) ([]any, error) {
	if errs := Validate(sel); len(errs) > 0 {
		return nil, fmt.Errorf("invalid query: %w", errs[0])
	}

	out := make([]any, 0, len(rows))
	for _, row := range rows {
		if sel.Filter == nil || matches(row, sel.Filter) {
			out = append(out, row)
		}
	}

	if len(sel.OrderBy) > 0 {
		slices.SortStableFunc(out, func(a, b any) int {
			for _, o := range sel.OrderBy {
				c := compareForOrder(Lookup(a, o.Field), Lookup(b, o.Field))
				if c == 0 {
					continue
				}
				if o.Desc {
					return -c
				}
				return c
			}
			return 0
		})
	}

	if sel.Limit > 0 && len(out) > sel.Limit {
		out = out[:sel.Limit]
	}
	return out, nil
}

// Lookup resolves a dotted field path inside a row.
// Returns nil when any segment is missing or the row is not an object.
func Lookup(row any, field string) any {
	cur := row
	for _, seg := range strings.Split(field, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

func matches(row any, p Predicate) bool {
	switch pred := p.(type) {
	case Equals:
		return equalValues(Lookup(row, pred.Field), pred.Value)
	case *Equals:
		return matches(row, *pred)
	case Compare:
		return compareMatches(Lookup(row, pred.Field), pred.Op, pred.Value)
	case *Compare:
		return matches(row, *pred)
	case And:
		for _, sub := range pred.Predicates {
			if !matches(row, sub) {
				return false
			}
		}
		return true
	case *And:
		return matches(row, *pred)
	}
	return false
}

func equalValues(got, want any) bool {
	g, ok1 := normalizeScalar(got)
	w, ok2 := normalizeScalar(want)
	if !ok1 || !ok2 {
		return false
	}
	return g == w
}

func compareMatches(got any, op Op, want any) bool {
	if got == nil {
		return false
	}
	g, ok1 := normalizeScalar(got)
	w, ok2 := normalizeScalar(want)
	if !ok1 || !ok2 {
		return false
	}
	if op == OpNe {
		return g != w
	}
	c, comparable := compareScalars(g, w)
	if !comparable {
		return false
	}
	switch op {
	case OpGt:
		return c > 0
	case OpGte:
		return c >= 0
	case OpLt:
		return c < 0
	case OpLte:
		return c <= 0
	}
	return false
}

// compareScalars orders two normalized scalars of the same kind.
func compareScalars(a, b any) (int, bool) {
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	}
	return 0, false
}

// compareForOrder is a total order for sorting: nil and non-scalars last,
// then numbers, then strings, then booleans.
func compareForOrder(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	na, _ := normalizeScalar(a)
	nb, _ := normalizeScalar(b)
	if c, ok := compareScalars(na, nb); ok {
		return c
	}
	if ba, ok := na.(bool); ok {
		bb := nb.(bool)
		switch {
		case ba == bb:
			return 0
		case !ba:
			return -1
		}
		return 1
	}
	return 0
}

func rank(v any) int {
	n, ok := normalizeScalar(v)
	if !ok || n == nil {
		return 3
	}
	switch n.(type) {
	case float64:
		return 0
	case string:
		return 1
	}
	return 2
}

// normalizeScalar widens Go numbers to float64. Only JSON scalars are accepted.
func normalizeScalar(v any) (any, bool) {
	switch val := v.(type) {
	case nil, string, bool, float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	}
	return nil, false
}
