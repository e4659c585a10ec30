package state

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind is the expected shape of the value stored at a path.
type Kind int

const (
	KindAny Kind = iota
	KindList
	KindMap
	KindNumber
	KindString
	KindBool
)

// String returns the schema name of the kind.
func (k Kind) String() string {
	switch k {
	case KindList:
		return "list"
	case KindMap:
		return "map"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	}
	return "any"
}

type schemaRule struct {
	pattern []string // "*" matches any single segment
	kind    Kind
}

// schema is the typed shape of the well-known subtrees. Paths not listed
// are KindAny and accept anything.
var schema = compileSchema(map[string]Kind{
	"tables.*.players.*.balance": KindNumber,
	"tables.*.pot":               KindNumber,
	"tables.*.potBreakdown":      KindMap,
	"tables.*.totalChips":        KindNumber,
	"tables.*.seats":             KindList,
	"tables.*.phase":             KindString,
	"tables.*.communityCards":    KindList,
	"tables.*.currentActor":      KindNumber,
	"players.*.tableId":          KindString,
	"services.*.status":          KindString,
	"services.*.requests":        KindNumber,
	"services.*.errors":          KindNumber,
	"performance.responseTimeMs": KindNumber,
	"operations.*.active":        KindBool,
	"operations.*.startedAt":     KindNumber,
	"operations.*.progress":      KindNumber,
	"ledger.transactions":        KindList,
	"learning.patterns":          KindList,
	"learning.knowledge":         KindMap,
	"issues.detected":            KindList,
	"issues.violations":          KindList,
	"stats.errorCounts":          KindMap,
})

func compileSchema(in map[string]Kind) []schemaRule {
	rules := make([]schemaRule, 0, len(in))
	for p, k := range in {
		rules = append(rules, schemaRule{pattern: strings.Split(p, "."), kind: k})
	}
	// Deterministic match order: more specific (fewer wildcards) first.
	sort.Slice(rules, func(i, j int) bool {
		wi, wj := wildcards(rules[i].pattern), wildcards(rules[j].pattern)
		if wi != wj {
			return wi < wj
		}
		return strings.Join(rules[i].pattern, ".") < strings.Join(rules[j].pattern, ".")
	})
	return rules
}

func wildcards(pattern []string) int {
	n := 0
	for _, s := range pattern {
		if s == "*" {
			n++
		}
	}
	return n
}

// KindOf returns the schema kind for path.
func KindOf(path string) Kind {
	if path == "" {
		return KindAny
	}
	return kindOfSegments(strings.Split(path, "."))
}

func kindOfSegments(segs []string) Kind {
	for _, r := range schema {
		if matchPattern(r.pattern, segs) {
			return r.kind
		}
	}
	return KindAny
}

func matchPattern(pattern, segs []string) bool {
	if len(pattern) != len(segs) {
		return false
	}
	for i, p := range pattern {
		if p != "*" && p != segs[i] {
			return false
		}
	}
	return true
}

// DefaultState returns the documented empty-but-valid tree.
func DefaultState() map[string]any {
	return map[string]any{
		"tables":      map[string]any{},
		"players":     map[string]any{},
		"services":    map[string]any{},
		"performance": map[string]any{},
		"operations":  map[string]any{},
		"ledger":      map[string]any{"transactions": []any{}},
		"learning":    map[string]any{"patterns": []any{}, "knowledge": map[string]any{}},
		"issues":      map[string]any{"detected": []any{}, "violations": []any{}},
		"stats":       map[string]any{"errorCounts": map[string]any{}},
	}
}

// ensureShape fills in any default container missing from tree without
// touching existing values.
func ensureShape(tree map[string]any) {
	fill(tree, DefaultState())
}

func fill(dst, defaults map[string]any) {
	for k, dv := range defaults {
		cur, ok := dst[k]
		if !ok || cur == nil {
			dst[k] = dv
			continue
		}
		dm, isMap := dv.(map[string]any)
		cm, curIsMap := cur.(map[string]any)
		if isMap && curIsMap {
			fill(cm, dm)
		}
	}
}

// conform checks v against the schema at path and every path below it.
// It returns the (possibly coerced) value and the warnings raised.
func conform(path string, v any) (any, []IntegrityWarning) {
	var warns []IntegrityWarning
	var segs []string
	if path != "" {
		segs = strings.Split(path, ".")
	}
	out := conformAt(segs, v, &warns)
	return out, warns
}

func conformAt(segs []string, v any, warns *[]IntegrityWarning) any {
	path := strings.Join(segs, ".")
	kind := KindAny
	if len(segs) > 0 {
		kind = kindOfSegments(segs)
	}

	switch kind {
	case KindList:
		if _, ok := v.([]any); !ok {
			v = coerceList(path, v, warns)
		}
	case KindMap:
		if _, ok := v.(map[string]any); !ok && v != nil {
			*warns = append(*warns, IntegrityWarning{Path: path, Kind: WarnTypeMismatch,
				Message: fmt.Sprintf("expected map, got %s", typeName(v))})
		}
	case KindNumber, KindString, KindBool:
		if v != nil && !matchesScalar(kind, v) {
			*warns = append(*warns, IntegrityWarning{Path: path, Kind: WarnTypeMismatch,
				Message: fmt.Sprintf("expected %s, got %s", kind, typeName(v))})
		}
	}

	switch node := v.(type) {
	case map[string]any:
		for k, child := range node {
			node[k] = conformAt(appendSeg(segs, k), child, warns)
		}
	case []any:
		for i, child := range node {
			node[i] = conformAt(appendSeg(segs, strconv.Itoa(i)), child, warns)
		}
	}
	return v
}

func appendSeg(segs []string, s string) []string {
	out := make([]string, len(segs)+1)
	copy(out, segs)
	out[len(segs)] = s
	return out
}

// coerceList turns an object into the list of its values (ordered by key,
// numerically when every key is an index) and anything else into an empty
// list.
func coerceList(path string, v any, warns *[]IntegrityWarning) []any {
	if m, ok := v.(map[string]any); ok {
		list, numeric := valuesByKey(m)
		kind := WarnListCoercion
		msg := fmt.Sprintf("object with %d keys coerced to list", len(m))
		if numeric && len(m) > 0 {
			kind = WarnLegacyListRepair
			msg = fmt.Sprintf("index-keyed object with %d entries restored to list", len(m))
		}
		*warns = append(*warns, IntegrityWarning{Path: path, Kind: kind, Message: msg})
		return list
	}
	*warns = append(*warns, IntegrityWarning{Path: path, Kind: WarnListCoercion,
		Message: fmt.Sprintf("expected list, got %s; substituted empty list", typeName(v))})
	return []any{}
}

// valuesByKey returns m's values ordered by key. numeric reports whether
// every key parsed as a non-negative integer.
func valuesByKey(m map[string]any) ([]any, bool) {
	keys := make([]string, 0, len(m))
	numeric := true
	for k := range m {
		keys = append(keys, k)
		if n, err := strconv.Atoi(k); err != nil || n < 0 {
			numeric = false
		}
	}
	if numeric {
		sort.Slice(keys, func(i, j int) bool {
			a, _ := strconv.Atoi(keys[i])
			b, _ := strconv.Atoi(keys[j])
			return a < b
		})
	} else {
		sort.Strings(keys)
	}
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = m[k]
	}
	return out, numeric
}

func matchesScalar(kind Kind, v any) bool {
	switch kind {
	case KindNumber:
		_, ok := v.(float64)
		return ok
	case KindString:
		_, ok := v.(string)
		return ok
	case KindBool:
		_, ok := v.(bool)
		return ok
	}
	return true
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "list"
	case float64:
		return "number"
	case string:
		return "string"
	case bool:
		return "bool"
	}
	return fmt.Sprintf("%T", v)
}
