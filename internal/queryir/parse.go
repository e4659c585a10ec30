package queryir

import (
	"fmt"
	"strconv"
	"strings"
)

// operators in match order; two-character operators first.
var operators = []string{"!=", ">=", "<=", ">", "<", "="}

// ParseCondition parses "field<op>value" (e.g. "amount>=100", "phase=flop")
// into a predicate. Values that parse as numbers or booleans are typed;
// "null" becomes nil; anything else is a string (optionally double-quoted).
func ParseCondition(s string) (Predicate, error) {
	for _, op := range operators {
		idx := strings.Index(s, op)
		if idx <= 0 {
			continue
		}
		field := strings.TrimSpace(s[:idx])
		value := parseValue(strings.TrimSpace(s[idx+len(op):]))
		if op == "=" {
			return Equals{Field: field, Value: value}, nil
		}
		return Compare{Field: field, Op: Op(op), Value: value}, nil
	}
	return nil, fmt.Errorf("condition %q: expected field<op>value with op in %v", s, operators)
}

// ParseOrder parses "field" (ascending) or "-field" (descending).
func ParseOrder(s string) Order {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-") {
		return Order{Field: s[1:], Desc: true}
	}
	return Order{Field: strings.TrimPrefix(s, "+")}
}

func parseValue(raw string) any {
	if unq, err := strconv.Unquote(raw); err == nil && strings.HasPrefix(raw, `"`) {
		return unq
	}
	switch raw {
	case "null":
		return nil
	case "true":
		return true
	case "false":
		return false
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}
