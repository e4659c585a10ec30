package queryir

import (
	"fmt"
	"strings"
)

// ValidationError describes one problem in a query.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks a query for structural errors and returns all of them
// (it does not fail fast). Validate is a pure function.
func Validate(q Query) []ValidationError {
	v := &validator{}
	switch sel := q.(type) {
	case Select:
		v.validateSelect(sel)
	case *Select:
		if sel == nil {
			v.add("", "nil query")
			break
		}
		v.validateSelect(*sel)
	default:
		v.add("", fmt.Sprintf("unknown query type: %T", q))
	}
	return v.errs
}

type validator struct {
	errs []ValidationError
}

func (v *validator) add(field, msg string) {
	v.errs = append(v.errs, ValidationError{Field: field, Message: msg})
}

func (v *validator) validateSelect(sel Select) {
	if sel.Limit < 0 {
		v.add("limit", "must not be negative")
	}
	for i, o := range sel.OrderBy {
		if strings.TrimSpace(o.Field) == "" {
			v.add(fmt.Sprintf("orderBy[%d]", i), "field is required")
		}
	}
	if sel.Filter != nil {
		v.validatePredicate(sel.Filter)
	}
}

func (v *validator) validatePredicate(p Predicate) {
	switch pred := p.(type) {
	case Equals:
		v.validateField(pred.Field)
		v.validateValue(pred.Field, pred.Value)
	case *Equals:
		v.validatePredicate(*pred)
	case Compare:
		v.validateField(pred.Field)
		v.validateValue(pred.Field, pred.Value)
		switch pred.Op {
		case OpNe, OpGt, OpGte, OpLt, OpLte:
		default:
			v.add(pred.Field, fmt.Sprintf("unknown operator %q", pred.Op))
		}
		if _, isBool := pred.Value.(bool); isBool && pred.Op != OpNe {
			v.add(pred.Field, fmt.Sprintf("operator %q is not defined for booleans", pred.Op))
		}
	case *Compare:
		v.validatePredicate(*pred)
	case And:
		for _, sub := range pred.Predicates {
			v.validatePredicate(sub)
		}
	case *And:
		v.validatePredicate(*pred)
	case nil:
		v.add("", "nil predicate inside conjunction")
	default:
		v.add("", fmt.Sprintf("unknown predicate type: %T", p))
	}
}

func (v *validator) validateField(field string) {
	if strings.TrimSpace(field) == "" {
		v.add("field", "field is required")
		return
	}
	for _, seg := range strings.Split(field, ".") {
		if seg == "" {
			v.add(field, "empty path segment")
			return
		}
	}
}

func (v *validator) validateValue(field string, value any) {
	if _, ok := normalizeScalar(value); !ok {
		v.add(field, fmt.Sprintf("unsupported value type %T", value))
	}
}
