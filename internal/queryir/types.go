package queryir

// Query is a sealed interface; Select is the only implementation.
type Query interface {
	queryNode()
}

// Predicate is a sealed interface over filter conditions.
//
// Predicate types:
//   - Equals: field = value
//   - Compare: field <op> value
//   - And: all predicates hold (empty = always true)
type Predicate interface {
	predicateNode()
}

// Select reads rows from a source, filters, orders and truncates them.
//
// Semantics:
//
//	SELECT * FROM <From> WHERE <Filter> ORDER BY <OrderBy...> LIMIT <Limit>
//
// For the state store From is a state path whose value is a list (or a map,
// whose values become the rows). For the ledger From names a table.
// Limit <= 0 means unlimited.
type Select struct {
	From    string
	Filter  Predicate
	OrderBy []Order
	Limit   int
}

func (Select) queryNode() {}

// Order is one ORDER BY term.
type Order struct {
	Field string
	Desc  bool
}

// Equals matches rows whose field equals Value.
type Equals struct {
	Field string
	Value any
}

func (Equals) predicateNode() {}

// Op is a comparison operator.
type Op string

// Comparison operators.
const (
	OpNe  Op = "!="
	OpGt  Op = ">"
	OpGte Op = ">="
	OpLt  Op = "<"
	OpLte Op = "<="
)

// Compare matches rows whose field compares to Value under Op.
// Numbers compare numerically, strings lexicographically; booleans only
// support OpNe.
type Compare struct {
	Field string
	Op    Op
	Value any
}

func (Compare) predicateNode() {}

// And is a conjunction. An empty And is vacuously true.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Where is a convenience constructor that folds predicates into an And,
// or returns the single predicate unchanged.
func Where(preds ...Predicate) Predicate {
	switch len(preds) {
	case 0:
		return nil
	case 1:
		return preds[0]
	}
	return And{Predicates: preds}
}
