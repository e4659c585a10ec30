package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/vigil/internal/queryir"
)

// Table describes a queryable ledger table. Only fields listed in Columns
// may appear in filters or ORDER BY; they are mapped to SQL column names so
// user input never reaches the SQL text.
type Table struct {
	Name    string
	Columns map[string]string // query field -> SQL column
	Key     string            // SQL column used as the final tiebreaker
}

// Compiler compiles queryir selects to parameterized SQLite.
//
// Every statement ends with ORDER BY <key> so results are deterministic.
// All values are bound as ? parameters.
type Compiler struct {
	tables map[string]Table
}

// NewCompiler returns a compiler that accepts the given tables.
func NewCompiler(tables ...Table) *Compiler {
	c := &Compiler{tables: make(map[string]Table, len(tables))}
	for _, t := range tables {
		c.tables[t.Name] = t
	}
	return c
}

// Compile converts a query to (sql, params).
func (c *Compiler) Compile(q queryir.Query) (string, []any, error) {
	if q == nil {
		return "", nil, fmt.Errorf("cannot compile nil query")
	}
	if errs := queryir.Validate(q); len(errs) > 0 {
		return "", nil, fmt.Errorf("invalid query: %w", errs[0])
	}

	switch query := q.(type) {
	case queryir.Select:
		return c.compileSelect(query)
	case *queryir.Select:
		return c.compileSelect(*query)
	default:
		return "", nil, fmt.Errorf("unsupported query type: %T", q)
	}
}

func (c *Compiler) compileSelect(q queryir.Select) (string, []any, error) {
	table, ok := c.tables[q.From]
	if !ok {
		return "", nil, fmt.Errorf("unknown table %q", q.From)
	}

	var sb strings.Builder
	var params []any

	cols := make([]string, 0, len(table.Columns))
	for _, field := range sortedFields(table.Columns) {
		col := table.Columns[field]
		if col == field {
			cols = append(cols, col)
		} else {
			cols = append(cols, fmt.Sprintf("%s AS %s", col, field))
		}
	}
	fmt.Fprintf(&sb, "SELECT %s FROM %s", strings.Join(cols, ", "), table.Name)

	if q.Filter != nil {
		where, whereParams, err := c.compilePredicate(table, q.Filter)
		if err != nil {
			return "", nil, fmt.Errorf("compile filter: %w", err)
		}
		sb.WriteString(" WHERE ")
		sb.WriteString(where)
		params = append(params, whereParams...)
	}

	orderBy, err := c.orderClause(table, q.OrderBy)
	if err != nil {
		return "", nil, err
	}
	sb.WriteString(" ORDER BY ")
	sb.WriteString(orderBy)

	if q.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		params = append(params, q.Limit)
	}
	return sb.String(), params, nil
}

// orderClause renders the requested order followed by the table key.
// COLLATE BINARY keeps text ordering stable across SQLite builds.
func (c *Compiler) orderClause(table Table, order []queryir.Order) (string, error) {
	parts := make([]string, 0, len(order)+1)
	for _, o := range order {
		col, err := column(table, o.Field)
		if err != nil {
			return "", err
		}
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		parts = append(parts, fmt.Sprintf("%s %s", col, dir))
	}
	parts = append(parts, table.Key+" ASC COLLATE BINARY")
	return strings.Join(parts, ", "), nil
}

func (c *Compiler) compilePredicate(table Table, p queryir.Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case queryir.Equals:
		col, err := column(table, pred.Field)
		if err != nil {
			return "", nil, err
		}
		if pred.Value == nil {
			return col + " IS NULL", nil, nil
		}
		return col + " = ?", []any{toParam(pred.Value)}, nil
	case *queryir.Equals:
		return c.compilePredicate(table, *pred)
	case queryir.Compare:
		col, err := column(table, pred.Field)
		if err != nil {
			return "", nil, err
		}
		if pred.Value == nil && pred.Op == queryir.OpNe {
			return col + " IS NOT NULL", nil, nil
		}
		return fmt.Sprintf("%s %s ?", col, pred.Op), []any{toParam(pred.Value)}, nil
	case *queryir.Compare:
		return c.compilePredicate(table, *pred)
	case queryir.And:
		if len(pred.Predicates) == 0 {
			return "1 = 1", nil, nil
		}
		parts := make([]string, 0, len(pred.Predicates))
		var params []any
		for _, sub := range pred.Predicates {
			sql, subParams, err := c.compilePredicate(table, sub)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, sql)
			params = append(params, subParams...)
		}
		return "(" + strings.Join(parts, " AND ") + ")", params, nil
	case *queryir.And:
		return c.compilePredicate(table, *pred)
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

func column(table Table, field string) (string, error) {
	col, ok := table.Columns[field]
	if !ok {
		return "", fmt.Errorf("table %s has no queryable field %q", table.Name, field)
	}
	return col, nil
}

// toParam maps booleans to SQLite integers; everything else binds as-is.
func toParam(v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	return v
}
