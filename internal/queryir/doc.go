// Package queryir is the query representation shared by the state store and
// the issue ledger.
//
// A query is a Select: a source path, an optional filter predicate, an
// ordering and a limit. The same Select can be evaluated two ways:
//
//	[Select] -> Eval          (in memory, over a list held in the state tree)
//	         -> querysql      (SQL, over the ledger's issue table)
//
// Query and Predicate are sealed interfaces (marker methods), so both
// evaluators can switch exhaustively over the node types.
//
// Field references are dotted paths into each row ("details.tableId").
// Values are JSON scalars: string, float64 (any Go number is accepted and
// widened), bool or nil. Comparisons between a number and a string never
// match; a missing field never satisfies Compare and only satisfies Equals
// against nil.
package queryir
