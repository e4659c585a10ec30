package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/vigil/internal/canon"
	"github.com/roach88/vigil/internal/queryir"
	"github.com/roach88/vigil/internal/state"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	Where []string
	Order []string
	Limit int
}

// QueryResult is the JSON payload of query.
type QueryResult struct {
	Path string `json:"path"`
	Rows []any  `json:"rows"`
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query <state-file> <path>",
		Short: "Query a collection in a persisted state document",
		Long: `Load a state document and query the collection at path. A list yields its
elements; a map yields its values ordered by key. Nested fields are
addressed with dots (players.p1.balance).

Examples:
  vigil query ./state.json ledger.transactions --where "amount>=500" --order -amount
  vigil query ./state.json issues.detected --where severity=critical --limit 10
  vigil query ./state.json services --where "status!=healthy"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringArrayVar(&opts.Where, "where", nil, "filter condition field<op>value (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Order, "order", nil, "order field, '-' prefix for descending (repeatable)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum rows (0 = unlimited)")

	return cmd
}

func runQuery(opts *QueryOptions, file, path string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	sel := queryir.Select{From: path, Limit: opts.Limit}
	var preds []queryir.Predicate
	for _, cond := range opts.Where {
		p, err := queryir.ParseCondition(cond)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --where", err)
		}
		preds = append(preds, p)
	}
	sel.Filter = queryir.Where(preds...)
	for _, ord := range opts.Order {
		sel.OrderBy = append(sel.OrderBy, queryir.ParseOrder(ord))
	}
	if errs := queryir.Validate(sel); len(errs) > 0 {
		return WrapExitError(ExitCommandError, "invalid query", errs[0])
	}

	st := state.New(state.WithFile(file), state.WithBackup(false),
		state.WithLogger(opts.newLogger(cmd.ErrOrStderr(), "warn")))
	if _, err := st.Load(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to load state", err)
	}

	rows, err := st.Query(path, sel)
	if err != nil {
		return WrapExitError(ExitCommandError, "query failed", err)
	}
	if rows == nil {
		rows = []any{}
	}

	return opts.formatter(cmd.OutOrStdout()).Success(QueryResult{Path: path, Rows: rows}, func(w io.Writer) {
		for _, row := range rows {
			data, err := canon.MarshalCanonical(row)
			if err != nil {
				fmt.Fprintf(w, "%v\n", row)
				continue
			}
			fmt.Fprintf(w, "%s\n", data)
		}
		fmt.Fprintf(w, "(%d rows)\n", len(rows))
	})
}
