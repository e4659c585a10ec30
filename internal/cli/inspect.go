package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/vigil/internal/queryir"
	"github.com/roach88/vigil/internal/store"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Ledger string
	Where  []string
	Order  []string
	Limit  int
	Since  time.Duration
	Fixes  string

	now func() time.Time
}

// InspectResult is the JSON payload of inspect.
type InspectResult struct {
	Issues []store.IssueRecord `json:"issues,omitempty"`
	Fixes  []store.FixRecord   `json:"fixes,omitempty"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts, now: time.Now}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "List issues recorded in the ledger",
		Long: `List issues recorded in the SQLite ledger, highest priority first.

Conditions use field<op>value with op one of = != > >= < <=. Fields are
the issue JSON names (type, severity, method, category, count, priority,
confidence, firstSeen, lastSeen, outcome). --fixes lists the fix
knowledge base for one issue type instead.

Examples:
  vigil inspect --ledger vigil.db
  vigil inspect --ledger vigil.db --where severity=critical --since 5m
  vigil inspect --ledger vigil.db --where "count>=3" --order -count --limit 5
  vigil inspect --ledger vigil.db --fixes CHIP_CONSERVATION`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Ledger, "ledger", "", "SQLite issue ledger (overrides ledger.path)")
	cmd.Flags().StringArrayVar(&opts.Where, "where", nil, "filter condition (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Order, "order", []string{"-priority", "-lastSeen"}, "order field, '-' prefix for descending (repeatable)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum rows (0 = unlimited)")
	cmd.Flags().DurationVar(&opts.Since, "since", 0, "only issues seen within this window")
	cmd.Flags().StringVar(&opts.Fixes, "fixes", "", "list known fixes for an issue type")

	return cmd
}

func runInspect(opts *InspectOptions, cmd *cobra.Command) error {
	path := opts.Ledger
	if path == "" {
		cfg, err := opts.loadConfig()
		if err != nil {
			return err
		}
		path = cfg.Ledger.Path
	}
	if path == "" {
		return NewExitError(ExitCommandError, "no ledger configured: pass --ledger or set ledger.path")
	}

	ledger, err := store.Open(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open ledger", err)
	}
	defer ledger.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := opts.formatter(cmd.OutOrStdout())

	if opts.Fixes != "" {
		fixes, err := ledger.FixesFor(ctx, opts.Fixes)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read fixes", err)
		}
		return out.Success(InspectResult{Fixes: fixes}, func(w io.Writer) { writeFixes(w, fixes) })
	}

	sel, err := opts.selection()
	if err != nil {
		return err
	}
	issues, err := ledger.QueryIssues(ctx, sel)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to query ledger", err)
	}
	return out.Success(InspectResult{Issues: issues}, func(w io.Writer) { writeIssues(w, issues) })
}

// selection builds the ledger query from the flags.
func (o *InspectOptions) selection() (queryir.Select, error) {
	var preds []queryir.Predicate
	for _, cond := range o.Where {
		p, err := queryir.ParseCondition(cond)
		if err != nil {
			return queryir.Select{}, WrapExitError(ExitCommandError, "invalid --where", err)
		}
		preds = append(preds, p)
	}
	if o.Since > 0 {
		cutoff := o.now().Add(-o.Since).UnixMilli()
		preds = append(preds, queryir.Compare{Field: "lastSeen", Op: queryir.OpGte, Value: float64(cutoff)})
	}
	sel := queryir.Select{
		From:   store.IssuesTable.Name,
		Filter: queryir.Where(preds...),
		Limit:  o.Limit,
	}
	for _, ord := range o.Order {
		sel.OrderBy = append(sel.OrderBy, queryir.ParseOrder(ord))
	}
	if errs := queryir.Validate(sel); len(errs) > 0 {
		return queryir.Select{}, WrapExitError(ExitCommandError, "invalid query", errs[0])
	}
	return sel, nil
}

func writeIssues(w io.Writer, issues []store.IssueRecord) {
	if len(issues) == 0 {
		fmt.Fprintln(w, "No issues.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PRIORITY\tSEVERITY\tTYPE\tCOUNT\tLAST SEEN\tOUTCOME")
	for _, iss := range issues {
		outcome := iss.Outcome
		if outcome == "" {
			outcome = "-"
		}
		fmt.Fprintf(tw, "%.2f\t%s\t%s\t%d\t%s\t%s\n",
			iss.Priority, iss.Severity, iss.Type, iss.Count,
			iss.LastSeen.Format(time.RFC3339), outcome)
	}
	tw.Flush()
}

func writeFixes(w io.Writer, fixes []store.FixRecord) {
	if len(fixes) == 0 {
		fmt.Fprintln(w, "No known fixes.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FIX\tSUCCESS\tATTEMPTS\tDESCRIPTION")
	for _, f := range fixes {
		fmt.Fprintf(tw, "%s\t%.0f%%\t%d\t%s\n", f.FixID, 100*f.SuccessRate(), f.Attempts, f.Description)
	}
	tw.Flush()
}
