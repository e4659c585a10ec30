package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/vigil/internal/state"
)

// RecoverOptions holds flags for the recover command.
type RecoverOptions struct {
	*RootOptions
	Save bool
}

// RecoverResult is the JSON payload of recover.
type RecoverResult struct {
	Report   state.LoadReport         `json:"report"`
	Warnings []state.IntegrityWarning `json:"warnings,omitempty"`
	Saved    string                   `json:"saved,omitempty"`
}

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecoverOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "recover <state-file>",
		Short: "Load a state document and report how it was recovered",
		Long: `Load a persisted state document the way the monitor does at startup and
print the recovery report: whether the document loaded cleanly, came from
the backup, was salvaged from a corrupt file, or had to be reset.

Exit codes:
  0 - Document loaded, restored from backup, or salvaged
  1 - Nothing recoverable; state was reset to defaults
  2 - Command error

Examples:
  vigil recover ./state.json
  vigil recover ./state.json --save`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecover(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Save, "save", false, "write the recovered state back to the file")

	return cmd
}

func runRecover(opts *RecoverOptions, file string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	logger := opts.newLogger(cmd.ErrOrStderr(), "warn")

	st := state.New(state.WithFile(file), state.WithBackup(false), state.WithLogger(logger))
	report, err := st.Load(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load state", err)
	}

	result := RecoverResult{Report: report, Warnings: st.IntegrityWarnings()}
	if opts.Save {
		if _, err := st.Save(ctx); err != nil {
			return WrapExitError(ExitCommandError, "failed to save recovered state", err)
		}
		result.Saved = file
	}

	if err := opts.formatter(cmd.OutOrStdout()).Success(result, func(w io.Writer) {
		writeRecovery(w, result)
	}); err != nil {
		return err
	}
	if report.Outcome == state.LoadReset {
		return NewExitError(ExitFailure, "state reset: nothing recoverable")
	}
	return nil
}

func writeRecovery(w io.Writer, r RecoverResult) {
	fmt.Fprintf(w, "Outcome: %s\n", r.Report.Outcome)
	fmt.Fprintf(w, "File: %s\n", r.Report.Path)
	fmt.Fprintf(w, "Events: %d, repairs: %d\n", r.Report.Events, r.Report.Repairs)
	if r.Report.ParseError != "" {
		fmt.Fprintf(w, "Parse error: %s\n", r.Report.ParseError)
	}
	if r.Report.CorruptedPath != "" {
		fmt.Fprintf(w, "Corrupt copy: %s\n", r.Report.CorruptedPath)
	}
	if r.Report.RecoveredPath != "" {
		fmt.Fprintf(w, "Recovered fragments: %s\n", r.Report.RecoveredPath)
	}
	for key, n := range r.Report.Salvaged {
		fmt.Fprintf(w, "Salvaged %s: %d\n", key, n)
	}
	if len(r.Warnings) > 0 {
		fmt.Fprintf(w, "Integrity warnings: %d\n", len(r.Warnings))
	}
	if r.Saved != "" {
		fmt.Fprintf(w, "Saved: %s\n", r.Saved)
	}
}
