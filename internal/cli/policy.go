package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/vigil/internal/policy"
)

// PolicyResult is the JSON payload of policy.
type PolicyResult struct {
	File   string         `json:"file,omitempty"`
	Valid  bool           `json:"valid"`
	Policy *policy.Policy `json:"policy,omitempty"`
}

// NewPolicyCommand creates the policy command.
func NewPolicyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "policy [file]",
		Short: "Validate a CUE detection policy",
		Long: `Compile a CUE detection policy over the built-in default and validate it.
Without a file the effective default policy is printed.

Exit codes:
  0 - Policy is valid
  1 - Policy failed to compile or validate
  2 - Command error

Examples:
  vigil policy ./policy.cue
  vigil policy --format json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file := ""
			if len(args) == 1 {
				file = args[0]
			}
			return runPolicy(rootOpts, file, cmd)
		},
	}
}

func runPolicy(opts *RootOptions, file string, cmd *cobra.Command) error {
	out := opts.formatter(cmd.OutOrStdout())
	if file == "" {
		p := policy.Default()
		return out.Success(PolicyResult{Valid: true, Policy: p}, func(w io.Writer) { writePolicy(w, p) })
	}

	p, err := policy.LoadFile(file)
	if err != nil {
		var invalid *policy.InvalidError
		if errors.As(err, &invalid) {
			_ = out.Error("E200", fmt.Sprintf("policy %s is invalid", file), invalid.Errors)
			if !out.JSON() {
				for _, ve := range invalid.Errors {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", ve.Error())
				}
			}
			return WrapExitError(ExitFailure, "invalid policy", err)
		}
		var compile *policy.CompileError
		if errors.As(err, &compile) {
			_ = out.Error("E100", compile.Error(), nil)
			return WrapExitError(ExitFailure, "policy does not compile", err)
		}
		return WrapExitError(ExitCommandError, "failed to read policy", err)
	}

	return out.Success(PolicyResult{File: file, Valid: true, Policy: p}, func(w io.Writer) {
		fmt.Fprintf(w, "%s: valid\n", file)
		writePolicy(w, p)
	})
}

func writePolicy(w io.Writer, p *policy.Policy) {
	fmt.Fprintf(w, "Log rules: %d\n", len(p.LogRules))
	for _, r := range p.LogRules {
		fmt.Fprintf(w, "  %-18s %-8s %v\n", r.Category, r.Severity, r.Keywords)
	}
	fmt.Fprintf(w, "Staleness: %s, causal look-back: %s\n", p.Staleness(), p.CausalLookback())
	fmt.Fprintf(w, "Anomaly: window %d, recent %d, sigma %g\n", p.Anomaly.Window, p.Anomaly.Recent, p.Anomaly.Sigma)
}
