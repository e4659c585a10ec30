package cli

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/vigil/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Golden string // directory of <scenario>.golden snapshots
	Update bool   // rewrite golden files instead of comparing
	Filter string // scenario file glob
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
}

// TestResult holds the overall test result.
type TestResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run monitor scenarios",
		Long: `Run YAML monitor scenarios against a fresh monitor with a manual clock.

With --golden each scenario's snapshot is compared to
<golden-dir>/<name>.golden; --update rewrites those files.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, malformed scenario, etc.)

Examples:
  vigil test ./testdata/scenarios
  vigil test ./testdata/scenarios --filter "log_*"
  vigil test ./testdata/scenarios --golden ./testdata/golden --update`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Golden, "golden", "", "directory of golden snapshots")
	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenario files by glob pattern")

	return cmd
}

func runTests(opts *TestOptions, dir string, cmd *cobra.Command) error {
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenarios directory not found: %s", dir))
	}
	if opts.Update && opts.Golden == "" {
		return NewExitError(ExitCommandError, "--update requires --golden")
	}

	files, err := findScenarioFiles(dir, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	result := TestResult{Scenarios: make([]ScenarioResult, 0, len(files)), Total: len(files)}
	for _, file := range files {
		sr, err := runScenario(opts, file)
		if err != nil {
			return err
		}
		result.Scenarios = append(result.Scenarios, sr)
		if sr.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
	}

	if err := opts.formatter(cmd.OutOrStdout()).Success(result, func(w io.Writer) {
		writeTestResult(w, result)
	}); err != nil {
		return err
	}
	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenarios failed", result.Failed, result.Total))
	}
	return nil
}

// findScenarioFiles returns the .yaml and .yml files directly in dir
// whose base name matches filter, sorted.
func findScenarioFiles(dir, filter string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		if filter != "" {
			ok, err := filepath.Match(filter, e.Name())
			if err != nil {
				return nil, fmt.Errorf("invalid filter: %w", err)
			}
			if !ok {
				continue
			}
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	return files, nil
}

func runScenario(opts *TestOptions, file string) (ScenarioResult, error) {
	s, err := harness.LoadScenario(file)
	if err != nil {
		return ScenarioResult{}, WrapExitError(ExitCommandError, fmt.Sprintf("failed to load %s", filepath.Base(file)), err)
	}
	sr := ScenarioResult{Name: s.Name}

	res, err := harness.Run(s)
	if err != nil {
		sr.Errors = []string{err.Error()}
		return sr, nil
	}
	sr.Errors = append(sr.Errors, res.Errors...)

	if opts.Golden != "" {
		if msg, err := compareGolden(opts, s.Name, res); err != nil {
			return sr, WrapExitError(ExitCommandError, "golden file error", err)
		} else if msg != "" {
			sr.Errors = append(sr.Errors, msg)
		}
	}
	sr.Pass = len(sr.Errors) == 0
	return sr, nil
}

// compareGolden checks (or with --update rewrites) the scenario's golden
// snapshot. A non-empty message is a mismatch.
func compareGolden(opts *TestOptions, name string, res *harness.Result) (string, error) {
	got, err := harness.Snapshot(name, res)
	if err != nil {
		return "", err
	}
	path := filepath.Join(opts.Golden, name+".golden")
	if opts.Update {
		if err := os.MkdirAll(opts.Golden, 0o755); err != nil {
			return "", err
		}
		return "", os.WriteFile(path, got, 0o644)
	}
	want, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fmt.Sprintf("golden file missing: %s (run with --update)", path), nil
	}
	if err != nil {
		return "", err
	}
	if !bytes.Equal(bytes.TrimSpace(want), bytes.TrimSpace(got)) {
		return fmt.Sprintf("snapshot differs from %s", path), nil
	}
	return "", nil
}

func writeTestResult(w io.Writer, r TestResult) {
	if r.Total == 0 {
		fmt.Fprintln(w, "No scenarios found.")
		return
	}
	for _, s := range r.Scenarios {
		status := "PASS"
		if !s.Pass {
			status = "FAIL"
		}
		fmt.Fprintf(w, "%s  %s\n", status, s.Name)
		for _, e := range s.Errors {
			fmt.Fprintf(w, "      %s\n", strings.ReplaceAll(strings.TrimSpace(e), "\n", "\n      "))
		}
	}
	fmt.Fprintf(w, "\n%d passed, %d failed, %d total\n", r.Passed, r.Failed, r.Total)
}
