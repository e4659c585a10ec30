package harness

import (
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/vigil/internal/canon"
)

// Snapshot renders a result as canonical JSON: the trace, an issue digest
// per issue and the violation ids. Scores and free-form payloads are left
// out so the snapshot only moves when behavior does.
func Snapshot(name string, result *Result) ([]byte, error) {
	trace := make([]any, len(result.Trace))
	for i, ev := range result.Trace {
		m := map[string]any{
			"seq":  ev.Seq,
			"step": ev.Step,
			"at":   ev.At.UTC().Format(time.RFC3339),
		}
		if ev.Target != "" {
			m["target"] = ev.Target
		}
		if len(ev.Detected) > 0 {
			detected := make([]any, len(ev.Detected))
			for j, t := range ev.Detected {
				detected[j] = t
			}
			m["detected"] = detected
		}
		if ev.Violations > 0 {
			m["violations"] = ev.Violations
		}
		trace[i] = m
	}

	issues := make([]any, len(result.Issues))
	for i, iss := range result.Issues {
		issues[i] = digest(iss)
	}

	violations := make([]any, len(result.Violations))
	for i, v := range result.Violations {
		violations[i] = map[string]any{
			"id":         v.ID,
			"contractId": v.ContractID,
			"severity":   v.Severity,
		}
	}

	return canon.MarshalCanonical(map[string]any{
		"scenario":   name,
		"trace":      trace,
		"issues":     issues,
		"violations": violations,
	})
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden. Assertion failures are reported
// through t as well.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return err
	}
	for _, msg := range result.Errors {
		t.Error(msg)
	}
	return AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := Snapshot(name, result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
