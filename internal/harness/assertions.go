package harness

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/roach88/vigil/internal/canon"
	"github.com/roach88/vigil/internal/detect"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, ev := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s %s", ev.Seq, ev.Step, ev.Target)
		if len(ev.Detected) > 0 {
			fmt.Fprintf(&buf, " detected=%v", ev.Detected)
		}
		buf.WriteByte('\n')
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns one message per
// failure.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion) error {
	switch a.Type {
	case AssertIssue:
		return assertIssue(result, a)
	case AssertNoIssue:
		return assertNoIssue(result, a)
	case AssertViolationCount:
		return assertViolationCount(result, a)
	case AssertState:
		return assertState(result, a)
	case AssertStats:
		return assertStats(result, a)
	}
	return fmt.Errorf("unknown assertion type: %s", a.Type)
}

func assertIssue(result *Result, a Assertion) error {
	iss, ok := result.IssueByType(a.Issue)
	if !ok {
		return &AssertionError{
			Type:     AssertIssue,
			Expected: fmt.Sprintf("issue of type %s", a.Issue),
			Actual:   fmt.Sprintf("issues present: %v", issueTypes(result.Issues)),
			Trace:    result.Trace,
		}
	}
	if field, ok := subsetMismatch(digest(iss), a.Expect); ok {
		return &AssertionError{
			Type:     AssertIssue,
			Expected: fmt.Sprintf("%s.%s = %s", a.Issue, field, render(a.Expect[field])),
			Actual:   render(digest(iss)[field]),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertNoIssue(result *Result, a Assertion) error {
	if iss, ok := result.IssueByType(a.Issue); ok {
		return &AssertionError{
			Type:     AssertNoIssue,
			Expected: fmt.Sprintf("no issue of type %s", a.Issue),
			Actual:   fmt.Sprintf("found with count %d", iss.Count),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertViolationCount(result *Result, a Assertion) error {
	n := 0
	for _, v := range result.Violations {
		if v.ContractID == a.Contract {
			n++
		}
	}
	if n != a.Count {
		return &AssertionError{
			Type:     AssertViolationCount,
			Expected: fmt.Sprintf("%s violated %d times", a.Contract, a.Count),
			Actual:   fmt.Sprintf("%d times", n),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertState(result *Result, a Assertion) error {
	got := lookupPath(result.State, a.Path)
	if !sameValue(got, a.Value) {
		return &AssertionError{
			Type:     AssertState,
			Expected: fmt.Sprintf("%s = %s", a.Path, render(a.Value)),
			Actual:   render(got),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertStats(result *Result, a Assertion) error {
	view := map[string]any{
		"totalIssues":     result.Stats.TotalIssues,
		"activeIssues":    result.Stats.ActiveIssues,
		"totalDetections": result.Stats.TotalDetections,
	}
	for method, ms := range result.Stats.ByMethod {
		view[string(method)] = map[string]any{
			"issues":         ms.Issues,
			"detections":     ms.Detections,
			"confirmed":      ms.Confirmed,
			"falsePositives": ms.FalsePositives,
			"accuracy":       ms.Accuracy,
		}
	}
	if field, ok := subsetMismatch(view, a.Expect); ok {
		return &AssertionError{
			Type:     AssertStats,
			Expected: fmt.Sprintf("%s = %s", field, render(a.Expect[field])),
			Actual:   render(view[field]),
			Trace:    result.Trace,
		}
	}
	return nil
}

// subsetMismatch returns the first key of want (in canonical order) whose
// value differs from got. Nested maps are compared as subsets too.
func subsetMismatch(got, want map[string]any) (string, bool) {
	for _, k := range canon.SortedKeys(want) {
		w := want[k]
		if wm, ok := w.(map[string]any); ok {
			gm, ok := got[k].(map[string]any)
			if !ok {
				return k, true
			}
			if _, bad := subsetMismatch(gm, wm); bad {
				return k, true
			}
			continue
		}
		if !sameValue(got[k], w) {
			return k, true
		}
	}
	return "", false
}

// sameValue compares through canonical JSON so 3 and 3.0 are equal.
func sameValue(a, b any) bool {
	ca, errA := canon.MarshalCanonical(a)
	cb, errB := canon.MarshalCanonical(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}

func render(v any) string {
	data, err := canon.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func lookupPath(tree map[string]any, path string) any {
	var node any = tree
	for _, seg := range strings.Split(path, ".") {
		m, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node = m[seg]
	}
	return node
}

func issueTypes(issues []*detect.Issue) []string {
	out := make([]string, len(issues))
	for i, iss := range issues {
		out[i] = iss.Type
	}
	return out
}
