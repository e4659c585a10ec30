package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/roach88/vigil/internal/contract"
	"github.com/roach88/vigil/internal/detect"
	"github.com/roach88/vigil/internal/policy"
	"github.com/roach88/vigil/internal/state"
	"github.com/roach88/vigil/internal/store"
	"github.com/roach88/vigil/internal/testutil"
)

// Harness is one scenario's isolated monitor: state, registry, contracts
// and an in-memory ledger, all driven by a manual clock.
type Harness struct {
	clock     *testutil.ManualClock
	state     *state.Store
	ledger    *store.Store
	registry  *detect.Registry
	contracts *contract.Engine
	verifier  *detect.StateVerifier
	anomaly   *detect.AnomalyDetector
	logs      *detect.LogAnalyzer

	// detected collects the types of new issues during the current step.
	detected []string
}

// Run executes a scenario in a fresh in-memory ledger and returns the
// result. The error is non-nil only when the harness itself could not run;
// failed assertions are reported in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	p := policy.Default()
	if scenario.Policy != "" {
		loaded, err := policy.LoadFile(scenario.Policy)
		if err != nil {
			return nil, fmt.Errorf("failed to load policy: %w", err)
		}
		p = loaded
	}

	ledger, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory ledger: %w", err)
	}
	defer ledger.Close()

	h := newHarness(scenario.Start, p, ledger)
	ctx := context.Background()

	result := NewResult()
	for i, step := range scenario.Steps {
		ev, err := h.execute(ctx, step)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Kind(), err)
		}
		ev.Seq = i + 1
		result.Trace = append(result.Trace, ev)
	}

	result.Issues = h.registry.All()
	slices.SortStableFunc(result.Issues, func(a, b *detect.Issue) int {
		return strings.Compare(a.Type, b.Type)
	})
	result.Violations = h.contracts.Violations()
	result.Stats = h.registry.Stats()
	result.State = h.state.Snapshot()

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(start time.Time, p *policy.Policy, ledger *store.Store) *Harness {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := testutil.NewManualClock(start)

	st := state.New(state.WithClock(clock), state.WithLogger(logger))
	reg := detect.New(st,
		detect.WithClock(clock),
		detect.WithLogger(logger),
		detect.WithLedger(ledger),
		detect.WithPolicy(p),
		detect.WithIDs(testutil.NewSequentialIDs("diag")))
	ce := contract.New(st, p,
		contract.WithReporter(reg),
		contract.WithLedger(ledger),
		contract.WithClock(clock),
		contract.WithIDs(testutil.NewSequentialIDs("violation")),
		contract.WithLogger(logger))

	h := &Harness{
		clock:     clock,
		state:     st,
		ledger:    ledger,
		registry:  reg,
		contracts: ce,
		verifier:  detect.NewStateVerifier(st, reg),
		anomaly:   detect.NewAnomalyDetector(st, reg),
		logs:      detect.NewLogAnalyzer(st, reg),
	}
	reg.OnIssue(func(iss detect.Issue) {
		h.detected = append(h.detected, iss.Type)
	})
	return h
}

// execute runs one step. Listeners fire synchronously, so every issue the
// step causes is in h.detected when it returns.
func (h *Harness) execute(ctx context.Context, step Step) (TraceEvent, error) {
	h.detected = nil
	ev := TraceEvent{Step: step.Kind()}

	switch ev.Step {
	case StepUpdate:
		ev.Target = step.Update.Path
		if _, err := h.state.Update(step.Update.Path, step.Update.Value, nil); err != nil {
			return ev, err
		}
	case StepAppend:
		ev.Target = step.Append.Path
		if _, err := h.state.Append(step.Append.Path, step.Append.Value, step.Append.Limit, nil); err != nil {
			return ev, err
		}
	case StepAdvance:
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return ev, err
		}
		ev.Target = step.Advance
		h.clock.Advance(d)
	case StepLog:
		ev.Target = step.Log.Level
		le := detect.LogEvent{
			Timestamp: step.Log.Timestamp,
			Level:     step.Log.Level,
			Source:    step.Log.Source,
			Message:   step.Log.Message,
			Details:   step.Log.Details,
		}
		if le.Timestamp.IsZero() {
			le.Timestamp = h.clock.Now()
		}
		if _, err := h.logs.Analyze(ctx, le); err != nil {
			return ev, err
		}
	case StepCheck:
		ev.Target = step.Check
		if err := h.check(ctx, step.Check, &ev); err != nil {
			return ev, err
		}
	case StepOutcome:
		ev.Target = step.Outcome.Issue
		if err := h.outcome(ctx, step.Outcome); err != nil {
			return ev, err
		}
	default:
		return ev, fmt.Errorf("step has no action")
	}

	ev.At = h.clock.Now()
	ev.Detected = slices.Clone(h.detected)
	return ev, nil
}

func (h *Harness) check(ctx context.Context, target string, ev *TraceEvent) error {
	switch target {
	case CheckContracts:
		ev.Violations = len(h.contracts.Evaluate(ctx))
		return nil
	case CheckVerify:
		_, err := h.verifier.Check(ctx)
		return err
	case CheckAnomalies:
		_, err := h.anomaly.Check(ctx)
		return err
	}
	return fmt.Errorf("unknown check target %q", target)
}

func (h *Harness) outcome(ctx context.Context, o *OutcomeStep) error {
	for _, iss := range h.registry.All() {
		if iss.Type == o.Issue {
			return h.registry.RecordOutcome(ctx, iss.ID, o.Confirmed)
		}
	}
	return fmt.Errorf("no issue of type %s", o.Issue)
}
