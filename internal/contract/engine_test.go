package contract

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vigil/internal/detect"
	"github.com/roach88/vigil/internal/policy"
	"github.com/roach88/vigil/internal/state"
	"github.com/roach88/vigil/internal/store"
	"github.com/roach88/vigil/internal/testutil"
)

type fixture struct {
	clock  *testutil.ManualClock
	state  *state.Store
	reg    *detect.Registry
	ledger *store.Store
	engine *Engine
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := testutil.NewManualClock(testutil.Epoch)
	st := state.New(state.WithClock(clk), state.WithLogger(logger))

	ledger, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	reg := detect.New(st, detect.WithClock(clk), detect.WithLogger(logger), detect.WithLedger(ledger))
	base := []Option{
		WithClock(clk),
		WithLogger(logger),
		WithReporter(reg),
		WithLedger(ledger),
		WithIDs(testutil.NewSequentialIDs("v")),
	}
	e := New(st, policy.Default(), append(base, opts...)...)
	return &fixture{clock: clk, state: st, reg: reg, ledger: ledger, engine: e}
}

func (f *fixture) seedTable(t *testing.T) {
	t.Helper()
	for path, v := range map[string]any{
		"tables.t1.players.p1.balance": 100.0,
		"tables.t1.players.p2.balance": 100.0,
		"tables.t1.pot":                0.0,
		"tables.t1.totalChips":         200.0,
		"tables.t1.seats":              []any{"p1", "p2"},
		"tables.t1.phase":              "waiting",
	} {
		_, err := f.state.Update(path, v, nil)
		require.NoError(t, err)
	}
}

func TestEvaluate_HealthyStateHasNoViolations(t *testing.T) {
	f := newFixture(t)
	f.seedTable(t)

	assert.Empty(t, f.engine.Evaluate(context.Background()))
	for _, c := range f.engine.Contracts() {
		assert.Equal(t, testutil.Epoch, c.LastCheck, c.ID)
		assert.Zero(t, c.ViolationCount, c.ID)
	}
}

func TestEvaluate_BalanceChangeFiresConservationViolation(t *testing.T) {
	f := newFixture(t)
	f.seedTable(t)
	ctx := context.Background()

	var heard []Violation
	f.engine.OnViolation(func(v Violation) { heard = append(heard, v) })

	_, err := f.state.Update("tables.t1.players.p1.balance", 150.0, nil)
	require.NoError(t, err)

	found := f.engine.Evaluate(ctx)
	require.Len(t, found, 1)
	v := found[0]
	assert.Equal(t, ChipConservation, v.ContractID)
	assert.Equal(t, "critical", v.Severity)
	assert.Equal(t, 50.0, v.Payload["difference"])
	assert.Equal(t, 200.0, v.Payload["expected"])
	assert.Equal(t, 250.0, v.Payload["actual"])
	assert.Equal(t, "v-0001", v.ID)
	require.Len(t, heard, 1)
	assert.Equal(t, v.ID, heard[0].ID)

	issues := f.reg.Active()
	require.Len(t, issues, 1)
	assert.Equal(t, "CONTRACT_VIOLATION_CHIP_CONSERVATION", issues[0].Type)
	assert.Equal(t, "critical", issues[0].Severity)
	assert.Equal(t, detect.MethodContract, issues[0].Method)
	assert.Equal(t, "conservation", issues[0].Category)
	assert.Equal(t, 50.0, issues[0].Details["difference"])
	assert.Equal(t, issues[0].ID, v.IssueID)
	assert.True(t, issues[0].RootCause.Identified)
	assert.Equal(t, "tables.t1.players.p1.balance", issues[0].RootCause.Path)

	recs, err := f.ledger.Violations(ctx, ChipConservation, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, v.IssueID, recs[0].IssueID)

	mirrored, ok := f.state.Get(MirrorPath).([]any)
	require.True(t, ok)
	require.Len(t, mirrored, 1)
	assert.Equal(t, "v-0001", mirrored[0].(map[string]any)["id"])

	status := f.engine.Contracts()[0]
	assert.Equal(t, 1, status.ViolationCount)
	assert.Equal(t, testutil.Epoch, status.LastViolation)
}

func TestEvaluate_RepeatedTicksShareOneIssue(t *testing.T) {
	f := newFixture(t)
	f.seedTable(t)
	ctx := context.Background()

	_, err := f.state.Update("tables.t1.pot", 10.0, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		f.clock.Advance(2 * time.Second)
		require.Len(t, f.engine.Evaluate(ctx), 1)
	}

	assert.Len(t, f.engine.Violations(), 3, "each tick records its own violation")
	issues := f.reg.Active()
	require.Len(t, issues, 1)
	assert.Equal(t, 3, issues[0].Count)
}

func TestEvaluate_FractionalBalancesKeepOneFingerprint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	players := map[string]any{}
	for i, b := range []float64{0.1, 0.2, 0.3, 0.7, 1.1, 2.3, 3.9, 0.05} {
		players[fmt.Sprintf("p%d", i)] = map[string]any{"balance": b}
	}
	_, err := f.state.Update("tables.t1.players", players, nil)
	require.NoError(t, err)
	_, err = f.state.Update("tables.t1.totalChips", 10.0, nil)
	require.NoError(t, err)

	var emitted atomic.Int32
	f.reg.OnIssue(func(detect.Issue) { emitted.Add(1) })

	for i := 0; i < 50; i++ {
		f.clock.Advance(2 * time.Second)
		f.engine.Evaluate(ctx)
	}

	issues := f.reg.All()
	require.Len(t, issues, 1)
	assert.Equal(t, IssueType("CHIP_CONSERVATION"), issues[0].Type)
	assert.Equal(t, 50, issues[0].Count)
	assert.Equal(t, int32(1), emitted.Load())
}

func TestEvaluate_PanickingContractIsolated(t *testing.T) {
	var calls atomic.Int32
	bad := &Contract{ID: "BAD", Severity: "low", Verifier: VerifierFunc(func(map[string]any) Result {
		panic("boom")
	})}
	good := &Contract{ID: "ALWAYS", Severity: "low", Verifier: VerifierFunc(func(map[string]any) Result {
		calls.Add(1)
		return Result{Valid: false}
	})}
	f := newFixture(t, WithContracts(bad, good))

	found := f.engine.Evaluate(context.Background())
	assert.Equal(t, int32(1), calls.Load())
	require.Len(t, found, 1, "invalid result without payloads still records one violation")
	assert.Equal(t, "ALWAYS", found[0].ContractID)
	assert.Equal(t, map[string]any{}, found[0].Payload)

	statuses := f.engine.Contracts()
	assert.Equal(t, 0, statuses[0].ViolationCount)
	assert.Equal(t, testutil.Epoch, statuses[0].LastCheck)
}

func TestEvaluate_BufferIsBounded(t *testing.T) {
	always := &Contract{ID: "ALWAYS", Severity: "low", Verifier: VerifierFunc(func(map[string]any) Result {
		return Result{Violations: []map[string]any{{"n": 1.0}, {"n": 2.0}}}
	})}
	f := newFixture(t, WithContracts(always), WithBufferCapacity(3), WithMirrorLimit(0))

	for i := 0; i < 3; i++ {
		f.engine.Evaluate(context.Background())
	}
	buf := f.engine.Violations()
	require.Len(t, buf, 3)
	assert.Equal(t, []string{"v-0004", "v-0005", "v-0006"}, []string{buf[0].ID, buf[1].ID, buf[2].ID})
	assert.Equal(t, []any{}, f.state.Get(MirrorPath), "mirroring disabled")
}

func TestSetPolicy_RebuildsVerifiers(t *testing.T) {
	f := newFixture(t)
	_, err := f.state.Update("performance.responseTimeMs", 1500.0, nil)
	require.NoError(t, err)
	require.Len(t, f.engine.Evaluate(context.Background()), 1)

	p := policy.Default()
	p.Contracts.ResponseTimeCeilingMs = 2000
	f.engine.SetPolicy(p)
	assert.Empty(t, f.engine.Evaluate(context.Background()))
	assert.Equal(t, 1, f.engine.Contracts()[4].ViolationCount, "bookkeeping survives reload")
}

func probeContract(calls *atomic.Int32) *Contract {
	return &Contract{ID: "PROBE", Severity: "low", Verifier: VerifierFunc(func(map[string]any) Result {
		calls.Add(1)
		return Result{Valid: true}
	})}
}

func TestStartStop_Idempotent(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, WithContracts(probeContract(&calls)), WithInterval(5*time.Millisecond))
	ctx := context.Background()

	f.engine.Start(ctx)
	f.engine.Start(ctx)
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)

	f.engine.Stop()
	f.engine.Stop()
	after := calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, calls.Load(), "no evaluations after Stop")

	f.engine.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, calls.Load(), "a stopped engine does not restart")
}

func TestStop_BeforeStart(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, WithContracts(probeContract(&calls)), WithInterval(time.Millisecond))

	f.engine.Stop()
	f.engine.Start(context.Background())
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, calls.Load())
}
