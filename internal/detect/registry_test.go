package detect

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vigil/internal/canon"
	"github.com/roach88/vigil/internal/ids"
	"github.com/roach88/vigil/internal/policy"
	"github.com/roach88/vigil/internal/store"
	"github.com/roach88/vigil/internal/testutil"
)

func TestReport_DedupByFingerprint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, isNew, err := f.reg.Report(ctx, potDraft())
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, 1, first.Count)

	second := f.clock.Advance(10 * time.Second)
	again, isNew, err := f.reg.Report(ctx, potDraft())
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, first.ID, again.ID)

	active := f.reg.Active()
	require.Len(t, active, 1)
	assert.Equal(t, 2, active[0].Count)
	assert.Equal(t, second, active[0].LastSeen)
	assert.Equal(t, testutil.Epoch, active[0].FirstSeen)
}

func TestReport_FingerprintIgnoresKeyOrderAndContext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := potDraft()
	a.Context = map[string]any{"message": "one"}
	b := potDraft()
	b.Details = map[string]any{"actual": 450.0, "expected": 500.0, "tableId": "t1"}
	b.Context = map[string]any{"message": "two"}

	first, _, err := f.reg.Report(ctx, a)
	require.NoError(t, err)
	second, isNew, err := f.reg.Report(ctx, b)
	require.NoError(t, err)

	assert.False(t, isNew)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "two", second.Context["message"])
	assert.Equal(t, canon.MustFingerprint("POT_MISMATCH", "log_analysis", a.Details), first.ID)
}

func TestReport_DifferentDetailsAreDistinct(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other := potDraft()
	other.Details = map[string]any{"tableId": "t2", "expected": 500.0, "actual": 450.0}

	_, _, err := f.reg.Report(ctx, potDraft())
	require.NoError(t, err)
	_, isNew, err := f.reg.Report(ctx, other)
	require.NoError(t, err)

	assert.True(t, isNew)
	assert.Len(t, f.reg.Active(), 2)
}

func TestReport_MissingTypeFailsLoudly(t *testing.T) {
	f := newFixture(t, WithIDs(ids.NewFixed("0001")))
	_, err := f.state.Update("tables.t1.pot", 10.0, nil)
	require.NoError(t, err)

	d := potDraft()
	d.Type = "  "
	_, _, err = f.reg.Report(context.Background(), d)
	require.Error(t, err)

	var de *DiagnosticError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "DET-0001", de.Code)
	assert.True(t, IsDiagnosticError(err))
	assert.Equal(t, testutil.Epoch, de.Timestamp)
	require.NotNil(t, de.Snapshot)
	assert.Contains(t, de.Snapshot, "tables")
	assert.Empty(t, f.reg.All(), "rejected draft must not be registered")
}

func TestReport_MissingMethodFailsLoudly(t *testing.T) {
	f := newFixture(t)
	d := potDraft()
	d.Method = ""
	_, _, err := f.reg.Report(context.Background(), d)
	assert.True(t, IsDiagnosticError(err))
}

func TestActive_StalenessWindow(t *testing.T) {
	f := newFixture(t)
	iss, _, err := f.reg.Report(context.Background(), potDraft())
	require.NoError(t, err)

	f.clock.Advance(300 * time.Second)
	assert.Len(t, f.reg.Active(), 1, "exactly at the window edge is still active")

	f.clock.Advance(time.Second)
	assert.Empty(t, f.reg.Active())

	got, ok := f.reg.Get(iss.ID)
	require.True(t, ok)
	assert.Equal(t, iss.ID, got.ID)

	stats := f.reg.Stats()
	assert.Equal(t, 1, stats.TotalIssues)
	assert.Equal(t, 0, stats.ActiveIssues)
}

func TestActive_SortedByPriority(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	low := Draft{Type: "A", Severity: "low", Method: MethodAnomaly, Details: map[string]any{"k": 1.0}}
	crit := Draft{Type: "B", Severity: "critical", Method: MethodAnomaly, Details: map[string]any{"k": 2.0}}
	for _, d := range []Draft{low, crit} {
		_, _, err := f.reg.Report(ctx, d)
		require.NoError(t, err)
	}

	active := f.reg.Active()
	require.Len(t, active, 2)
	assert.Equal(t, "B", active[0].Type)
	assert.Equal(t, "A", active[1].Type)
}

func TestReport_ConfidenceAndPriority(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := Draft{Type: "CHIP_CONSERVATION", Severity: "critical", Method: MethodStateVerification,
		Details: map[string]any{"tableId": "t1"}}

	iss, _, err := f.reg.Report(ctx, d)
	require.NoError(t, err)
	// 0.5*10 + 0.3*10*0.8 + 0.2*10*0
	assert.InDelta(t, 0.8, iss.Confidence, 1e-9)
	assert.InDelta(t, 7.4, iss.Priority, 1e-9)

	iss, _, err = f.reg.Report(ctx, d)
	require.NoError(t, err)
	// 0.5*10 + 0.3*10*0.85 + 0.2*10*0.5
	assert.InDelta(t, 0.85, iss.Confidence, 1e-9)
	assert.InDelta(t, 8.55, iss.Priority, 1e-9)

	for i := 0; i < 20; i++ {
		iss, _, err = f.reg.Report(ctx, d)
		require.NoError(t, err)
	}
	assert.InDelta(t, 1.0, iss.Confidence, 1e-9, "repeat boost is capped and clamped")
}

func TestReport_PolicyWeightsApply(t *testing.T) {
	p := policy.Default()
	p.Priority.SeverityWeight = 1
	p.Priority.ConfidenceWeight = 0
	p.Priority.FrequencyWeight = 0
	f := newFixture(t, WithPolicy(p))

	iss, _, err := f.reg.Report(context.Background(), potDraft())
	require.NoError(t, err)
	assert.InDelta(t, 7.0, iss.Priority, 1e-9)
}

func TestReport_RootCauseLinked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.state.Update("services.db.status", "healthy", nil)
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, err = f.state.Update("tables.t1.potBreakdown", map[string]any{"main": 100.0}, nil)
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, err = f.state.Update("services.db.status", "down", nil)
	require.NoError(t, err)

	iss, _, err := f.reg.Report(ctx, potDraft())
	require.NoError(t, err)
	require.True(t, iss.RootCause.Identified)
	assert.Equal(t, "tables.t1.potBreakdown", iss.RootCause.Path)
	assert.Equal(t, testutil.Epoch.Add(time.Second), iss.RootCause.Timestamp)
	assert.Contains(t, iss.RootCause.Summary, "tables.t1.potBreakdown changed")
}

func TestReport_RootCauseOutsideLookback(t *testing.T) {
	f := newFixture(t)
	_, err := f.state.Update("tables.t1.pot", 100.0, nil)
	require.NoError(t, err)
	f.clock.Advance(61 * time.Second)

	iss, _, err := f.reg.Report(context.Background(), potDraft())
	require.NoError(t, err)
	assert.False(t, iss.RootCause.Identified)
	assert.Equal(t, NotIdentified, iss.RootCause.Summary)
}

func TestReport_RootCauseSkipsOwnWrites(t *testing.T) {
	p := policy.Default()
	p.RootCauseHints["digest"] = []string{"detected"}
	f := newFixture(t, WithPolicy(p))
	ctx := context.Background()

	// The first report mirrors into issues.detected; the second must not
	// pick that write up as its cause.
	_, _, err := f.reg.Report(ctx, Draft{Type: "X", Method: MethodAnomaly, Category: "digest"})
	require.NoError(t, err)
	require.NotEmpty(t, f.state.History(MirrorPath, 0))

	iss, _, err := f.reg.Report(ctx, Draft{Type: "Y", Method: MethodAnomaly, Category: "digest"})
	require.NoError(t, err)
	assert.False(t, iss.RootCause.Identified)
}

func TestReport_RelatedIssues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pot, _, err := f.reg.Report(ctx, potDraft())
	require.NoError(t, err)
	seat, _, err := f.reg.Report(ctx, Draft{Type: "SEAT", Method: MethodContract, Category: "seat",
		Details: map[string]any{"tableId": "t1"}})
	require.NoError(t, err)
	conn, _, err := f.reg.Report(ctx, Draft{Type: "CONN", Method: MethodLogAnalysis, Category: "connectivity",
		Details: map[string]any{"service": "db"}})
	require.NoError(t, err)
	chips, _, err := f.reg.Report(ctx, Draft{Type: "CHIPS", Method: MethodStateVerification, Category: "conservation",
		Details: map[string]any{"tableId": "t9"}})
	require.NoError(t, err)

	assert.Equal(t, []string{pot.ID}, seat.RelatedIssues, "shared tableId")
	assert.Empty(t, conn.RelatedIssues)
	assert.Equal(t, []string{pot.ID}, chips.RelatedIssues, "cross-relevant categories")

	got, ok := f.reg.Get(pot.ID)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{seat.ID, chips.ID}, got.RelatedIssues, "relations are symmetric")
}

func TestReport_ListenersFireOncePerFingerprint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var seen []Issue
	f.reg.OnIssue(func(iss Issue) { seen = append(seen, iss) })
	f.reg.OnIssue(func(Issue) { panic("bad listener") })

	for i := 0; i < 3; i++ {
		_, _, err := f.reg.Report(ctx, potDraft())
		require.NoError(t, err)
	}
	require.Len(t, seen, 1)
	assert.Equal(t, 1, seen[0].Count)
}

func TestReport_MirrorsDigestIntoState(t *testing.T) {
	f := newFixture(t, WithMirrorLimit(2))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := f.reg.Report(ctx, Draft{Type: "T", Method: MethodAnomaly,
			Details: map[string]any{"n": float64(i)}})
		require.NoError(t, err)
	}
	// Repeats are not mirrored again.
	_, _, err := f.reg.Report(ctx, Draft{Type: "T", Method: MethodAnomaly, Details: map[string]any{"n": 2.0}})
	require.NoError(t, err)

	list, ok := f.state.Get(MirrorPath).([]any)
	require.True(t, ok)
	require.Len(t, list, 2)
	last := list[1].(map[string]any)
	assert.Equal(t, "T", last["type"])
	assert.Equal(t, map[string]any{"n": 2.0}, last["details"])
}

func TestReport_FixSuggestionsFromLedger(t *testing.T) {
	ledger := openLedger(t)
	f := newFixture(t, WithLedger(ledger))
	ctx := context.Background()

	require.NoError(t, f.reg.RecordFixOutcome(ctx, "POT_MISMATCH", "recompute", "recompute pot", true))
	require.NoError(t, f.reg.RecordFixOutcome(ctx, "POT_MISMATCH", "resync", "", true))
	require.NoError(t, f.reg.RecordFixOutcome(ctx, "POT_MISMATCH", "resync", "", false))
	require.NoError(t, f.reg.RecordFixOutcome(ctx, "POT_MISMATCH", "restart", "", false))

	iss, _, err := f.reg.Report(ctx, potDraft())
	require.NoError(t, err)

	require.Len(t, iss.PossibleFixes, 1, "only fixes above 0.5 are suggested")
	assert.Equal(t, "recompute", iss.PossibleFixes[0].ID)
	assert.Equal(t, 1.0, iss.PossibleFixes[0].SuccessRate)

	require.Len(t, iss.HistoricalFixes, 3)
	assert.Equal(t, []string{"recompute", "resync", "restart"},
		[]string{iss.HistoricalFixes[0].ID, iss.HistoricalFixes[1].ID, iss.HistoricalFixes[2].ID})

	rec, err := ledger.GetIssue(ctx, iss.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Count)
	assert.Equal(t, "pool_mismatch", rec.Category)

	f.clock.Advance(time.Minute)
	_, _, err = f.reg.Report(ctx, potDraft())
	require.NoError(t, err)
	rec, err = ledger.GetIssue(ctx, iss.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Count)
	assert.Equal(t, testutil.Epoch.Add(time.Minute), rec.LastSeen)
}

func TestRecordFixOutcome_NoLedger(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.reg.RecordFixOutcome(context.Background(), "T", "fix", "", true))
}

func TestRecordOutcome_Accuracy(t *testing.T) {
	ledger := openLedger(t)
	f := newFixture(t, WithLedger(ledger))
	ctx := context.Background()

	var issues []*Issue
	for i := 0; i < 4; i++ {
		iss, _, err := f.reg.Report(ctx, Draft{Type: "T", Method: MethodLogAnalysis,
			Details: map[string]any{"n": float64(i)}})
		require.NoError(t, err)
		issues = append(issues, iss)
	}
	require.NoError(t, f.reg.RecordOutcome(ctx, issues[0].ID, true))
	require.NoError(t, f.reg.RecordOutcome(ctx, issues[1].ID, true))
	require.NoError(t, f.reg.RecordOutcome(ctx, issues[2].ID, true))
	require.NoError(t, f.reg.RecordOutcome(ctx, issues[3].ID, false))

	err := f.reg.RecordOutcome(ctx, "nope", true)
	assert.True(t, errors.Is(err, ErrUnknownIssue))

	stats := f.reg.Stats()
	ms := stats.ByMethod[MethodLogAnalysis]
	assert.Equal(t, 4, ms.Issues)
	assert.Equal(t, 3, ms.Confirmed)
	assert.Equal(t, 1, ms.FalsePositives)
	assert.InDelta(t, 0.75, ms.Accuracy, 1e-9)
	assert.Equal(t, 4, stats.BySeverity["medium"])

	rec, err := ledger.GetIssue(ctx, issues[3].ID)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeFalsePositive, rec.Outcome)
}

func TestReport_ReturnedIssueIsACopy(t *testing.T) {
	f := newFixture(t)
	iss, _, err := f.reg.Report(context.Background(), potDraft())
	require.NoError(t, err)

	iss.Details["tableId"] = "mutated"
	got, _ := f.reg.Get(iss.ID)
	assert.Equal(t, "t1", got.Details["tableId"])
}

func TestRestore_ContinuesCountsAcrossRestart(t *testing.T) {
	ledger := openLedger(t)
	ctx := context.Background()

	first := newFixture(t, WithLedger(ledger))
	var id string
	for i := 0; i < 10; i++ {
		iss, _, err := first.reg.Report(ctx, potDraft())
		require.NoError(t, err)
		id = iss.ID
	}
	require.NoError(t, first.reg.RecordOutcome(ctx, id, true))

	second := newFixture(t, WithLedger(ledger))
	var emitted int
	second.reg.OnIssue(func(Issue) { emitted++ })

	n, err := second.reg.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	restored, ok := second.reg.Get(id)
	require.True(t, ok)
	assert.Equal(t, 10, restored.Count)
	assert.Equal(t, NotIdentified, restored.RootCause.Summary)

	iss, isNew, err := second.reg.Report(ctx, potDraft())
	require.NoError(t, err)
	assert.False(t, isNew, "a known fingerprint is a repeat after restart")
	assert.Equal(t, 11, iss.Count)
	assert.Zero(t, emitted)
	assert.Nil(t, second.state.Get(MirrorPath+".0"), "restored issues are not mirrored again")

	rec, err := ledger.GetIssue(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 11, rec.Count)

	ms := second.reg.Stats().ByMethod[MethodLogAnalysis]
	assert.Equal(t, 1, ms.Issues)
	assert.Equal(t, 11, ms.Detections)
	assert.Equal(t, 1, ms.Confirmed)

	again, err := second.reg.Restore(ctx)
	require.NoError(t, err)
	assert.Zero(t, again, "known issues are not restored twice")
}

func TestRestore_NoLedger(t *testing.T) {
	f := newFixture(t)
	n, err := f.reg.Restore(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
