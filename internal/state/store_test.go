package state

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vigil/internal/queryir"
	"github.com/roach88/vigil/internal/testutil"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, *testutil.ManualClock) {
	t.Helper()
	clock := testutil.NewManualClock(time.Time{})
	opts = append([]Option{WithClock(clock)}, opts...)
	return New(opts...), clock
}

func TestNewStoreHasDefaultShape(t *testing.T) {
	s, _ := newTestStore(t)
	assert.Equal(t, DefaultState(), s.Get(""))
	assert.Equal(t, []any{}, s.Get("ledger.transactions"))
	assert.Equal(t, map[string]any{}, s.Get("stats.errorCounts"))
}

func TestUpdateCreatesIntermediatesAndReturnsEvent(t *testing.T) {
	s, clock := newTestStore(t)

	ev, err := s.Update("tables.t1.players.p1.balance", 100, map[string]any{"source": "test"})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), ev.Seq)
	assert.Equal(t, clock.Now(), ev.Timestamp)
	assert.Equal(t, "tables.t1.players.p1.balance", ev.Path)
	assert.Nil(t, ev.OldValue)
	assert.Equal(t, float64(100), ev.NewValue)
	assert.Equal(t, map[string]any{"source": "test"}, ev.Metadata)

	assert.Equal(t, float64(100), s.Get("tables.t1.players.p1.balance"))
	assert.Equal(t, map[string]any{"balance": float64(100)}, s.Get("tables.t1.players.p1"))

	ev, err = s.Update("tables.t1.players.p1.balance", 150, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(100), ev.OldValue)
	assert.Equal(t, float64(150), ev.NewValue)
}

func TestGetMissingSegmentsReturnNil(t *testing.T) {
	s, _ := newTestStore(t)
	assert.Nil(t, s.Get("tables.nope.pot"))
	assert.Nil(t, s.Get("ledger.transactions.5"))
	assert.Nil(t, s.Get("ledger.transactions.x"))
}

func TestUpdateRejectsInvalidPathAndValue(t *testing.T) {
	s, _ := newTestStore(t)

	for _, p := range []string{"", "  ", "a..b", ".a", "a."} {
		_, err := s.Update(p, 1, nil)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve, "path %q", p)
		assert.Equal(t, CodeInvalidPath, ve.Code)
	}

	_, err := s.Update("performance.responseTimeMs", math.NaN(), nil)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, CodeInvalidValue, ve.Code)

	_, err = s.Update("a", func() {}, nil)
	assert.True(t, IsValidationError(err))

	assert.Equal(t, 0, s.HistoryLen(), "rejected writes must not be recorded")
}

func TestUpdateAllowsExplicitNull(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Update("players.p1.tableId", "t1", nil)
	require.NoError(t, err)

	ev, err := s.Update("players.p1.tableId", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "t1", ev.OldValue)
	assert.Nil(t, ev.NewValue)
	assert.Contains(t, s.Get("players.p1"), "tableId")
}

func TestUpdateNormalizesStructs(t *testing.T) {
	type tx struct {
		ID     string `json:"id"`
		Amount int    `json:"amount"`
	}
	s, _ := newTestStore(t)
	_, err := s.Update("ledger.transactions", []tx{{ID: "x1", Amount: 5}}, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"id": "x1", "amount": float64(5)}}, s.Get("ledger.transactions"))
}

func TestUpdateIntoListIndex(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Update("tables.t1.seats", []any{"p1", nil}, nil)
	require.NoError(t, err)

	_, err = s.Update("tables.t1.seats.1", "p2", nil)
	require.NoError(t, err)
	_, err = s.Update("tables.t1.seats.2", "p3", nil)
	require.NoError(t, err, "index == len appends")
	assert.Equal(t, []any{"p1", "p2", "p3"}, s.Get("tables.t1.seats"))

	_, err = s.Update("tables.t1.seats.7", "p9", nil)
	assert.True(t, IsValidationError(err))
}

func TestListPathCoercion(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Update("learning.patterns", map[string]any{"b": "second", "a": "first"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"first", "second"}, s.Get("learning.patterns"))

	_, err = s.Update("issues.detected", map[string]any{"10": "k", "2": "c", "0": "a"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "c", "k"}, s.Get("issues.detected"))

	_, err = s.Update("tables.t1.communityCards", "As", nil)
	require.NoError(t, err)
	assert.Equal(t, []any{}, s.Get("tables.t1.communityCards"))

	warns := s.IntegrityWarnings()
	require.Len(t, warns, 3)
	assert.Equal(t, WarnListCoercion, warns[0].Kind)
	assert.Equal(t, "learning.patterns", warns[0].Path)
	assert.Equal(t, WarnLegacyListRepair, warns[1].Kind)
	assert.Equal(t, WarnListCoercion, warns[2].Kind)
}

func TestNestedListPathsAreConformedOnAncestorWrite(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Update("learning", map[string]any{
		"patterns":  map[string]any{"0": "p0", "1": "p1"},
		"knowledge": map[string]any{"k": "v"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"p0", "p1"}, s.Get("learning.patterns"))
	assert.Len(t, s.IntegrityWarnings(), 1)
}

func TestTypeMismatchWarnsButWrites(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Update("tables.t1.pot", "lots", nil)
	require.NoError(t, err)
	assert.Equal(t, "lots", s.Get("tables.t1.pot"))

	warns := s.IntegrityWarnings()
	require.Len(t, warns, 1)
	assert.Equal(t, WarnTypeMismatch, warns[0].Kind)
	assert.Equal(t, "expected number, got string", warns[0].Message)
}

func TestScalarIntermediateIsReplacedWithWarning(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Update("services.db", "down", nil)
	require.NoError(t, err)
	_, err = s.Update("services.db.status", "ok", nil)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"status": "ok"}, s.Get("services.db"))
	warns := s.IntegrityWarnings()
	require.Len(t, warns, 1)
	assert.Equal(t, WarnContainerReplaced, warns[0].Kind)
	assert.Equal(t, "services.db", warns[0].Path)
}

type rewindingClock struct {
	times []time.Time
	i     int
}

func (c *rewindingClock) Now() time.Time {
	t := c.times[c.i]
	if c.i < len(c.times)-1 {
		c.i++
	}
	return t
}

func TestTimestampsNeverDecrease(t *testing.T) {
	base := testutil.Epoch
	clock := &rewindingClock{times: []time.Time{base.Add(5 * time.Second), base, base.Add(7 * time.Second)}}
	s := New(WithClock(clock))

	e1, err := s.Update("a", 1, nil)
	require.NoError(t, err)
	e2, err := s.Update("a", 2, nil)
	require.NoError(t, err)
	e3, err := s.Update("a", 3, nil)
	require.NoError(t, err)

	assert.Equal(t, base.Add(5*time.Second), e1.Timestamp)
	assert.Equal(t, base.Add(5*time.Second), e2.Timestamp, "clamped to the previous event")
	assert.Equal(t, base.Add(7*time.Second), e3.Timestamp)
}

func TestAppendBoundsListAndAddressesElement(t *testing.T) {
	s, _ := newTestStore(t)
	for i := 0; i < 5; i++ {
		ev, err := s.Append("ledger.transactions", map[string]any{"id": i}, 3, nil)
		require.NoError(t, err)
		assert.Nil(t, ev.OldValue)
		if i == 4 {
			assert.Equal(t, "ledger.transactions.2", ev.Path)
		}
	}
	got := s.Get("ledger.transactions").([]any)
	require.Len(t, got, 3)
	assert.Equal(t, map[string]any{"id": float64(2)}, got[0])
	assert.Equal(t, map[string]any{"id": float64(4)}, got[2])
}

func TestAppendCreatesMissingList(t *testing.T) {
	s, _ := newTestStore(t)
	ev, err := s.Append("tables.t9.communityCards", "Kh", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, "tables.t9.communityCards.0", ev.Path)
	assert.Equal(t, []any{"Kh"}, s.Get("tables.t9.communityCards"))
}

func TestGetAndSnapshotReturnCopies(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Update("tables.t1.potBreakdown", map[string]any{"main": 10}, nil)
	require.NoError(t, err)

	got := s.Get("tables.t1.potBreakdown").(map[string]any)
	got["main"] = float64(999)
	snap := s.Snapshot()
	snap["tables"] = nil

	assert.Equal(t, float64(10), s.Get("tables.t1.potBreakdown.main"))
	assert.NotNil(t, s.Get("tables"))
}

func TestEventValuesAreImmutable(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Update("tables.t1", map[string]any{"pot": 1}, nil)
	require.NoError(t, err)
	_, err = s.Update("tables.t1.pot", 2, nil)
	require.NoError(t, err)

	hist := s.History("tables.t1", 0)
	require.Len(t, hist, 2)
	assert.Equal(t, map[string]any{"pot": float64(1)}, hist[0].NewValue, "later nested writes must not leak into earlier events")
}

func TestAggregate(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Update("tables.t1.potBreakdown", map[string]any{"main": 100, "side": 25.5, "note": "x"}, nil)
	require.NoError(t, err)

	total, breakdown := s.Aggregate("tables.t1.potBreakdown")
	assert.Equal(t, 125.5, total)
	assert.Equal(t, map[string]float64{"main": 100, "side": 25.5}, breakdown)

	_, err = s.Update("tables.t1.pot", 40, nil)
	require.NoError(t, err)
	total, breakdown = s.Aggregate("tables.t1.pot")
	assert.Equal(t, float64(40), total)
	assert.Empty(t, breakdown)

	players := map[string]any{
		"p1": map[string]any{"balance": float64(60)},
		"p2": map[string]any{"balance": float64(40)},
		"p3": map[string]any{"name": "no balance"},
	}
	total, breakdown = AggregateOf(players, "balance")
	assert.Equal(t, float64(100), total)
	assert.Equal(t, map[string]float64{"p1": 60, "p2": 40}, breakdown)
}

func TestAggregateOfFractionalSumIsStable(t *testing.T) {
	players := map[string]any{}
	for i, b := range []float64{0.1, 0.2, 0.3, 0.7, 1.1, 2.3, 3.9, 0.05} {
		players[fmt.Sprintf("p%d", i)] = map[string]any{"balance": b}
	}

	first, _ := AggregateOf(players, "balance")
	for i := 0; i < 200; i++ {
		total, _ := AggregateOf(players, "balance")
		require.Equal(t, first, total, "iteration %d", i)
	}
}

func TestQuery(t *testing.T) {
	s, _ := newTestStore(t)
	for i, amt := range []int{50, -20, 300, 75} {
		_, err := s.Append("ledger.transactions", map[string]any{"id": i, "tableId": "t1", "amount": amt}, 0, nil)
		require.NoError(t, err)
	}

	rows, err := s.Query("ledger.transactions", queryir.Select{
		Filter:  queryir.Compare{Field: "amount", Op: queryir.OpGt, Value: 0},
		OrderBy: []queryir.Order{{Field: "amount", Desc: true}},
		Limit:   2,
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, float64(300), rows[0].(map[string]any)["amount"])
	assert.Equal(t, float64(75), rows[1].(map[string]any)["amount"])

	_, err = s.Update("services.api", map[string]any{"status": "ok", "errors": 0}, nil)
	require.NoError(t, err)
	_, err = s.Update("services.db", map[string]any{"status": "down", "errors": 4}, nil)
	require.NoError(t, err)
	rows, err = s.Query("services", queryir.Select{Filter: queryir.Equals{Field: "status", Value: "down"}})
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"status": "down", "errors": float64(4)}}, rows)

	_, err = s.Query("services.db.status", queryir.Select{})
	assert.Error(t, err)

	rows, err = s.Query("missing.path", queryir.Select{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}
