package queryir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRows() []any {
	return []any{
		map[string]any{"id": "t1", "amount": float64(100), "tableId": "a", "meta": map[string]any{"rank": float64(2)}},
		map[string]any{"id": "t2", "amount": float64(-40), "tableId": "b"},
		map[string]any{"id": "t3", "amount": float64(250), "tableId": "a", "meta": map[string]any{"rank": float64(1)}},
		map[string]any{"id": "t4", "amount": float64(100), "tableId": "c", "settled": true},
	}
}

func ids(rows []any) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.(map[string]any)["id"].(string))
	}
	return out
}

func TestEvalFilterEquals(t *testing.T) {
	got, err := Eval(sampleRows(), Select{Filter: Equals{Field: "tableId", Value: "a"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t3"}, ids(got))
}

func TestEvalIntegerValueMatchesFloatField(t *testing.T) {
	got, err := Eval(sampleRows(), Select{Filter: Equals{Field: "amount", Value: 100}})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t4"}, ids(got))
}

func TestEvalCompareAndConjunction(t *testing.T) {
	sel := Select{Filter: Where(
		Compare{Field: "amount", Op: OpGte, Value: 100},
		Compare{Field: "tableId", Op: OpNe, Value: "c"},
	)}
	got, err := Eval(sampleRows(), sel)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t3"}, ids(got))
}

func TestEvalMissingFieldNeverMatchesComparison(t *testing.T) {
	got, err := Eval(sampleRows(), Select{Filter: Compare{Field: "meta.rank", Op: OpLt, Value: 5}})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t3"}, ids(got))
}

func TestEvalOrderByNestedFieldMissingLast(t *testing.T) {
	got, err := Eval(sampleRows(), Select{OrderBy: []Order{{Field: "meta.rank"}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"t3", "t1", "t2", "t4"}, ids(got))
}

func TestEvalOrderDescWithTieBreakAndLimit(t *testing.T) {
	sel := Select{
		OrderBy: []Order{{Field: "amount", Desc: true}, {Field: "id", Desc: true}},
		Limit:   3,
	}
	got, err := Eval(sampleRows(), sel)
	require.NoError(t, err)
	assert.Equal(t, []string{"t3", "t4", "t1"}, ids(got))
}

func TestEvalRejectsInvalidQuery(t *testing.T) {
	_, err := Eval(sampleRows(), Select{Limit: -1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit")
}

func TestEvalDoesNotMutateInput(t *testing.T) {
	rows := sampleRows()
	_, err := Eval(rows, Select{OrderBy: []Order{{Field: "amount"}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2", "t3", "t4"}, ids(rows))
}

func TestLookup(t *testing.T) {
	row := map[string]any{"a": map[string]any{"b": "c"}}
	assert.Equal(t, "c", Lookup(row, "a.b"))
	assert.Nil(t, Lookup(row, "a.x"))
	assert.Nil(t, Lookup(row, "a.b.c"))
	assert.Nil(t, Lookup("scalar", "a"))
}
