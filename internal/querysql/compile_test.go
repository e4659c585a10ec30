package querysql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vigil/internal/queryir"
)

var issuesTable = Table{
	Name: "issues",
	Columns: map[string]string{
		"id":       "id",
		"type":     "type",
		"severity": "severity",
		"count":    "count",
		"priority": "priority",
		"resolved": "resolved",
		"lastSeen": "last_seen",
	},
	Key: "id",
}

const issuesCols = "count, id, last_seen AS lastSeen, priority, resolved, severity, type"

func TestCompileSelectAll(t *testing.T) {
	c := NewCompiler(issuesTable)
	sql, params, err := c.Compile(queryir.Select{From: "issues"})
	require.NoError(t, err)
	assert.Equal(t, "SELECT "+issuesCols+" FROM issues ORDER BY id ASC COLLATE BINARY", sql)
	assert.Empty(t, params)
}

func TestCompileFilterOrderLimit(t *testing.T) {
	c := NewCompiler(issuesTable)
	sql, params, err := c.Compile(queryir.Select{
		From: "issues",
		Filter: queryir.Where(
			queryir.Equals{Field: "severity", Value: "critical"},
			queryir.Compare{Field: "count", Op: queryir.OpGte, Value: 3},
			queryir.Equals{Field: "resolved", Value: false},
		),
		OrderBy: []queryir.Order{{Field: "priority", Desc: true}, {Field: "lastSeen"}},
		Limit:   5,
	})
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT "+issuesCols+" FROM issues WHERE (severity = ? AND count >= ? AND resolved = ?)"+
			" ORDER BY priority DESC, last_seen ASC, id ASC COLLATE BINARY LIMIT ?",
		sql)
	assert.Equal(t, []any{"critical", 3, 0, 5}, params)
}

func TestCompileNullComparisons(t *testing.T) {
	c := NewCompiler(issuesTable)
	sql, params, err := c.Compile(queryir.Select{From: "issues", Filter: queryir.Equals{Field: "type", Value: nil}})
	require.NoError(t, err)
	assert.Contains(t, sql, "WHERE type IS NULL")
	assert.Empty(t, params)

	sql, _, err = c.Compile(queryir.Select{From: "issues", Filter: queryir.Compare{Field: "type", Op: queryir.OpNe, Value: nil}})
	require.NoError(t, err)
	assert.Contains(t, sql, "WHERE type IS NOT NULL")
}

func TestCompileRejectsUnknownTableAndField(t *testing.T) {
	c := NewCompiler(issuesTable)

	_, _, err := c.Compile(queryir.Select{From: "sqlite_master"})
	assert.ErrorContains(t, err, "unknown table")

	_, _, err = c.Compile(queryir.Select{From: "issues", Filter: queryir.Equals{Field: "id; DROP TABLE issues", Value: 1}})
	assert.ErrorContains(t, err, "no queryable field")

	_, _, err = c.Compile(queryir.Select{From: "issues", OrderBy: []queryir.Order{{Field: "secret"}}})
	assert.ErrorContains(t, err, "no queryable field")
}

func TestCompileRejectsInvalidQuery(t *testing.T) {
	c := NewCompiler(issuesTable)
	_, _, err := c.Compile(nil)
	assert.Error(t, err)

	_, _, err = c.Compile(queryir.Select{From: "issues", Limit: -1})
	assert.ErrorContains(t, err, "invalid query")
}

func TestCompileValuesAreNeverInterpolated(t *testing.T) {
	c := NewCompiler(issuesTable)
	evil := "x' OR '1'='1"
	sql, params, err := c.Compile(queryir.Select{From: "issues", Filter: queryir.Equals{Field: "type", Value: evil}})
	require.NoError(t, err)
	assert.NotContains(t, sql, evil)
	assert.Equal(t, []any{evil}, params)
}
