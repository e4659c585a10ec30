package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicy(t *testing.T) {
	p := Default()

	assert.Equal(t, 0.6, p.Confidence.Base)
	assert.Equal(t, 0.2, p.Confidence.StateVerificationBoost)
	assert.Equal(t, 0.05, p.Confidence.RepeatBoost)
	assert.Equal(t, 0.2, p.Confidence.RepeatBoostCap)
	assert.Equal(t, map[string]float64{"critical": 10, "high": 7, "medium": 4, "low": 1}, p.Priority.Severity)
	assert.Equal(t, 100, p.Anomaly.Window)
	assert.Equal(t, 10, p.Anomaly.Recent)
	assert.Equal(t, float64(3), p.Anomaly.Sigma)
	assert.Equal(t, float64(5000), p.Anomaly.LatencyCeilingMs)
	assert.Equal(t, 0.25, p.Anomaly.ErrorRateCeiling)
	assert.Equal(t, 0.01, p.Contracts.ChipEpsilon)
	assert.Equal(t, []string{"healthy", "connected", "ok"}, p.Contracts.HealthyStatuses)
	assert.Equal(t, 300*time.Second, p.Staleness())
	assert.Equal(t, 60*time.Second, p.CausalLookback())
	assert.Equal(t, 0.5, p.Fixes.MinSuccessRate)
	assert.Len(t, p.LogRules, 5)
	assert.Empty(t, Validate(p))
}

func TestDefaultReturnsIndependentCopies(t *testing.T) {
	a := Default()
	a.Priority.Severity["critical"] = 99
	a.LogRules[0].Keywords[0] = "changed"
	a.RootCauseHints["seat"] = nil

	b := Default()
	assert.Equal(t, float64(10), b.Priority.Severity["critical"])
	assert.Equal(t, "conservation", b.LogRules[0].Keywords[0])
	assert.Equal(t, []string{"seats"}, b.RootCauseHints["seat"])
}

func TestClassifyFirstMatchWins(t *testing.T) {
	p := Default()

	r, ok := p.Classify("mismatch: expected 500 actual 450")
	require.True(t, ok)
	assert.Equal(t, "pool_mismatch", r.Category)
	assert.Equal(t, SeverityHigh, r.Severity)

	r, ok = p.Classify("Chip CONSERVATION mismatch on table t1")
	require.True(t, ok)
	assert.Equal(t, "conservation", r.Category, "earlier rule wins even when a later keyword also matches")

	r, ok = p.Classify("dial tcp 10.0.0.1:5432: connection refused")
	require.True(t, ok)
	assert.Equal(t, "connectivity", r.Category)

	_, ok = p.Classify("user logged in")
	assert.False(t, ok)
}

func TestCrossRelatedIsSymmetric(t *testing.T) {
	p := Default()
	assert.True(t, p.CrossRelated("conservation", "pool_mismatch"))
	assert.True(t, p.CrossRelated("pool_mismatch", "conservation"))
	assert.True(t, p.CrossRelated("persistence", "connectivity"))
	assert.False(t, p.CrossRelated("conservation", "connectivity"))
}

func TestHealthyIsCaseInsensitive(t *testing.T) {
	p := Default()
	assert.True(t, p.Healthy("OK"))
	assert.True(t, p.Healthy("connected"))
	assert.False(t, p.Healthy("degraded"))
}

func TestParseOverlaysDefault(t *testing.T) {
	src := `
package policy

anomaly: sigma: 2.5
priority: severity: critical: 12
rootCauseHints: custom: ["custom."]
`
	p, err := Parse([]byte(src), "override.cue")
	require.NoError(t, err)

	assert.Equal(t, 2.5, p.Anomaly.Sigma)
	assert.Equal(t, 100, p.Anomaly.Window, "unset fields keep the default")
	assert.Equal(t, float64(12), p.Priority.Severity["critical"])
	assert.Equal(t, float64(7), p.Priority.Severity["high"])
	assert.Equal(t, []string{"custom."}, p.RootCauseHints["custom"])
	assert.Equal(t, []string{"seats"}, p.RootCauseHints["seat"])
}

func TestParseReplacesLogRules(t *testing.T) {
	src := `
logRules: [{category: "payments", severity: "critical", keywords: ["refund failed"]}]
`
	p, err := Parse([]byte(src), "rules.cue")
	require.NoError(t, err)
	require.Len(t, p.LogRules, 1)
	assert.Equal(t, "payments", p.LogRules[0].Category)
}

func TestParseRejectsSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"confidence out of range": `confidence: base: 1.5`,
		"window not int":          `anomaly: window: 10.5`,
		"bad severity":            `logRules: [{category: "x", severity: "urgent", keywords: ["x"]}]`,
		"empty keywords":          `logRules: [{category: "x", severity: "low", keywords: []}]`,
		"syntax":                  `anomaly: {`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(src), "bad.cue")
			assert.Error(t, err)
		})
	}
}

func TestParseRejectsSemanticViolations(t *testing.T) {
	src := `
anomaly: {window: 5, recent: 10}
logRules: [
	{category: "dup", severity: "low", keywords: ["a"]},
	{category: "dup", severity: "low", keywords: ["b"]},
]
`
	_, err := Parse([]byte(src), "semantic.cue")
	var ie *InvalidError
	require.ErrorAs(t, err, &ie)

	var codes []string
	for _, ve := range ie.Errors {
		codes = append(codes, ve.Code)
	}
	assert.Equal(t, []string{ErrAnomalyWindow, ErrLogRuleDuplicate}, codes)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	p := Default()
	p.Priority.FrequencyWeight = -1
	p.Confidence.Base = 2
	p.Related = append(p.Related, [2]string{"x", ""})
	p.Windows.StalenessSeconds = 0
	delete(p.Priority.Severity, "low")
	p.Contracts.HealthyStatuses = nil
	p.LogRules = append(p.LogRules, LogRule{Category: "", Severity: "nope"})

	var codes []string
	for _, ve := range Validate(p) {
		codes = append(codes, ve.Code)
	}
	assert.Equal(t, []string{
		ErrWeightNegative,
		ErrConfidenceRange,
		ErrLogRuleIncomplete,
		ErrUnknownSeverity,
		ErrRelatedIncomplete,
		ErrWindowNonPositive,
		ErrSeverityWeightAbsent,
		ErrNoHealthyStatuses,
	}, codes)
}
