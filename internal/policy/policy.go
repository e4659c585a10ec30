// Package policy holds the tunable detection policy: confidence and
// priority weights, anomaly thresholds, contract ceilings, log
// classification rules, root-cause hints and cross-category relatedness.
//
// Policies are written in CUE. A policy file is unified with the closed
// #Policy schema (schema.cue) and overlaid on the embedded default
// (default.cue), so a file only needs the fields it changes.
package policy

import (
	"strings"
	"time"
)

// Severity tiers, highest first.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Severities lists the valid severity tiers.
var Severities = []string{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

// Policy is the decoded detection policy.
type Policy struct {
	Confidence     Confidence          `json:"confidence"`
	Priority       Priority            `json:"priority"`
	Anomaly        Anomaly             `json:"anomaly"`
	Contracts      Contracts           `json:"contracts"`
	Windows        Windows             `json:"windows"`
	Fixes          Fixes               `json:"fixes"`
	LogRules       []LogRule           `json:"logRules"`
	RootCauseHints map[string][]string `json:"rootCauseHints"`
	Related        [][2]string         `json:"related"`
}

// Confidence controls issue confidence scoring.
type Confidence struct {
	Base                   float64 `json:"base"`
	StateVerificationBoost float64 `json:"stateVerificationBoost"`
	RepeatBoost            float64 `json:"repeatBoost"`
	RepeatBoostCap         float64 `json:"repeatBoostCap"`
}

// Priority controls issue priority scoring.
type Priority struct {
	SeverityWeight   float64            `json:"severityWeight"`
	ConfidenceWeight float64            `json:"confidenceWeight"`
	FrequencyWeight  float64            `json:"frequencyWeight"`
	Severity         map[string]float64 `json:"severity"`
}

// Anomaly controls statistical anomaly detection.
type Anomaly struct {
	Window           int     `json:"window"`
	Recent           int     `json:"recent"`
	Sigma            float64 `json:"sigma"`
	LatencyCeilingMs float64 `json:"latencyCeilingMs"`
	ErrorRateCeiling float64 `json:"errorRateCeiling"`
}

// Contracts holds the built-in contract thresholds.
type Contracts struct {
	ChipEpsilon           float64  `json:"chipEpsilon"`
	ErrorRatioCeiling     float64  `json:"errorRatioCeiling"`
	ResponseTimeCeilingMs float64  `json:"responseTimeCeilingMs"`
	HealthyStatuses       []string `json:"healthyStatuses"`
}

// Windows holds detection time windows.
type Windows struct {
	StalenessSeconds      int `json:"stalenessSeconds"`
	CausalLookbackSeconds int `json:"causalLookbackSeconds"`
}

// Fixes controls fix suggestion.
type Fixes struct {
	MinSuccessRate float64 `json:"minSuccessRate"`
}

// LogRule maps log messages containing any keyword to a category.
type LogRule struct {
	Category string   `json:"category"`
	Severity string   `json:"severity"`
	Keywords []string `json:"keywords"`
}

// Staleness is how long an issue stays active without re-detection.
func (p *Policy) Staleness() time.Duration {
	return time.Duration(p.Windows.StalenessSeconds) * time.Second
}

// CausalLookback is how far back root-cause analysis scans history.
func (p *Policy) CausalLookback() time.Duration {
	return time.Duration(p.Windows.CausalLookbackSeconds) * time.Second
}

// SeverityWeight returns the priority weight of a severity tier (0 when
// the tier is unknown).
func (p *Policy) SeverityWeight(severity string) float64 {
	return p.Priority.Severity[severity]
}

// Healthy reports whether status is one of the healthy service states.
func (p *Policy) Healthy(status string) bool {
	for _, s := range p.Contracts.HealthyStatuses {
		if strings.EqualFold(s, status) {
			return true
		}
	}
	return false
}

// Classify returns the first rule with a keyword contained in msg.
func (p *Policy) Classify(msg string) (LogRule, bool) {
	lower := strings.ToLower(msg)
	for _, r := range p.LogRules {
		for _, kw := range r.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				return r, true
			}
		}
	}
	return LogRule{}, false
}

// CrossRelated reports whether two categories are declared related,
// in either order.
func (p *Policy) CrossRelated(a, b string) bool {
	for _, pair := range p.Related {
		if (pair[0] == a && pair[1] == b) || (pair[0] == b && pair[1] == a) {
			return true
		}
	}
	return false
}

// HintsFor returns the root-cause path hints for a category.
func (p *Policy) HintsFor(category string) []string {
	return p.RootCauseHints[category]
}
