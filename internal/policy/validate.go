package policy

import (
	"fmt"
	"strings"
)

// Validation error codes (E200-E299)
const (
	ErrWeightNegative       = "E201" // priority weight below zero
	ErrConfidenceRange      = "E202" // confidence parameter outside [0,1]
	ErrAnomalyWindow        = "E203" // recent must not exceed window
	ErrLogRuleIncomplete    = "E204" // rule without category or keywords
	ErrLogRuleDuplicate     = "E205" // two rules share a category
	ErrUnknownSeverity      = "E206" // severity tier not recognized
	ErrRelatedIncomplete    = "E207" // related pair with an empty side
	ErrWindowNonPositive    = "E208" // time window must be positive
	ErrSeverityWeightAbsent = "E209" // severity tier missing a weight
	ErrNoHealthyStatuses    = "E210" // service liveness has nothing to accept
)

// ValidationError represents one semantic problem in a policy.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// InvalidError wraps every validation error found in one policy file.
type InvalidError struct {
	File   string
	Errors []ValidationError
}

// Error implements the error interface.
func (e *InvalidError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.Error()
	}
	return fmt.Sprintf("policy %s: %s", e.File, strings.Join(msgs, "; "))
}

// Validate checks the rules the CUE schema cannot express.
// Returns all errors found (does not fail-fast).
func Validate(p *Policy) []ValidationError {
	var errs []ValidationError
	add := func(code, field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Code: code})
	}

	// E201
	for _, f := range []field{
		{"priority.severityWeight", p.Priority.SeverityWeight},
		{"priority.confidenceWeight", p.Priority.ConfidenceWeight},
		{"priority.frequencyWeight", p.Priority.FrequencyWeight},
	} {
		if f.value < 0 {
			add(ErrWeightNegative, f.name, "must be >= 0, got %v", f.value)
		}
	}

	// E202
	for _, f := range []field{
		{"confidence.base", p.Confidence.Base},
		{"confidence.stateVerificationBoost", p.Confidence.StateVerificationBoost},
		{"confidence.repeatBoost", p.Confidence.RepeatBoost},
		{"confidence.repeatBoostCap", p.Confidence.RepeatBoostCap},
		{"fixes.minSuccessRate", p.Fixes.MinSuccessRate},
	} {
		if f.value < 0 || f.value > 1 {
			add(ErrConfidenceRange, f.name, "must be within [0,1], got %v", f.value)
		}
	}

	// E203
	if p.Anomaly.Recent < 1 || p.Anomaly.Window < 2 || p.Anomaly.Recent > p.Anomaly.Window {
		add(ErrAnomalyWindow, "anomaly", "need 1 <= recent <= window and window >= 2, got recent=%d window=%d",
			p.Anomaly.Recent, p.Anomaly.Window)
	}

	// E204, E205, E206
	seen := make(map[string]bool)
	for i, r := range p.LogRules {
		name := fmt.Sprintf("logRules[%d]", i)
		if r.Category == "" || len(r.Keywords) == 0 {
			add(ErrLogRuleIncomplete, name, "category and at least one keyword are required")
		}
		if seen[r.Category] {
			add(ErrLogRuleDuplicate, name, "category %q already has a rule", r.Category)
		}
		seen[r.Category] = true
		if !knownSeverity(r.Severity) {
			add(ErrUnknownSeverity, name, "unknown severity %q", r.Severity)
		}
	}

	// E207
	for i, pair := range p.Related {
		if pair[0] == "" || pair[1] == "" {
			add(ErrRelatedIncomplete, fmt.Sprintf("related[%d]", i), "both categories are required")
		}
	}

	// E208
	if p.Windows.StalenessSeconds <= 0 {
		add(ErrWindowNonPositive, "windows.stalenessSeconds", "must be positive")
	}
	if p.Windows.CausalLookbackSeconds <= 0 {
		add(ErrWindowNonPositive, "windows.causalLookbackSeconds", "must be positive")
	}

	// E209
	for _, sev := range Severities {
		if _, ok := p.Priority.Severity[sev]; !ok {
			add(ErrSeverityWeightAbsent, "priority.severity."+sev, "weight is required")
		}
	}

	// E210
	if len(p.Contracts.HealthyStatuses) == 0 {
		add(ErrNoHealthyStatuses, "contracts.healthyStatuses", "at least one healthy status is required")
	}

	return errs
}

type field struct {
	name  string
	value float64
}

func knownSeverity(s string) bool {
	for _, sev := range Severities {
		if s == sev {
			return true
		}
	}
	return false
}
