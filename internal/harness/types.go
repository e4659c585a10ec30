package harness

import (
	"time"

	"github.com/roach88/vigil/internal/contract"
	"github.com/roach88/vigil/internal/detect"
)

// TraceEvent records one executed step and what it caused.
type TraceEvent struct {
	Seq    int       `json:"seq"`
	Step   string    `json:"step"`
	Target string    `json:"target,omitempty"`
	At     time.Time `json:"at"`
	// Detected lists the types of issues first seen during this step.
	Detected []string `json:"detected,omitempty"`
	// Violations counts contract violations raised during this step.
	Violations int `json:"violations,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`

	// Issues holds every registered issue sorted by type, then id.
	Issues []*detect.Issue `json:"-"`
	// Violations is the contract engine's buffer, oldest first.
	Violations []contract.Violation `json:"-"`
	Stats      detect.DetectionStats `json:"-"`
	// State is the final snapshot.
	State map[string]any `json:"-"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// IssueByType returns the first issue of the given type.
func (r *Result) IssueByType(issueType string) (*detect.Issue, bool) {
	for _, iss := range r.Issues {
		if iss.Type == issueType {
			return iss, true
		}
	}
	return nil, false
}

// digest is the comparable view of an issue used by assertions and golden
// snapshots. Scores are left out; they depend on policy weights.
func digest(iss *detect.Issue) map[string]any {
	return map[string]any{
		"type":      iss.Type,
		"severity":  iss.Severity,
		"method":    string(iss.Method),
		"category":  iss.Category,
		"count":     iss.Count,
		"firstSeen": iss.FirstSeen.UTC().Format(time.RFC3339),
		"lastSeen":  iss.LastSeen.UTC().Format(time.RFC3339),
		"rootCause": iss.RootCause.Summary,
		"related":   len(iss.RelatedIssues),
	}
}
