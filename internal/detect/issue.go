package detect

import (
	"maps"
	"time"
)

// Method names the strategy that produced an issue.
type Method string

// Detection methods.
const (
	MethodStateVerification Method = "state_verification"
	MethodLogAnalysis       Method = "log_analysis"
	MethodAnomaly           Method = "anomaly_detection"
	MethodContract          Method = "contract_verification"
)

// Draft is a detection before it is fingerprinted.
//
// Details take part in the fingerprint and must stay stable across repeat
// detections (no timestamps or running measurements). Context carries the
// volatile measurements instead and is refreshed on every repeat.
type Draft struct {
	Type     string
	Severity string
	Method   Method
	Category string
	Details  map[string]any
	Context  map[string]any

	// At is the detection instant. Zero means the registry clock.
	At time.Time
}

// RootCause is the change event linked to an issue's category.
type RootCause struct {
	Identified bool      `json:"identified"`
	Summary    string    `json:"summary"`
	Path       string    `json:"path,omitempty"`
	Seq        uint64    `json:"seq,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitzero"`
	OldValue   any       `json:"oldValue,omitempty"`
	NewValue   any       `json:"newValue,omitempty"`
}

// Fix is a suggested remediation and its track record.
type Fix struct {
	ID          string  `json:"id"`
	Description string  `json:"description,omitempty"`
	SuccessRate float64 `json:"successRate"`
	Attempts    int     `json:"attempts"`
}

// Issue is one deduplicated detection.
type Issue struct {
	ID              string         `json:"id"`
	Type            string         `json:"type"`
	Severity        string         `json:"severity"`
	Method          Method         `json:"method"`
	Category        string         `json:"category,omitempty"`
	Details         map[string]any `json:"details"`
	Context         map[string]any `json:"context,omitempty"`
	FirstSeen       time.Time      `json:"firstSeen"`
	LastSeen        time.Time      `json:"lastSeen"`
	Count           int            `json:"count"`
	RootCause       RootCause      `json:"rootCause"`
	PossibleFixes   []Fix          `json:"possibleFixes"`
	HistoricalFixes []Fix          `json:"historicalFixes"`
	Confidence      float64        `json:"confidence"`
	Priority        float64        `json:"priority"`
	RelatedIssues   []string       `json:"relatedIssues"`
}

// clone returns a copy that shares no mutable state with the registry.
func (i *Issue) clone() *Issue {
	c := *i
	c.Details = copyObject(i.Details)
	c.Context = copyObject(i.Context)
	c.PossibleFixes = append([]Fix(nil), i.PossibleFixes...)
	c.HistoricalFixes = append([]Fix(nil), i.HistoricalFixes...)
	c.RelatedIssues = append([]string(nil), i.RelatedIssues...)
	return &c
}

func copyObject(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			out[k] = copyObject(val)
		case []any:
			out[k] = append([]any(nil), val...)
		case []string:
			out[k] = append([]string(nil), val...)
		default:
			out[k] = v
		}
	}
	return out
}

// MethodStats counts detections and operator verdicts for one method.
type MethodStats struct {
	Issues         int     `json:"issues"`
	Detections     int     `json:"detections"`
	Confirmed      int     `json:"confirmed"`
	FalsePositives int     `json:"falsePositives"`
	Accuracy       float64 `json:"accuracy"`
}

// DetectionStats is the registry's self-reported view of itself.
type DetectionStats struct {
	TotalIssues     int                    `json:"totalIssues"`
	ActiveIssues    int                    `json:"activeIssues"`
	TotalDetections int                    `json:"totalDetections"`
	ByMethod        map[Method]MethodStats `json:"byMethod"`
	BySeverity      map[string]int         `json:"bySeverity"`
}

func (s DetectionStats) clone() DetectionStats {
	s.ByMethod = maps.Clone(s.ByMethod)
	s.BySeverity = maps.Clone(s.BySeverity)
	return s
}

// digest is the compact form mirrored into issues.detected.
func (i *Issue) digest() map[string]any {
	return map[string]any{
		"id":        i.ID,
		"type":      i.Type,
		"severity":  i.Severity,
		"method":    string(i.Method),
		"category":  i.Category,
		"firstSeen": i.FirstSeen.UTC().Format(time.RFC3339Nano),
		"details":   copyObject(i.Details),
	}
}
