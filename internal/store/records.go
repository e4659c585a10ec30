package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/vigil/internal/canon"
	"github.com/roach88/vigil/internal/querysql"
)

// IssueRecord is the ledger row for one issue fingerprint.
type IssueRecord struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Severity   string         `json:"severity"`
	Method     string         `json:"method"`
	Category   string         `json:"category,omitempty"`
	Details    map[string]any `json:"details"`
	FirstSeen  time.Time      `json:"firstSeen"`
	LastSeen   time.Time      `json:"lastSeen"`
	Count      int            `json:"count"`
	Confidence float64        `json:"confidence"`
	Priority   float64        `json:"priority"`
	RootCause  string         `json:"rootCause,omitempty"`
	Outcome    string         `json:"outcome,omitempty"`
}

// Issue outcomes recorded by operators.
const (
	OutcomeConfirmed     = "confirmed"
	OutcomeFalsePositive = "false_positive"
)

// ViolationRecord is the ledger row for one failed contract evaluation.
type ViolationRecord struct {
	ID         string         `json:"id"`
	ContractID string         `json:"contractId"`
	Severity   string         `json:"severity"`
	Payload    map[string]any `json:"payload"`
	Timestamp  time.Time      `json:"timestamp"`
	IssueID    string         `json:"issueId,omitempty"`
}

// FixRecord is the knowledge-base entry for one fix applied to one issue type.
type FixRecord struct {
	IssueType   string    `json:"issueType"`
	FixID       string    `json:"fixId"`
	Description string    `json:"description,omitempty"`
	Attempts    int       `json:"attempts"`
	Successes   int       `json:"successes"`
	LastAttempt time.Time `json:"lastAttempt"`
}

// SuccessRate is Successes/Attempts, or 0 before the first attempt.
func (f FixRecord) SuccessRate() float64 {
	if f.Attempts == 0 {
		return 0
	}
	return float64(f.Successes) / float64(f.Attempts)
}

// IssuesTable exposes the issues table to querysql. Field names match the
// JSON names of IssueRecord.
var IssuesTable = querysql.Table{
	Name: "issues",
	Columns: map[string]string{
		"id":         "id",
		"type":       "type",
		"severity":   "severity",
		"method":     "method",
		"category":   "category",
		"details":    "details",
		"firstSeen":  "first_seen",
		"lastSeen":   "last_seen",
		"count":      "count",
		"confidence": "confidence",
		"priority":   "priority",
		"rootCause":  "root_cause",
		"outcome":    "outcome",
	},
	Key: "id",
}

// marshalObject converts a detail/payload object to canonical JSON TEXT.
func marshalObject(obj map[string]any) (string, error) {
	if obj == nil {
		obj = map[string]any{}
	}
	data, err := canon.MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("marshal object: %w", err)
	}
	return string(data), nil
}

func unmarshalObject(text string) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil, fmt.Errorf("unmarshal object: %w", err)
	}
	if obj == nil {
		obj = map[string]any{}
	}
	return obj, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
