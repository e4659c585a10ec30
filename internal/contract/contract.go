package contract

import (
	"fmt"
	"time"
)

// Kind selects a built-in contract family.
type Kind int

// Contract families.
const (
	KindConservation Kind = iota + 1
	KindMutualExclusion
	KindPhaseConsistency
	KindServiceLiveness
	KindResponseTime
	KindBoundedProgress
)

// Kinds lists every family in evaluation order.
var Kinds = []Kind{
	KindConservation,
	KindMutualExclusion,
	KindPhaseConsistency,
	KindServiceLiveness,
	KindResponseTime,
	KindBoundedProgress,
}

// String returns the family name.
func (k Kind) String() string {
	switch k {
	case KindConservation:
		return "conservation"
	case KindMutualExclusion:
		return "mutual_exclusion"
	case KindPhaseConsistency:
		return "phase_consistency"
	case KindServiceLiveness:
		return "service_liveness"
	case KindResponseTime:
		return "response_time"
	case KindBoundedProgress:
		return "bounded_progress"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Category is the issue category violations of this family land in. It
// selects root-cause hints and cross-category relatedness.
func (k Kind) Category() string {
	switch k {
	case KindConservation:
		return "conservation"
	case KindMutualExclusion:
		return "seat"
	case KindPhaseConsistency:
		return "phase"
	case KindServiceLiveness:
		return "connectivity"
	case KindResponseTime:
		return "latency"
	case KindBoundedProgress:
		return "progress"
	default:
		return ""
	}
}

// Result is the outcome of one verification. Each entry of Violations is
// the payload of one violation.
type Result struct {
	Valid      bool
	Violations []map[string]any
}

// Verifier checks one invariant. Verify must not modify snap.
type Verifier interface {
	Verify(snap map[string]any) Result
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(snap map[string]any) Result

// Verify calls f.
func (f VerifierFunc) Verify(snap map[string]any) Result { return f(snap) }

// result builds a Result from collected payloads.
func result(payloads []map[string]any) Result {
	return Result{Valid: len(payloads) == 0, Violations: payloads}
}

// Contract is a registered invariant and its bookkeeping.
type Contract struct {
	ID          string
	Name        string
	Description string
	Kind        Kind
	Severity    string
	Verifier    Verifier

	ViolationCount int
	LastCheck      time.Time
	LastViolation  time.Time
}

// Status is a read-only view of a contract.
type Status struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	Kind           string    `json:"kind"`
	Severity       string    `json:"severity"`
	ViolationCount int       `json:"violationCount"`
	LastCheck      time.Time `json:"lastCheck,omitzero"`
	LastViolation  time.Time `json:"lastViolation,omitzero"`
}

func (c *Contract) status() Status {
	return Status{
		ID:             c.ID,
		Name:           c.Name,
		Description:    c.Description,
		Kind:           c.Kind.String(),
		Severity:       c.Severity,
		ViolationCount: c.ViolationCount,
		LastCheck:      c.LastCheck,
		LastViolation:  c.LastViolation,
	}
}

// Violation is one failed contract evaluation instance.
type Violation struct {
	ID         string         `json:"id"`
	ContractID string         `json:"contractId"`
	Severity   string         `json:"severity"`
	Payload    map[string]any `json:"payload"`
	Timestamp  time.Time      `json:"timestamp"`
	IssueID    string         `json:"issueId,omitempty"`
}

// IssueType is the registry type violations of contractID are filed under.
func IssueType(contractID string) string {
	return "CONTRACT_VIOLATION_" + contractID
}
