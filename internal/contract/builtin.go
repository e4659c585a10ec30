package contract

import (
	"fmt"
	"math"

	"github.com/roach88/vigil/internal/canon"
	"github.com/roach88/vigil/internal/policy"
	"github.com/roach88/vigil/internal/state"
)

// Built-in contract ids.
const (
	ChipConservation  = "CHIP_CONSERVATION"
	SeatExclusivity   = "SEAT_EXCLUSIVITY"
	PhaseConsistency  = "PHASE_CONSISTENCY"
	ServiceLiveness   = "SERVICE_LIVENESS"
	ResponseTime      = "RESPONSE_TIME"
	OperationProgress = "OPERATION_PROGRESS"
)

// communityCards is the board size each phase implies. Phases not listed
// (finished) accept any count.
var communityCards = map[string]int{
	"waiting":  0,
	"preflop":  0,
	"flop":     3,
	"turn":     4,
	"river":    5,
	"showdown": 5,
}

// terminalPhases have no current actor.
var terminalPhases = map[string]bool{"waiting": true, "finished": true}

// Builtin returns the startup contract table, one contract per Kind.
func Builtin(p *policy.Policy) []*Contract {
	out := make([]*Contract, 0, len(Kinds))
	for _, k := range Kinds {
		out = append(out, newContract(k, p))
	}
	return out
}

func newContract(k Kind, p *policy.Policy) *Contract {
	c := &Contract{Kind: k, Verifier: NewVerifier(k, p)}
	switch k {
	case KindConservation:
		c.ID, c.Severity = ChipConservation, policy.SeverityCritical
		c.Name = "Chip conservation"
		c.Description = "Per table, player balances plus the pot equal the recorded chip total"
	case KindMutualExclusion:
		c.ID, c.Severity = SeatExclusivity, policy.SeverityCritical
		c.Name = "Seat exclusivity"
		c.Description = "No player occupies two seats at once"
	case KindPhaseConsistency:
		c.ID, c.Severity = PhaseConsistency, policy.SeverityHigh
		c.Name = "Phase consistency"
		c.Description = "Community cards match the phase and the current actor holds an occupied seat"
	case KindServiceLiveness:
		c.ID, c.Severity = ServiceLiveness, policy.SeverityHigh
		c.Name = "Service liveness"
		c.Description = "Dependent services report a healthy status and a bounded error ratio"
	case KindResponseTime:
		c.ID, c.Severity = ResponseTime, policy.SeverityMedium
		c.Name = "Response time"
		c.Description = "Response time stays under the ceiling"
	case KindBoundedProgress:
		c.ID, c.Severity = OperationProgress, policy.SeverityMedium
		c.Name = "Operation progress"
		c.Description = "Active operations carry a start time and progress within 0-100"
	}
	return c
}

// NewVerifier returns the verifier for a contract family under policy p.
func NewVerifier(k Kind, p *policy.Policy) Verifier {
	switch k {
	case KindConservation:
		return conservation{epsilon: p.Contracts.ChipEpsilon}
	case KindMutualExclusion:
		return VerifierFunc(seatExclusivity)
	case KindPhaseConsistency:
		return VerifierFunc(phaseConsistency)
	case KindServiceLiveness:
		return liveness{policy: p}
	case KindResponseTime:
		return responseTime{ceilingMs: p.Contracts.ResponseTimeCeilingMs}
	case KindBoundedProgress:
		return VerifierFunc(boundedProgress)
	default:
		panic(fmt.Sprintf("contract: no verifier for %s", k))
	}
}

func objectAt(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

type conservation struct {
	epsilon float64
}

func (c conservation) Verify(snap map[string]any) Result {
	tables := objectAt(snap, "tables")
	var out []map[string]any
	for _, tid := range canon.SortedKeys(tables) {
		table, ok := tables[tid].(map[string]any)
		if !ok {
			continue
		}
		expected, ok := table["totalChips"].(float64)
		if !ok {
			continue
		}
		balances, _ := state.AggregateOf(table["players"], "balance")
		pot, _ := table["pot"].(float64)
		actual := balances + pot
		if math.Abs(actual-expected) > c.epsilon {
			out = append(out, map[string]any{
				"tableId":    tid,
				"expected":   expected,
				"actual":     actual,
				"difference": actual - expected,
			})
		}
	}
	return result(out)
}

func seatExclusivity(snap map[string]any) Result {
	tables := objectAt(snap, "tables")
	seen := map[string][]any{}
	var order []string
	for _, tid := range canon.SortedKeys(tables) {
		table, ok := tables[tid].(map[string]any)
		if !ok {
			continue
		}
		seats, _ := table["seats"].([]any)
		for i, occupant := range seats {
			pid, ok := occupant.(string)
			if !ok || pid == "" {
				continue
			}
			if _, dup := seen[pid]; !dup {
				order = append(order, pid)
			}
			seen[pid] = append(seen[pid], fmt.Sprintf("%s:%d", tid, i))
		}
	}

	var out []map[string]any
	for _, pid := range order {
		if len(seen[pid]) > 1 {
			out = append(out, map[string]any{"playerId": pid, "seats": seen[pid]})
		}
	}
	return result(out)
}

func phaseConsistency(snap map[string]any) Result {
	tables := objectAt(snap, "tables")
	var out []map[string]any
	for _, tid := range canon.SortedKeys(tables) {
		table, ok := tables[tid].(map[string]any)
		if !ok {
			continue
		}
		phase, ok := table["phase"].(string)
		if !ok {
			continue
		}

		if want, known := communityCards[phase]; known {
			cards, _ := table["communityCards"].([]any)
			if len(cards) != want {
				out = append(out, map[string]any{
					"tableId":  tid,
					"check":    "communityCards",
					"phase":    phase,
					"expected": float64(want),
					"actual":   float64(len(cards)),
				})
			}
		}

		if terminalPhases[phase] {
			continue
		}
		actor, present := table["currentActor"]
		if !present || actor == nil {
			continue
		}
		if !occupied(table["seats"], actor) {
			out = append(out, map[string]any{
				"tableId":      tid,
				"check":        "currentActor",
				"phase":        phase,
				"currentActor": actor,
			})
		}
	}
	return result(out)
}

// occupied reports whether actor is an integral index of a non-empty seat.
func occupied(seatsVal, actor any) bool {
	seats, _ := seatsVal.([]any)
	idx, ok := actor.(float64)
	if !ok || idx != math.Trunc(idx) || idx < 0 || int(idx) >= len(seats) {
		return false
	}
	switch occupant := seats[int(idx)].(type) {
	case nil:
		return false
	case string:
		return occupant != ""
	default:
		return true
	}
}

type liveness struct {
	policy *policy.Policy
}

func (l liveness) Verify(snap map[string]any) Result {
	services := objectAt(snap, "services")
	var out []map[string]any
	for _, name := range canon.SortedKeys(services) {
		svc, ok := services[name].(map[string]any)
		if !ok {
			continue
		}
		if status, present := svc["status"]; present {
			s, _ := status.(string)
			if !l.policy.Healthy(s) {
				out = append(out, map[string]any{"service": name, "check": "status", "status": status})
			}
		}
		errs, _ := svc["errors"].(float64)
		requests, _ := svc["requests"].(float64)
		ratio := errs / math.Max(requests, 1)
		if ceiling := l.policy.Contracts.ErrorRatioCeiling; ratio > ceiling {
			out = append(out, map[string]any{
				"service":    name,
				"check":      "errorRatio",
				"errorRatio": ratio,
				"ceiling":    ceiling,
			})
		}
	}
	return result(out)
}

type responseTime struct {
	ceilingMs float64
}

func (r responseTime) Verify(snap map[string]any) Result {
	ms, ok := objectAt(snap, "performance")["responseTimeMs"].(float64)
	if !ok || ms <= r.ceilingMs {
		return result(nil)
	}
	return result([]map[string]any{{"responseTimeMs": ms, "ceilingMs": r.ceilingMs}})
}

func boundedProgress(snap map[string]any) Result {
	ops := objectAt(snap, "operations")
	var out []map[string]any
	for _, oid := range canon.SortedKeys(ops) {
		op, ok := ops[oid].(map[string]any)
		if !ok {
			continue
		}
		if active, _ := op["active"].(bool); active {
			if _, ok := op["startedAt"].(float64); !ok {
				out = append(out, map[string]any{"operationId": oid, "check": "startedAt"})
			}
		}
		if progress, ok := op["progress"].(float64); ok && (progress < 0 || progress > 100) {
			out = append(out, map[string]any{"operationId": oid, "check": "progress", "progress": progress})
		}
	}
	return result(out)
}
