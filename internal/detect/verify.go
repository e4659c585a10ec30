package detect

import (
	"context"
	"math"
	"slices"

	"github.com/roach88/vigil/internal/canon"
	"github.com/roach88/vigil/internal/policy"
	"github.com/roach88/vigil/internal/state"
)

// Phases lists the valid table phases in game order.
var Phases = []string{"waiting", "preflop", "flop", "turn", "river", "showdown", "finished"}

// StateVerifier runs hard-coded structural checks over a state snapshot.
type StateVerifier struct {
	store    *state.Store
	registry *Registry
}

// NewStateVerifier creates a verifier reporting into reg.
func NewStateVerifier(st *state.Store, reg *Registry) *StateVerifier {
	return &StateVerifier{store: st, registry: reg}
}

// Check verifies the current snapshot and reports every finding. It
// returns the number of detections and the first registration error.
func (v *StateVerifier) Check(ctx context.Context) (int, error) {
	snap := v.store.Snapshot()
	drafts := VerifySnapshot(v.registry.Policy(), snap)
	return reportAll(ctx, v.registry, drafts)
}

// VerifySnapshot returns the structural findings for snap: chip
// conservation, pot breakdown agreement, phase validity and orphaned
// player references. Tables are visited in key order.
func VerifySnapshot(p *policy.Policy, snap map[string]any) []Draft {
	tables, _ := snap["tables"].(map[string]any)
	var drafts []Draft
	for _, tid := range canon.SortedKeys(tables) {
		table, ok := tables[tid].(map[string]any)
		if !ok {
			continue
		}
		drafts = append(drafts, verifyTable(p, tid, table)...)
	}

	players, _ := snap["players"].(map[string]any)
	for _, pid := range canon.SortedKeys(players) {
		player, ok := players[pid].(map[string]any)
		if !ok {
			continue
		}
		tid, _ := player["tableId"].(string)
		if tid == "" {
			continue
		}
		if _, exists := tables[tid]; !exists {
			drafts = append(drafts, Draft{
				Type:     "ORPHAN_PLAYER",
				Severity: policy.SeverityMedium,
				Method:   MethodStateVerification,
				Category: "orphan",
				Details:  map[string]any{"playerId": pid, "tableId": tid},
			})
		}
	}
	return drafts
}

func verifyTable(p *policy.Policy, tid string, table map[string]any) []Draft {
	var drafts []Draft

	balances, _ := state.AggregateOf(table["players"], "balance")
	pot, _ := table["pot"].(float64)
	if total, ok := table["totalChips"].(float64); ok {
		actual := balances + pot
		if math.Abs(actual-total) > p.Contracts.ChipEpsilon {
			drafts = append(drafts, Draft{
				Type:     "CHIP_CONSERVATION",
				Severity: policy.SeverityCritical,
				Method:   MethodStateVerification,
				Category: "conservation",
				Details: map[string]any{
					"tableId":    tid,
					"expected":   total,
					"actual":     actual,
					"difference": actual - total,
				},
			})
		}
	}

	if breakdown, ok := table["potBreakdown"].(map[string]any); ok && len(breakdown) > 0 {
		parts, _ := state.AggregateOf(breakdown, "")
		if math.Abs(parts-pot) > p.Contracts.ChipEpsilon {
			drafts = append(drafts, Draft{
				Type:     "POT_BREAKDOWN_MISMATCH",
				Severity: policy.SeverityHigh,
				Method:   MethodStateVerification,
				Category: "pool_mismatch",
				Details: map[string]any{
					"tableId":  tid,
					"expected": pot,
					"actual":   parts,
				},
			})
		}
	}

	if phase, ok := table["phase"]; ok {
		name, _ := phase.(string)
		if !slices.Contains(Phases, name) {
			drafts = append(drafts, Draft{
				Type:     "INVALID_PHASE",
				Severity: policy.SeverityHigh,
				Method:   MethodStateVerification,
				Category: "phase",
				Details:  map[string]any{"tableId": tid, "phase": phase},
			})
		}
	}
	return drafts
}

// reportAll registers drafts in order. Every draft is attempted; the first
// error is returned.
func reportAll(ctx context.Context, reg *Registry, drafts []Draft) (int, error) {
	var (
		n        int
		firstErr error
	)
	for _, d := range drafts {
		if _, _, err := reg.Report(ctx, d); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		n++
	}
	return n, firstErr
}
