package detect

import (
	"fmt"

	"github.com/roach88/vigil/internal/policy"
)

// correlationKeys are detail fields whose values identify a shared entity.
var correlationKeys = []string{"tableId", "playerId", "id", "service", "transactionId", "operationId"}

// correlationIDs collects the identifying values of a detail payload,
// including any ids extracted from log text.
func correlationIDs(details map[string]any) map[string]bool {
	out := map[string]bool{}
	for _, k := range correlationKeys {
		if v, ok := details[k]; ok && v != nil {
			if s := fmt.Sprint(v); s != "" {
				out[s] = true
			}
		}
	}
	if list, ok := details["ids"].([]any); ok {
		for _, v := range list {
			if s, ok := v.(string); ok && s != "" {
				out[s] = true
			}
		}
	}
	return out
}

// related reports whether two issues belong together: same type, a shared
// correlated identifier, or categories the policy declares cross-relevant.
func related(p *policy.Policy, a, b *Issue) bool {
	if a.Type == b.Type {
		return true
	}
	if a.Category != "" && b.Category != "" && p.CrossRelated(a.Category, b.Category) {
		return true
	}
	ids := correlationIDs(a.Details)
	for id := range correlationIDs(b.Details) {
		if ids[id] {
			return true
		}
	}
	return false
}
