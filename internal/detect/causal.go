package detect

import (
	"fmt"
	"strings"
	"time"

	"github.com/roach88/vigil/internal/policy"
	"github.com/roach88/vigil/internal/state"
)

// NotIdentified is the summary of a root cause that could not be linked.
const NotIdentified = "not yet identified"

// ownPaths are subtrees the monitor itself writes; they never explain an
// issue.
var ownPaths = []string{"issues", "stats"}

// CausalLinker picks the most recent state change that plausibly explains
// an issue.
type CausalLinker struct {
	store *state.Store
}

// NewCausalLinker creates a linker over the store's change history.
func NewCausalLinker(st *state.Store) *CausalLinker {
	return &CausalLinker{store: st}
}

// Link scans the policy look-back window newest-first and returns the first
// change whose path contains one of the category's hints.
func (l *CausalLinker) Link(p *policy.Policy, category string) RootCause {
	hints := p.HintsFor(category)
	if l == nil || l.store == nil || len(hints) == 0 {
		return RootCause{Summary: NotIdentified}
	}

	events := l.store.History("", p.CausalLookback())
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if isOwnPath(ev.Path) || !matchesHint(ev.Path, hints) {
			continue
		}
		return RootCause{
			Identified: true,
			Summary:    describe(ev),
			Path:       ev.Path,
			Seq:        ev.Seq,
			Timestamp:  ev.Timestamp,
			OldValue:   ev.OldValue,
			NewValue:   ev.NewValue,
		}
	}
	return RootCause{Summary: NotIdentified}
}

func matchesHint(path string, hints []string) bool {
	for _, h := range hints {
		if strings.Contains(path, h) {
			return true
		}
	}
	return false
}

func isOwnPath(path string) bool {
	for _, p := range ownPaths {
		if path == p || strings.HasPrefix(path, p+".") {
			return true
		}
	}
	return false
}

func describe(ev state.ChangeEvent) string {
	return fmt.Sprintf("%s changed from %v to %v at %s",
		ev.Path, render(ev.OldValue), render(ev.NewValue), ev.Timestamp.UTC().Format(time.RFC3339))
}

func render(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return fmt.Sprintf("object(%d keys)", len(val))
	case []any:
		return fmt.Sprintf("list(%d)", len(val))
	default:
		return fmt.Sprint(val)
	}
}
