package state

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/vigil/internal/metrics"
	"github.com/roach88/vigil/internal/queryir"
)

const (
	// DefaultEventLogLimit is how many recent events Save persists.
	DefaultEventLogLimit = 1000

	maxIntegrityWarnings = 256
)

// Store is the single owner of runtime state.
//
// Thread-safety model:
//   - all methods are safe for concurrent use
//   - the read-modify-write of a mutation holds an exclusive lock
//   - subscribers run after the lock is released, so they may read or
//     mutate the store themselves
//   - Save runs at most once at a time; overlapping calls are skipped
type Store struct {
	mu       sync.RWMutex
	tree     map[string]any
	history  *ring
	seq      uint64
	lastTS   time.Time
	warnings []IntegrityWarning

	subMu   sync.Mutex
	subs    map[string][]*subscription
	nextSub uint64

	clock         Clock
	logger        *slog.Logger
	file          string
	backup        bool
	eventLogLimit int
	saving        atomic.Bool

	// rename is os.Rename; swapped in tests to simulate a locked file.
	rename func(oldpath, newpath string) error
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source for event timestamps and history ranges.
func WithClock(c Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithHistoryCapacity sets the ring buffer size (default 10,000).
func WithHistoryCapacity(n int) Option {
	return func(s *Store) { s.history = newRing(n) }
}

// WithFile sets the persisted document path. Without it Save and Load
// are no-ops.
func WithFile(path string) Option {
	return func(s *Store) { s.file = path }
}

// WithBackup enables copying the live document to <file>.backup before
// each replace.
func WithBackup(enabled bool) Option {
	return func(s *Store) { s.backup = enabled }
}

// WithEventLogLimit sets how many recent events are persisted (default 1,000).
func WithEventLogLimit(n int) Option {
	return func(s *Store) { s.eventLogLimit = n }
}

// New creates a store holding DefaultState.
func New(opts ...Option) *Store {
	s := &Store{
		tree:          DefaultState(),
		history:       newRing(DefaultHistoryCapacity),
		subs:          make(map[string][]*subscription),
		clock:         SystemClock{},
		logger:        slog.Default(),
		eventLogLimit: DefaultEventLogLimit,
		rename:        os.Rename,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// File returns the persisted document path ("" when persistence is off).
func (s *Store) File() string { return s.file }

// Update writes value at path and returns the recorded event.
//
// A *ValidationError means nothing was written. A *NotifyError means the
// write succeeded and the returned event is valid, but one or more
// subscribers failed.
func (s *Store) Update(path string, value any, meta map[string]any) (ChangeEvent, error) {
	segs, err := splitPath(path)
	if err != nil {
		return ChangeEvent{}, err
	}
	norm, err := normalize(value)
	if err != nil {
		return ChangeEvent{}, &ValidationError{Code: CodeInvalidValue, Path: path, Message: err.Error()}
	}

	s.mu.Lock()
	norm, warns := conform(path, norm)
	newTree, old, err := s.setAt(s.tree, segs, 0, norm, &warns)
	if err != nil {
		s.mu.Unlock()
		return ChangeEvent{}, err
	}
	s.tree = newTree.(map[string]any)
	s.recordWarningsLocked(warns)
	ev := s.recordLocked(path, old, norm, meta)
	s.mu.Unlock()

	return ev, s.notify(ev)
}

// Append adds value to the end of the list at path, creating the list when
// missing. When limit > 0 the oldest entries beyond limit are dropped. The
// recorded event addresses the new element ("<path>.<index>").
func (s *Store) Append(path string, value any, limit int, meta map[string]any) (ChangeEvent, error) {
	segs, err := splitPath(path)
	if err != nil {
		return ChangeEvent{}, err
	}
	norm, err := normalize(value)
	if err != nil {
		return ChangeEvent{}, &ValidationError{Code: CodeInvalidValue, Path: path, Message: err.Error()}
	}

	s.mu.Lock()
	var warns []IntegrityWarning
	var list []any
	switch cur := lookup(s.tree, segs).(type) {
	case []any:
		list = cur
	case nil:
		list = []any{}
	default:
		list = coerceList(path, cur, &warns)
	}
	elemPath := path + "." + strconv.Itoa(len(list))
	norm, elemWarns := conform(elemPath, norm)
	warns = append(warns, elemWarns...)
	list = append(list, norm)
	if limit > 0 && len(list) > limit {
		list = append([]any(nil), list[len(list)-limit:]...)
	}
	elemPath = path + "." + strconv.Itoa(len(list)-1)

	newTree, _, err := s.setAt(s.tree, segs, 0, list, &warns)
	if err != nil {
		s.mu.Unlock()
		return ChangeEvent{}, err
	}
	s.tree = newTree.(map[string]any)
	s.recordWarningsLocked(warns)
	ev := s.recordLocked(elemPath, nil, norm, meta)
	s.mu.Unlock()

	return ev, s.notify(ev)
}

// Get returns a copy of the value at path, or nil when any segment is
// missing. The empty path returns the whole tree.
func (s *Store) Get(path string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if path == "" {
		return deepCopy(s.tree)
	}
	return deepCopy(lookup(s.tree, strings.Split(path, ".")))
}

// Snapshot returns a deep copy of the whole tree for read-only evaluation.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deepCopy(s.tree).(map[string]any)
}

// History returns the retained events at or below path, oldest first.
// When within > 0 only events newer than now-within are returned.
func (s *Store) History(path string, within time.Duration) []ChangeEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var cutoff time.Time
	if within > 0 {
		cutoff = s.clock.Now().Add(-within)
	}
	var out []ChangeEvent
	s.history.each(func(e ChangeEvent) bool {
		if underPath(e.Path, path) && (cutoff.IsZero() || e.Timestamp.After(cutoff)) {
			out = append(out, e.copy())
		}
		return true
	})
	return out
}

// HistoryLen returns the number of retained events.
func (s *Store) HistoryLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history.len()
}

// Aggregate returns the total and per-key breakdown of the numeric values
// directly under path (a number at path is its own total). The store does
// not enforce any conservation rule; it only exposes the numbers.
func (s *Store) Aggregate(path string) (float64, map[string]float64) {
	return AggregateOf(s.Get(path), "")
}

// AggregateOf sums v's numeric children. When field is set, each child
// contributes child[field] instead (e.g. "balance" over a players map).
func AggregateOf(v any, field string) (float64, map[string]float64) {
	breakdown := map[string]float64{}
	var total float64
	add := func(key string, child any) {
		if field != "" {
			m, ok := child.(map[string]any)
			if !ok {
				return
			}
			child = m[field]
		}
		if n, ok := child.(float64); ok {
			breakdown[key] = n
			total += n
		}
	}
	switch node := v.(type) {
	case float64:
		return node, breakdown
	case map[string]any:
		// Fixed order keeps float sums stable across calls.
		for _, k := range sortedKeys(node) {
			add(k, node[k])
		}
	case []any:
		for i, child := range node {
			add(strconv.Itoa(i), child)
		}
	}
	return total, breakdown
}

// IntegrityWarnings returns the most recent warnings, oldest first.
func (s *Store) IntegrityWarnings() []IntegrityWarning {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]IntegrityWarning(nil), s.warnings...)
}

// Query filters, orders and truncates the rows at path. A list yields its
// elements; a map yields its values ordered by key.
func (s *Store) Query(path string, sel queryir.Select) ([]any, error) {
	var rows []any
	switch node := s.Get(path).(type) {
	case []any:
		rows = node
	case map[string]any:
		rows, _ = valuesByKey(node)
	case nil:
		rows = nil
	default:
		return nil, fmt.Errorf("query %s: value is %s, not a collection", path, typeName(node))
	}
	return queryir.Eval(rows, sel)
}

func splitPath(path string) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, &ValidationError{Code: CodeInvalidPath, Message: "path must not be empty"}
	}
	segs := strings.Split(path, ".")
	for _, seg := range segs {
		if seg == "" {
			return nil, &ValidationError{Code: CodeInvalidPath, Path: path, Message: "empty path segment"}
		}
	}
	return segs, nil
}

func lookup(node any, segs []string) any {
	cur := node
	for _, seg := range segs {
		switch n := cur.(type) {
		case map[string]any:
			cur = n[seg]
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(n) {
				return nil
			}
			cur = n[idx]
		default:
			return nil
		}
	}
	return cur
}

// setAt writes value at segs[depth:] below node and returns the updated
// node plus the value it replaced. Missing or scalar intermediates become
// containers: a list where the schema expects one, otherwise an object.
func (s *Store) setAt(node any, segs []string, depth int, value any, warns *[]IntegrityWarning) (any, any, error) {
	seg := segs[depth]
	last := depth == len(segs)-1

	switch n := node.(type) {
	case map[string]any:
		if last {
			old := n[seg]
			n[seg] = value
			return n, old, nil
		}
		child, old, err := s.setAt(n[seg], segs, depth+1, value, warns)
		if err != nil {
			return nil, nil, err
		}
		n[seg] = child
		return n, old, nil

	case []any:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx > len(n) {
			return nil, nil, &ValidationError{
				Code:    CodeInvalidPath,
				Path:    strings.Join(segs, "."),
				Message: fmt.Sprintf("segment %q is not an index in [0,%d]", seg, len(n)),
			}
		}
		if idx == len(n) {
			n = append(n, nil)
		}
		if last {
			old := n[idx]
			n[idx] = value
			return n, old, nil
		}
		child, old, err := s.setAt(n[idx], segs, depth+1, value, warns)
		if err != nil {
			return nil, nil, err
		}
		n[idx] = child
		return n, old, nil
	}

	prefix := strings.Join(segs[:depth], ".")
	if node != nil {
		*warns = append(*warns, IntegrityWarning{Path: prefix, Kind: WarnContainerReplaced,
			Message: fmt.Sprintf("%s replaced by a container to reach %s", typeName(node), strings.Join(segs, "."))})
	}
	var container any = map[string]any{}
	if depth > 0 && kindOfSegments(segs[:depth]) == KindList {
		container = []any{}
	}
	return s.setAt(container, segs, depth, value, warns)
}

// recordLocked appends a change event. Timestamps never go backwards
// within a store's lifetime. Caller holds s.mu.
func (s *Store) recordLocked(path string, old, value any, meta map[string]any) ChangeEvent {
	ts := s.clock.Now()
	if ts.Before(s.lastTS) {
		ts = s.lastTS
	}
	s.lastTS = ts
	s.seq++
	ev := ChangeEvent{
		Seq:       s.seq,
		Timestamp: ts,
		Path:      path,
		OldValue:  deepCopy(old),
		NewValue:  deepCopy(value),
		Metadata:  copyMeta(meta),
	}
	s.history.push(ev)
	metrics.StateUpdatesTotal.Inc()
	return ev.copy()
}

// recordWarningsLocked stamps, logs and retains warnings. Caller holds s.mu.
func (s *Store) recordWarningsLocked(warns []IntegrityWarning) {
	if len(warns) == 0 {
		return
	}
	now := s.clock.Now()
	for _, w := range warns {
		w.Timestamp = now
		s.logger.Warn("state integrity warning", "path", w.Path, "kind", w.Kind, "message", w.Message)
		metrics.IntegrityWarningsTotal.WithLabelValues(string(w.Kind)).Inc()
		s.warnings = append(s.warnings, w)
	}
	if over := len(s.warnings) - maxIntegrityWarnings; over > 0 {
		s.warnings = append([]IntegrityWarning(nil), s.warnings[over:]...)
	}
}

// sortedKeys returns m's keys in lexical order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
