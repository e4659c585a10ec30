package detect

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/vigil/internal/canon"
	"github.com/roach88/vigil/internal/ids"
	"github.com/roach88/vigil/internal/metrics"
	"github.com/roach88/vigil/internal/policy"
	"github.com/roach88/vigil/internal/queryir"
	"github.com/roach88/vigil/internal/state"
	"github.com/roach88/vigil/internal/store"
)

// DefaultMirrorLimit bounds the issue digests mirrored into state.
const DefaultMirrorLimit = 500

// MirrorPath is where issue digests are mirrored in the state tree.
const MirrorPath = "issues.detected"

// Ledger is the durable side of the registry. *store.Store implements it.
type Ledger interface {
	WriteIssue(ctx context.Context, rec store.IssueRecord) error
	RecordOutcome(ctx context.Context, id, outcome string) error
	FixesFor(ctx context.Context, issueType string) ([]store.FixRecord, error)
	QueryIssues(ctx context.Context, sel queryir.Select) ([]store.IssueRecord, error)
	RecordFixOutcome(ctx context.Context, issueType, fixID, description string, success bool, at time.Time) error
}

// IssueListener receives each new issue exactly once.
type IssueListener func(Issue)

// Registry owns issue identity, dedup, enrichment and the active view.
//
// Thread-safety: all methods are safe for concurrent use. Enrichment and
// side effects (ledger, mirror, listeners) run outside the registry lock.
type Registry struct {
	mu        sync.Mutex
	issues    map[string]*Issue
	stats     DetectionStats
	listeners []IssueListener

	policy      atomic.Pointer[policy.Policy]
	store       *state.Store
	ledger      Ledger
	linker      *CausalLinker
	clock       state.Clock
	ids         ids.Generator
	logger      *slog.Logger
	mirrorLimit int
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the clock used for detection times and staleness.
func WithClock(c state.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithLedger persists issues and supplies fix suggestions.
func WithLedger(l Ledger) Option {
	return func(r *Registry) { r.ledger = l }
}

// WithPolicy sets the initial detection policy.
func WithPolicy(p *policy.Policy) Option {
	return func(r *Registry) { r.policy.Store(p) }
}

// WithIDs sets the generator for diagnostic codes.
func WithIDs(g ids.Generator) Option {
	return func(r *Registry) { r.ids = g }
}

// WithMirrorLimit bounds issues.detected; 0 disables mirroring.
func WithMirrorLimit(n int) Option {
	return func(r *Registry) { r.mirrorLimit = n }
}

// New creates a registry reading state from st (which may be nil in tests
// that do not need root causes or mirroring).
func New(st *state.Store, opts ...Option) *Registry {
	r := &Registry{
		issues:      make(map[string]*Issue),
		stats:       DetectionStats{ByMethod: map[Method]MethodStats{}, BySeverity: map[string]int{}},
		store:       st,
		linker:      NewCausalLinker(st),
		clock:       state.SystemClock{},
		ids:         ids.UUIDv7{},
		logger:      slog.Default(),
		mirrorLimit: DefaultMirrorLimit,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.policy.Load() == nil {
		r.policy.Store(policy.Default())
	}
	return r
}

// Policy returns the policy currently in force.
func (r *Registry) Policy() *policy.Policy { return r.policy.Load() }

// SetPolicy swaps the policy. Existing scores are recomputed on their next
// detection.
func (r *Registry) SetPolicy(p *policy.Policy) {
	if p != nil {
		r.policy.Store(p)
	}
}

// OnIssue registers a listener for new issues.
func (r *Registry) OnIssue(fn IssueListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Restore seeds the registry with every issue in the ledger so that a
// restarted monitor keeps counting known fingerprints instead of treating
// them as new. Restored issues are not mirrored, persisted or emitted.
// It returns the number of issues added.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.ledger == nil {
		return 0, nil
	}
	recs, err := r.ledger.QueryIssues(ctx, queryir.Select{
		From:    store.IssuesTable.Name,
		OrderBy: []queryir.Order{{Field: "firstSeen"}},
	})
	if err != nil {
		return 0, fmt.Errorf("restore issues: %w", err)
	}
	p := r.Policy()

	r.mu.Lock()
	defer r.mu.Unlock()
	added := 0
	for _, rec := range recs {
		if _, ok := r.issues[rec.ID]; ok {
			continue
		}
		iss := fromRecord(rec)
		for _, other := range r.issues {
			if related(p, iss, other) {
				iss.RelatedIssues = append(iss.RelatedIssues, other.ID)
				other.RelatedIssues = append(other.RelatedIssues, iss.ID)
			}
		}
		r.issues[iss.ID] = iss

		ms := r.stats.ByMethod[iss.Method]
		ms.Issues++
		ms.Detections += iss.Count
		switch rec.Outcome {
		case store.OutcomeConfirmed:
			ms.Confirmed++
		case store.OutcomeFalsePositive:
			ms.FalsePositives++
		}
		r.stats.ByMethod[iss.Method] = ms
		r.stats.TotalDetections += iss.Count
		added++
	}
	for _, iss := range r.issues {
		slices.Sort(iss.RelatedIssues)
	}
	if added > 0 {
		r.logger.Info("issues restored from ledger", "count", added)
	}
	return added, nil
}

// Report registers a detection. It returns the issue as stored after this
// detection and whether the fingerprint was new.
//
// A draft without a type or method is rejected with a *DiagnosticError.
func (r *Registry) Report(ctx context.Context, d Draft) (*Issue, bool, error) {
	if strings.TrimSpace(d.Type) == "" {
		return nil, false, r.diagnose(d, "issue type is required")
	}
	if d.Method == "" {
		return nil, false, r.diagnose(d, "detection method is required")
	}
	if d.Severity == "" {
		d.Severity = policy.SeverityMedium
	}
	if d.Details == nil {
		d.Details = map[string]any{}
	}
	id, err := canon.Fingerprint(d.Type, string(d.Method), d.Details)
	if err != nil {
		return nil, false, r.diagnose(d, err.Error())
	}
	at := d.At
	if at.IsZero() {
		at = r.clock.Now()
	}
	p := r.Policy()

	r.mu.Lock()
	if iss, ok := r.issues[id]; ok {
		out := r.repeatLocked(p, iss, d, at)
		r.mu.Unlock()
		r.afterRepeat(ctx, out)
		return out, false, nil
	}
	r.mu.Unlock()

	// Enrichment reads history and the ledger; keep it outside the lock.
	root := r.linker.Link(p, d.Category)
	possible, historical := r.fixes(ctx, p, d.Type)

	r.mu.Lock()
	if iss, ok := r.issues[id]; ok {
		// Lost a race with a concurrent first detection.
		out := r.repeatLocked(p, iss, d, at)
		r.mu.Unlock()
		r.afterRepeat(ctx, out)
		return out, false, nil
	}
	iss := &Issue{
		ID:              id,
		Type:            d.Type,
		Severity:        d.Severity,
		Method:          d.Method,
		Category:        d.Category,
		Details:         copyObject(d.Details),
		Context:         copyObject(d.Context),
		FirstSeen:       at,
		LastSeen:        at,
		Count:           1,
		RootCause:       root,
		PossibleFixes:   possible,
		HistoricalFixes: historical,
	}
	iss.Confidence = confidence(p, iss.Method, 1)
	iss.Priority = priority(p, iss.Severity, iss.Confidence, 1)
	for _, other := range r.issues {
		if related(p, iss, other) {
			iss.RelatedIssues = append(iss.RelatedIssues, other.ID)
			other.RelatedIssues = append(other.RelatedIssues, iss.ID)
		}
	}
	slices.Sort(iss.RelatedIssues)
	r.issues[id] = iss

	ms := r.stats.ByMethod[iss.Method]
	ms.Issues++
	ms.Detections++
	r.stats.ByMethod[iss.Method] = ms
	r.stats.TotalDetections++
	listeners := slices.Clone(r.listeners)
	out := iss.clone()
	r.mu.Unlock()

	metrics.IssuesDetectedTotal.WithLabelValues(string(out.Method), out.Severity).Inc()
	r.logger.Info("issue detected",
		"id", shortID(out.ID),
		"type", out.Type,
		"severity", out.Severity,
		"method", out.Method,
		"root_cause", out.RootCause.Summary,
		"related", len(out.RelatedIssues))

	r.mirror(out)
	r.persist(ctx, out)
	r.emit(listeners, out)
	return out, true, nil
}

// repeatLocked folds a repeat detection into iss. Caller holds r.mu.
func (r *Registry) repeatLocked(p *policy.Policy, iss *Issue, d Draft, at time.Time) *Issue {
	iss.Count++
	if at.After(iss.LastSeen) {
		iss.LastSeen = at
	}
	if d.Context != nil {
		iss.Context = copyObject(d.Context)
	}
	iss.Confidence = confidence(p, iss.Method, iss.Count)
	iss.Priority = priority(p, iss.Severity, iss.Confidence, iss.Count)

	ms := r.stats.ByMethod[iss.Method]
	ms.Detections++
	r.stats.ByMethod[iss.Method] = ms
	r.stats.TotalDetections++
	return iss.clone()
}

func (r *Registry) afterRepeat(ctx context.Context, out *Issue) {
	metrics.IssueRepeatsTotal.WithLabelValues(string(out.Method)).Inc()
	r.logger.Debug("issue repeated", "id", shortID(out.ID), "type", out.Type, "count", out.Count)
	r.persist(ctx, out)
}

// fixes loads suggestions for an issue type: all known fixes as history,
// and those above the policy success rate as candidates, best first.
func (r *Registry) fixes(ctx context.Context, p *policy.Policy, issueType string) (possible, historical []Fix) {
	if r.ledger == nil {
		return nil, nil
	}
	recs, err := r.ledger.FixesFor(ctx, issueType)
	if err != nil {
		r.logger.Warn("fix lookup failed", "type", issueType, "error", err)
		return nil, nil
	}
	for _, rec := range recs {
		f := Fix{ID: rec.FixID, Description: rec.Description, SuccessRate: rec.SuccessRate(), Attempts: rec.Attempts}
		historical = append(historical, f)
		if f.SuccessRate > p.Fixes.MinSuccessRate {
			possible = append(possible, f)
		}
	}
	slices.SortStableFunc(possible, func(a, b Fix) int {
		return cmp.Compare(b.SuccessRate, a.SuccessRate)
	})
	return possible, historical
}

// mirror appends the issue digest to the state tree so it persists with
// the document.
func (r *Registry) mirror(iss *Issue) {
	if r.store == nil || r.mirrorLimit <= 0 {
		return
	}
	meta := map[string]any{"source": "detect", "issueId": iss.ID}
	if _, err := r.store.Append(MirrorPath, iss.digest(), r.mirrorLimit, meta); err != nil {
		r.logger.Warn("issue mirror failed", "id", shortID(iss.ID), "error", err)
	}
}

func (r *Registry) persist(ctx context.Context, iss *Issue) {
	if r.ledger == nil {
		return
	}
	if err := r.ledger.WriteIssue(ctx, toRecord(iss)); err != nil {
		r.logger.Warn("ledger write failed", "id", shortID(iss.ID), "error", err)
	}
}

func (r *Registry) emit(listeners []IssueListener, iss *Issue) {
	for _, fn := range listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("issue listener panicked", "id", shortID(iss.ID), "panic", rec)
				}
			}()
			fn(*iss.clone())
		}()
	}
}

func (r *Registry) diagnose(d Draft, msg string) error {
	err := &DiagnosticError{
		Code:      "DET-" + r.ids.Generate(),
		Message:   msg,
		Draft:     d,
		Timestamp: r.clock.Now(),
	}
	if r.store != nil {
		err.Snapshot = r.store.Snapshot()
	}
	r.logger.Error("issue registration rejected",
		"code", err.Code,
		"reason", msg,
		"method", d.Method,
		"category", d.Category)
	return err
}

// Get returns any issue by id, active or not.
func (r *Registry) Get(id string) (*Issue, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	iss, ok := r.issues[id]
	if !ok {
		return nil, false
	}
	return iss.clone(), true
}

// Active returns issues seen within the staleness window, highest priority
// first.
func (r *Registry) Active() []*Issue {
	cutoff := r.clock.Now().Add(-r.Policy().Staleness())

	r.mu.Lock()
	var out []*Issue
	for _, iss := range r.issues {
		if !iss.LastSeen.Before(cutoff) {
			out = append(out, iss.clone())
		}
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b *Issue) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		if c := b.LastSeen.Compare(a.LastSeen); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	metrics.ActiveIssues.Set(float64(len(out)))
	return out
}

// All returns every issue ever registered, oldest first.
func (r *Registry) All() []*Issue {
	r.mu.Lock()
	out := make([]*Issue, 0, len(r.issues))
	for _, iss := range r.issues {
		out = append(out, iss.clone())
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b *Issue) int {
		if c := a.FirstSeen.Compare(b.FirstSeen); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Stats returns per-method counters and self-reported accuracy.
func (r *Registry) Stats() DetectionStats {
	cutoff := r.clock.Now().Add(-r.Policy().Staleness())

	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.stats.clone()
	s.TotalIssues = len(r.issues)
	s.ActiveIssues = 0
	s.BySeverity = map[string]int{}
	for _, iss := range r.issues {
		s.BySeverity[iss.Severity]++
		if !iss.LastSeen.Before(cutoff) {
			s.ActiveIssues++
		}
	}
	for m, ms := range s.ByMethod {
		if judged := ms.Confirmed + ms.FalsePositives; judged > 0 {
			ms.Accuracy = float64(ms.Confirmed) / float64(judged)
		}
		s.ByMethod[m] = ms
	}
	return s
}

// RecordOutcome records an operator verdict on an issue and feeds the
// per-method accuracy counters.
func (r *Registry) RecordOutcome(ctx context.Context, id string, confirmed bool) error {
	r.mu.Lock()
	iss, ok := r.issues[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("record outcome %s: %w", shortID(id), ErrUnknownIssue)
	}
	ms := r.stats.ByMethod[iss.Method]
	outcome := store.OutcomeFalsePositive
	if confirmed {
		ms.Confirmed++
		outcome = store.OutcomeConfirmed
	} else {
		ms.FalsePositives++
	}
	r.stats.ByMethod[iss.Method] = ms
	r.mu.Unlock()

	if r.ledger == nil {
		return nil
	}
	if err := r.ledger.RecordOutcome(ctx, id, outcome); err != nil {
		return fmt.Errorf("record outcome %s: %w", shortID(id), err)
	}
	return nil
}

// RecordFixOutcome feeds the fix knowledge base. Later first detections of
// issueType see the updated success rate.
func (r *Registry) RecordFixOutcome(ctx context.Context, issueType, fixID, description string, success bool) error {
	if r.ledger == nil {
		return fmt.Errorf("record fix outcome: no ledger configured")
	}
	if err := r.ledger.RecordFixOutcome(ctx, issueType, fixID, description, success, r.clock.Now()); err != nil {
		return fmt.Errorf("record fix outcome: %w", err)
	}
	return nil
}

func toRecord(iss *Issue) store.IssueRecord {
	rec := store.IssueRecord{
		ID:         iss.ID,
		Type:       iss.Type,
		Severity:   iss.Severity,
		Method:     string(iss.Method),
		Category:   iss.Category,
		Details:    iss.Details,
		FirstSeen:  iss.FirstSeen,
		LastSeen:   iss.LastSeen,
		Count:      iss.Count,
		Confidence: iss.Confidence,
		Priority:   iss.Priority,
	}
	if iss.RootCause.Identified {
		rec.RootCause = iss.RootCause.Summary
	}
	return rec
}

func fromRecord(rec store.IssueRecord) *Issue {
	root := RootCause{Summary: NotIdentified}
	if rec.RootCause != "" {
		root = RootCause{Identified: true, Summary: rec.RootCause}
	}
	details := rec.Details
	if details == nil {
		details = map[string]any{}
	}
	return &Issue{
		ID:         rec.ID,
		Type:       rec.Type,
		Severity:   rec.Severity,
		Method:     Method(rec.Method),
		Category:   rec.Category,
		Details:    details,
		FirstSeen:  rec.FirstSeen,
		LastSeen:   rec.LastSeen,
		Count:      rec.Count,
		RootCause:  root,
		Confidence: rec.Confidence,
		Priority:   rec.Priority,
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
