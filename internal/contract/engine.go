package contract

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/vigil/internal/detect"
	"github.com/roach88/vigil/internal/ids"
	"github.com/roach88/vigil/internal/metrics"
	"github.com/roach88/vigil/internal/policy"
	"github.com/roach88/vigil/internal/state"
	"github.com/roach88/vigil/internal/store"
)

// Defaults for the evaluation loop.
const (
	DefaultInterval       = 2 * time.Second
	DefaultBufferCapacity = 1000
)

// MirrorPath is where violation digests are mirrored in the state tree.
const MirrorPath = "issues.violations"

// Reporter files violations as issues. *detect.Registry implements it.
type Reporter interface {
	Report(ctx context.Context, d detect.Draft) (*detect.Issue, bool, error)
}

// ViolationWriter persists violations. *store.Store implements it.
type ViolationWriter interface {
	WriteViolation(ctx context.Context, rec store.ViolationRecord) error
}

// ViolationListener receives every violation once.
type ViolationListener func(Violation)

// Engine evaluates contracts on a fixed cadence.
//
// Thread-safety: all methods are safe for concurrent use. Evaluate calls
// are serialized so bookkeeping and buffer order follow evaluation order.
type Engine struct {
	evalMu sync.Mutex // one evaluation at a time

	mu        sync.Mutex
	contracts []*Contract
	buffer    []Violation
	capacity  int
	listeners []ViolationListener

	store    *state.Store
	reporter Reporter
	ledger   ViolationWriter
	clock    state.Clock
	ids      ids.Generator
	logger   *slog.Logger
	interval time.Duration
	mirror   int

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithContracts replaces the built-in contract table.
func WithContracts(cs ...*Contract) Option {
	return func(e *Engine) { e.contracts = cs }
}

// WithReporter forwards violations to an issue registry.
func WithReporter(r Reporter) Option {
	return func(e *Engine) { e.reporter = r }
}

// WithLedger persists violations.
func WithLedger(w ViolationWriter) Option {
	return func(e *Engine) { e.ledger = w }
}

// WithClock sets the clock for violation timestamps.
func WithClock(c state.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithIDs sets the violation id generator.
func WithIDs(g ids.Generator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithInterval sets the evaluation cadence.
func WithInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithBufferCapacity bounds the rolling violation buffer.
func WithBufferCapacity(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.capacity = n
		}
	}
}

// WithMirrorLimit bounds issues.violations; 0 disables mirroring.
func WithMirrorLimit(n int) Option {
	return func(e *Engine) { e.mirror = n }
}

// New creates an engine over st with the built-in contracts for p.
func New(st *state.Store, p *policy.Policy, opts ...Option) *Engine {
	if p == nil {
		p = policy.Default()
	}
	e := &Engine{
		contracts: Builtin(p),
		capacity:  DefaultBufferCapacity,
		store:     st,
		clock:     state.SystemClock{},
		ids:       ids.UUIDv7{},
		logger:    slog.Default(),
		interval:  DefaultInterval,
		mirror:    DefaultBufferCapacity,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetPolicy rebuilds the built-in verifiers under p. Bookkeeping is kept.
// Contracts that are not built-in families are left alone.
func (e *Engine) SetPolicy(p *policy.Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.contracts {
		if slices.Contains(Kinds, c.Kind) {
			c.Verifier = NewVerifier(c.Kind, p)
		}
	}
}

// OnViolation registers a violation listener.
func (e *Engine) OnViolation(fn ViolationListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// Evaluate checks every contract against one snapshot and returns the
// violations it produced.
func (e *Engine) Evaluate(ctx context.Context) []Violation {
	e.evalMu.Lock()
	defer e.evalMu.Unlock()

	start := time.Now()
	defer func() {
		metrics.TickDuration.WithLabelValues("contract").Observe(time.Since(start).Seconds())
	}()

	snap := e.store.Snapshot()
	now := e.clock.Now()

	e.mu.Lock()
	contracts := slices.Clone(e.contracts)
	verifiers := make([]Verifier, len(contracts))
	for i, c := range contracts {
		verifiers[i] = c.Verifier
	}
	e.mu.Unlock()

	var found []Violation
	for i, c := range contracts {
		res, err := verify(c.ID, verifiers[i], snap)

		e.mu.Lock()
		c.LastCheck = now
		if err == nil && !res.Valid {
			payloads := res.Violations
			if len(payloads) == 0 {
				payloads = []map[string]any{{}}
			}
			for _, payload := range payloads {
				found = append(found, Violation{
					ID:         e.ids.Generate(),
					ContractID: c.ID,
					Severity:   c.Severity,
					Payload:    payload,
					Timestamp:  now,
				})
			}
			c.ViolationCount += len(payloads)
			c.LastViolation = now
		}
		e.mu.Unlock()

		switch {
		case err != nil:
			metrics.ContractEvaluationsTotal.WithLabelValues(c.ID, "error").Inc()
			e.logger.Error("contract evaluation failed", "contract", c.ID, "error", err)
		case res.Valid:
			metrics.ContractEvaluationsTotal.WithLabelValues(c.ID, "pass").Inc()
		default:
			metrics.ContractEvaluationsTotal.WithLabelValues(c.ID, "fail").Inc()
		}
	}

	for i := range found {
		e.dispatch(ctx, &found[i], contracts)
	}
	return found
}

// verify runs one contract, converting a panic into an error.
func verify(id string, v Verifier, snap map[string]any) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("contract %s panicked: %v", id, r)
		}
	}()
	if v == nil {
		return Result{}, fmt.Errorf("contract %s has no verifier", id)
	}
	return v.Verify(snap), nil
}

// dispatch forwards, buffers, persists, mirrors and announces v.
func (e *Engine) dispatch(ctx context.Context, v *Violation, contracts []*Contract) {
	var kind Kind
	for _, c := range contracts {
		if c.ID == v.ContractID {
			kind = c.Kind
			break
		}
	}

	e.logger.Warn("contract violated",
		"contract", v.ContractID,
		"severity", v.Severity,
		"violation", v.ID)

	if e.reporter != nil {
		iss, _, err := e.reporter.Report(ctx, detect.Draft{
			Type:     IssueType(v.ContractID),
			Severity: v.Severity,
			Method:   detect.MethodContract,
			Category: kind.Category(),
			Details:  v.Payload,
			At:       v.Timestamp,
		})
		if err != nil {
			e.logger.Error("violation forward failed", "contract", v.ContractID, "error", err)
		} else {
			v.IssueID = iss.ID
		}
	}

	e.mu.Lock()
	e.buffer = append(e.buffer, *v)
	if len(e.buffer) > e.capacity {
		e.buffer = slices.Clone(e.buffer[len(e.buffer)-e.capacity:])
	}
	listeners := slices.Clone(e.listeners)
	e.mu.Unlock()

	if e.ledger != nil {
		rec := store.ViolationRecord{
			ID:         v.ID,
			ContractID: v.ContractID,
			Severity:   v.Severity,
			Payload:    v.Payload,
			Timestamp:  v.Timestamp,
			IssueID:    v.IssueID,
		}
		if err := e.ledger.WriteViolation(ctx, rec); err != nil {
			e.logger.Warn("ledger violation write failed", "violation", v.ID, "error", err)
		}
	}

	if e.mirror > 0 {
		digest := map[string]any{
			"id":         v.ID,
			"contractId": v.ContractID,
			"severity":   v.Severity,
			"timestamp":  v.Timestamp.UTC().Format(time.RFC3339Nano),
			"payload":    v.Payload,
		}
		if _, err := e.store.Append(MirrorPath, digest, e.mirror, map[string]any{"source": "contract"}); err != nil {
			e.logger.Warn("violation mirror failed", "violation", v.ID, "error", err)
		}
	}

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("violation listener panicked", "violation", v.ID, "panic", r)
				}
			}()
			fn(*v)
		}()
	}
}

// Violations returns the buffered violations, oldest first.
func (e *Engine) Violations() []Violation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.buffer)
}

// Contracts returns the status of every registered contract.
func (e *Engine) Contracts() []Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Status, len(e.contracts))
	for i, c := range e.contracts {
		out[i] = c.status()
	}
	return out
}

// Run evaluates on every tick until ctx is done. Ticks never overlap; a
// slow evaluation delays the next tick instead of stacking.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.logger.Info("contract engine starting", "contracts", len(e.Contracts()), "interval", e.interval)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("contract engine stopping")
			return nil
		case <-ticker.C:
			e.Evaluate(ctx)
		}
	}
}

// Start runs the evaluation loop in the background. Calling Start on a
// running engine does nothing; a stopped engine cannot be restarted.
func (e *Engine) Start(ctx context.Context) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel != nil || e.stopped {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	go func() {
		defer close(e.done)
		_ = e.Run(ctx)
	}()
}

// Stop halts the loop and waits for an in-flight evaluation to finish. It
// is safe to call repeatedly and before Start.
func (e *Engine) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	e.stopped = true
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	e.cancel = nil
}
