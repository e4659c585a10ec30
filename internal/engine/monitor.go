package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/vigil/internal/contract"
	"github.com/roach88/vigil/internal/detect"
	"github.com/roach88/vigil/internal/metrics"
	"github.com/roach88/vigil/internal/policy"
	"github.com/roach88/vigil/internal/state"
)

// Intervals are the periodic subsystem cadences. Zero disables a subsystem
// (except Contract, which the contract engine owns).
type Intervals struct {
	Verify  time.Duration
	Anomaly time.Duration
	Save    time.Duration
}

// DefaultIntervals returns the standard cadences.
func DefaultIntervals() Intervals {
	return Intervals{
		Verify:  time.Second,
		Anomaly: 5 * time.Second,
		Save:    30 * time.Second,
	}
}

// Monitor wires the state store, contract engine and issue registry into
// one running process.
type Monitor struct {
	state     *state.Store
	registry  *detect.Registry
	contracts *contract.Engine

	verifier *detect.StateVerifier
	anomaly  *detect.AnomalyDetector
	logs     *detect.LogAnalyzer

	queue      *logQueue
	intervals  Intervals
	policyFile string
	logger     *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithIntervals sets the subsystem cadences.
func WithIntervals(iv Intervals) Option {
	return func(m *Monitor) { m.intervals = iv }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithQueueLimit bounds the log event queue; 0 means unbounded.
func WithQueueLimit(n int) Option {
	return func(m *Monitor) { m.queue = newLogQueue(n) }
}

// WithPolicyWatch hot-reloads the CUE policy at path.
func WithPolicyWatch(path string) Option {
	return func(m *Monitor) { m.policyFile = path }
}

// New creates a monitor. The registry and contract engine must already be
// wired to st.
func New(st *state.Store, reg *detect.Registry, ce *contract.Engine, opts ...Option) *Monitor {
	m := &Monitor{
		state:     st,
		registry:  reg,
		contracts: ce,
		verifier:  detect.NewStateVerifier(st, reg),
		anomaly:   detect.NewAnomalyDetector(st, reg),
		logs:      detect.NewLogAnalyzer(st, reg),
		queue:     newLogQueue(0),
		intervals: DefaultIntervals(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Ingest queues a log event for analysis. Safe from any goroutine.
// Returns false after Stop or when the queue is full.
func (m *Monitor) Ingest(ev detect.LogEvent) bool {
	ok := m.queue.Enqueue(ev)
	if ok {
		metrics.LogEventsTotal.WithLabelValues("queued").Inc()
	} else {
		metrics.LogEventsTotal.WithLabelValues("dropped").Inc()
	}
	return ok
}

// Pending returns the number of queued log events.
func (m *Monitor) Pending() int { return m.queue.Len() }

// Run starts every subsystem and blocks until ctx is done or Stop is
// called. Queued log events are drained before Run returns, then the state
// is saved one last time.
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()
	defer cancel()

	m.logger.Info("monitor starting",
		"verify", m.intervals.Verify,
		"anomaly", m.intervals.Anomaly,
		"save", m.intervals.Save,
		"policy", m.policyFile)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.contracts.Run(gctx) })
	g.Go(func() error { return m.tick(gctx, "verify", m.intervals.Verify, m.verify) })
	g.Go(func() error { return m.tick(gctx, "anomaly", m.intervals.Anomaly, m.detectAnomalies) })
	g.Go(func() error {
		return m.tick(gctx, "save", m.intervals.Save, m.save)
	})
	g.Go(func() error { return m.consumeLogs(gctx) })
	if m.policyFile != "" {
		g.Go(func() error {
			return policy.Watch(gctx, m.policyFile, policy.DefaultDebounce, m.logger, m.applyPolicy)
		})
	}

	err := g.Wait()
	m.save(context.WithoutCancel(ctx))
	m.logger.Info("monitor stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop ends Run and refuses further Ingest calls. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	m.queue.Close()
	if m.cancel != nil {
		m.cancel()
	}
}

// Sweep runs one pass of contracts, state verification and anomaly
// detection on the caller's goroutine, independent of the tick schedule.
func (m *Monitor) Sweep(ctx context.Context) {
	m.contracts.Evaluate(ctx)
	m.verify(ctx)
	m.detectAnomalies(ctx)
}

func (m *Monitor) verify(ctx context.Context) {
	if _, err := m.verifier.Check(ctx); err != nil {
		m.logger.Error("state verification failed", "error", err)
	}
}

func (m *Monitor) detectAnomalies(ctx context.Context) {
	if _, err := m.anomaly.Check(ctx); err != nil {
		m.logger.Error("anomaly detection failed", "error", err)
	}
}

// tick calls fn every interval until ctx is done. A zero interval
// disables the subsystem.
func (m *Monitor) tick(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			start := time.Now()
			fn(ctx)
			metrics.TickDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		}
	}
}

// consumeLogs is the single consumer of the log queue.
func (m *Monitor) consumeLogs(ctx context.Context) error {
	for {
		if ev, ok := m.queue.TryDequeue(); ok {
			m.analyze(ctx, ev)
			continue
		}

		select {
		case <-ctx.Done():
			m.drain(context.WithoutCancel(ctx))
			return nil
		case _, open := <-m.queue.Wait():
			if !open && m.queue.Len() == 0 {
				return nil
			}
		}
	}
}

// drain analyzes whatever is still queued at shutdown.
func (m *Monitor) drain(ctx context.Context) {
	for {
		ev, ok := m.queue.TryDequeue()
		if !ok {
			return
		}
		m.analyze(ctx, ev)
	}
}

func (m *Monitor) analyze(ctx context.Context, ev detect.LogEvent) {
	if _, err := m.logs.Analyze(ctx, ev); err != nil {
		m.logger.Error("log analysis failed", "source", ev.Source, "error", err)
	}
}

func (m *Monitor) save(ctx context.Context) {
	res, err := m.state.Save(ctx)
	if err != nil {
		m.logger.Error("state save failed", "file", m.state.File(), "error", err)
		return
	}
	if res == state.SaveSkippedLocked {
		m.logger.Warn("state file locked, save deferred", "file", m.state.File())
	}
}

func (m *Monitor) applyPolicy(p *policy.Policy) {
	m.registry.SetPolicy(p)
	m.contracts.SetPolicy(p)
}
