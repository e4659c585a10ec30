package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/roach88/vigil/internal/config"
	"github.com/roach88/vigil/internal/contract"
	"github.com/roach88/vigil/internal/detect"
	"github.com/roach88/vigil/internal/engine"
	"github.com/roach88/vigil/internal/policy"
	"github.com/roach88/vigil/internal/state"
	"github.com/roach88/vigil/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	StateFile   string
	Ledger      string
	Policy      string
	MetricsAddr string
	KeepRunning bool
}

// RunSummary is printed when the monitor stops.
type RunSummary struct {
	StateFile    string                `json:"stateFile,omitempty"`
	LoadOutcome  state.LoadOutcome     `json:"loadOutcome,omitempty"`
	Lines        int                   `json:"lines"`
	Rejected     int                   `json:"rejected"`
	Restored     int                   `json:"restored,omitempty"`
	ActiveIssues int                   `json:"activeIssues"`
	Violations   int                   `json:"violations"`
	Stats        detect.DetectionStats `json:"stats"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the monitor over a JSON-lines input stream",
		Long: `Run the monitor: contract evaluation, state verification, anomaly
detection, log analysis and autosave, until interrupted.

Standard input carries one JSON object per line. A line with "kind" set
to "update" or "append" writes into the state store; any other line is a
log event ({"timestamp", "source", "level", "message", "details"}).
The monitor stops at end of input unless --keep-running is set.

Example:
  tail -F service.jsonl | vigil run --state ./state.json --ledger ./vigil.db
  vigil run -c vigil.yaml --metrics-addr :9090 --keep-running < /dev/null`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.StateFile, "state", "", "persisted state document (overrides state.file)")
	cmd.Flags().StringVar(&opts.Ledger, "ledger", "", "SQLite issue ledger (overrides ledger.path)")
	cmd.Flags().StringVar(&opts.Policy, "policy", "", "CUE detection policy (overrides policy.file)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus /metrics on this address")
	cmd.Flags().BoolVar(&opts.KeepRunning, "keep-running", false, "keep monitoring after input ends")

	return cmd
}

// monitor is the wired set of components behind `vigil run`.
type monitor struct {
	state     *state.Store
	ledger    *store.Store
	registry  *detect.Registry
	contracts *contract.Engine
	engine    *engine.Monitor
	limits    config.LimitsConfig
}

func (m *monitor) Close() error {
	if m.ledger == nil {
		return nil
	}
	return m.ledger.Close()
}

// buildMonitor wires every component from cfg. The ledger is optional.
func buildMonitor(cfg *config.Config, logger *slog.Logger) (*monitor, error) {
	p := policy.Default()
	if cfg.Policy.File != "" {
		loaded, err := policy.LoadFile(cfg.Policy.File)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load policy", err)
		}
		p = loaded
	}

	stateOpts := []state.Option{
		state.WithLogger(logger),
		state.WithBackup(cfg.State.Backup),
		state.WithHistoryCapacity(cfg.State.HistoryCapacity),
		state.WithEventLogLimit(cfg.State.EventLogLimit),
	}
	if cfg.State.File != "" {
		stateOpts = append(stateOpts, state.WithFile(cfg.State.File))
	}
	m := &monitor{state: state.New(stateOpts...), limits: cfg.Limits}

	regOpts := []detect.Option{
		detect.WithLogger(logger),
		detect.WithPolicy(p),
		detect.WithMirrorLimit(cfg.Limits.DetectedMirror),
	}
	ceOpts := []contract.Option{
		contract.WithLogger(logger),
		contract.WithInterval(cfg.Schedule.ContractInterval),
		contract.WithBufferCapacity(cfg.Limits.ViolationBuffer),
	}
	if cfg.Ledger.Path != "" {
		ledger, err := store.Open(cfg.Ledger.Path)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open ledger", err)
		}
		m.ledger = ledger
		regOpts = append(regOpts, detect.WithLedger(ledger))
		ceOpts = append(ceOpts, contract.WithLedger(ledger))
	}

	m.registry = detect.New(m.state, regOpts...)
	m.contracts = contract.New(m.state, p, append(ceOpts, contract.WithReporter(m.registry))...)

	engOpts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithQueueLimit(cfg.Limits.LogQueue),
		engine.WithIntervals(engine.Intervals{
			Verify:  cfg.Schedule.VerifyInterval,
			Anomaly: cfg.Schedule.AnomalyInterval,
			Save:    cfg.Schedule.SaveInterval,
		}),
	}
	if cfg.Policy.Watch {
		engOpts = append(engOpts, engine.WithPolicyWatch(cfg.Policy.File))
	}
	m.engine = engine.New(m.state, m.registry, m.contracts, engOpts...)
	return m, nil
}

func runMonitor(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.StateFile != "" {
		cfg.State.File = opts.StateFile
	}
	if opts.Ledger != "" {
		cfg.Ledger.Path = opts.Ledger
	}
	if opts.Policy != "" {
		cfg.Policy.File = opts.Policy
	}
	if opts.MetricsAddr != "" {
		cfg.Metrics.Addr = opts.MetricsAddr
	}

	logger := opts.newLogger(cmd.ErrOrStderr(), cfg.Log.Level)
	m, err := buildMonitor(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := m.Close(); closeErr != nil {
			logger.Error("error closing ledger", "error", closeErr)
		}
	}()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	summary := RunSummary{StateFile: cfg.State.File}
	if cfg.State.File != "" {
		report, err := m.state.Load(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load state", err)
		}
		summary.LoadOutcome = report.Outcome
		logger.Info("state loaded", "file", cfg.State.File, "outcome", report.Outcome,
			"events", report.Events, "repairs", report.Repairs)
	}

	restored, err := m.registry.Restore(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to restore issues", err)
	}
	summary.Restored = restored

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if cfg.Metrics.Addr != "" {
		stopMetrics, err := serveMetrics(cfg.Metrics.Addr, logger)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to start metrics endpoint", err)
		}
		defer stopMetrics()
	}

	// At end of input a batch run sweeps once and cancels; Run then drains
	// the log queue and saves.
	type counts struct{ lines, rejected int }
	inputDone := make(chan counts, 1)
	go func() {
		lines, rejected := consumeInput(cmd.InOrStdin(), m, logger)
		inputDone <- counts{lines, rejected}
		if !opts.KeepRunning {
			logger.Info("input ended, stopping monitor", "lines", lines)
			m.engine.Sweep(ctx)
			cancel()
		}
	}()

	if err := m.engine.Run(ctx); err != nil {
		return WrapExitError(ExitFailure, "monitor error", err)
	}
	// The input goroutine reports before it cancels, so a batch run always
	// has its counts here. After a signal the reader may still be blocked.
	select {
	case c := <-inputDone:
		summary.Lines, summary.Rejected = c.lines, c.rejected
	default:
	}

	summary.ActiveIssues = len(m.registry.Active())
	summary.Violations = len(m.contracts.Violations())
	summary.Stats = m.registry.Stats()
	return opts.formatter(cmd.OutOrStdout()).Success(summary, func(w io.Writer) {
		fmt.Fprintf(w, "Processed %d lines (%d rejected)\n", summary.Lines, summary.Rejected)
		fmt.Fprintf(w, "Issues: %d total, %d active, %d detections\n",
			summary.Stats.TotalIssues, summary.ActiveIssues, summary.Stats.TotalDetections)
		fmt.Fprintf(w, "Violations buffered: %d\n", summary.Violations)
	})
}

// inputLine is one JSON-lines record: a state write or a log event.
type inputLine struct {
	Kind  string `json:"kind"`
	Path  string `json:"path"`
	Value any    `json:"value"`
	Limit int    `json:"limit"`
	detect.LogEvent
}

// Input line kinds.
const (
	kindUpdate = "update"
	kindAppend = "append"
	kindLog    = "log"
)

// consumeInput feeds r into the monitor until EOF. Malformed lines are
// logged and skipped.
func consumeInput(r io.Reader, m *monitor, logger *slog.Logger) (lines, rejected int) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		lines++
		if err := applyLine(raw, m); err != nil {
			rejected++
			logger.Warn("input line rejected", "line", lines, "error", err)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Error("input read failed", "error", err)
	}
	return lines, rejected
}

func applyLine(raw []byte, m *monitor) error {
	var line inputLine
	if err := json.Unmarshal(raw, &line); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	switch line.Kind {
	case kindUpdate:
		_, err := m.state.Update(line.Path, line.Value, map[string]any{"source": "input"})
		return err
	case kindAppend:
		limit := line.Limit
		if limit == 0 && line.Path == detect.TransactionsPath {
			limit = m.limits.Transactions
		}
		_, err := m.state.Append(line.Path, line.Value, limit, map[string]any{"source": "input"})
		return err
	case "", kindLog:
		if line.Message == "" {
			return errors.New("log event has no message")
		}
		if !m.engine.Ingest(line.LogEvent) {
			return errors.New("log queue full or monitor stopped")
		}
		return nil
	}
	return fmt.Errorf("unknown kind %q", line.Kind)
}

// serveMetrics exposes the default Prometheus registry at /metrics.
// The returned func shuts the server down.
func serveMetrics(addr string, logger *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("metrics endpoint listening", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
