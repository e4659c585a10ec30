package detect

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/roach88/vigil/internal/state"
	"github.com/roach88/vigil/internal/store"
	"github.com/roach88/vigil/internal/testutil"
)

type fixture struct {
	clock *testutil.ManualClock
	state *state.Store
	reg   *Registry
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clk := testutil.NewManualClock(testutil.Epoch)
	st := state.New(state.WithClock(clk), state.WithLogger(quietLogger()))
	base := []Option{WithClock(clk), WithLogger(quietLogger())}
	reg := New(st, append(base, opts...)...)
	return &fixture{clock: clk, state: st, reg: reg}
}

func openLedger(t *testing.T) *store.Store {
	t.Helper()
	l, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func potDraft() Draft {
	return Draft{
		Type:     "POT_MISMATCH",
		Severity: "high",
		Method:   MethodLogAnalysis,
		Category: "pool_mismatch",
		Details:  map[string]any{"tableId": "t1", "expected": 500.0, "actual": 450.0},
	}
}
