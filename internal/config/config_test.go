package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vigil.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2*time.Second, cfg.Schedule.ContractInterval)
	assert.Equal(t, time.Second, cfg.Schedule.VerifyInterval)
	assert.Equal(t, 5*time.Second, cfg.Schedule.AnomalyInterval)
	assert.Equal(t, 30*time.Second, cfg.Schedule.SaveInterval)
	assert.Equal(t, 10000, cfg.State.HistoryCapacity)
	assert.Equal(t, 1000, cfg.Limits.ViolationBuffer)
}

func TestLoadFromFileOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
state:
  file: /var/lib/vigil/state.json
  backup: false
schedule:
  contractInterval: 500ms
ledger:
  path: /var/lib/vigil/ledger.db
`)
	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/vigil/state.json", cfg.State.File)
	assert.False(t, cfg.State.Backup)
	assert.Equal(t, 500*time.Millisecond, cfg.Schedule.ContractInterval)
	assert.Equal(t, time.Second, cfg.Schedule.VerifyInterval, "unset keys keep defaults")
	assert.Equal(t, "/var/lib/vigil/ledger.db", cfg.Ledger.Path)
}

func TestLoadFromFileRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "state:\n  fiel: typo.json\n")
	_, err := LoadFromFile(path)
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := LoadFromFile(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := writeConfig(t, "state:\n  file: from-file.json\nlog:\n  level: debug\n")
	t.Setenv("VIGIL_STATE_FILE", "from-env.json")
	t.Setenv("VIGIL_SCHEDULE_SAVE_INTERVAL", "1m")
	t.Setenv("VIGIL_LIMITS_TRANSACTIONS", "250")
	t.Setenv("VIGIL_POLICY_WATCH", "true")
	t.Setenv("VIGIL_POLICY_FILE", "policy.cue")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env.json", cfg.State.File)
	assert.Equal(t, time.Minute, cfg.Schedule.SaveInterval)
	assert.Equal(t, 250, cfg.Limits.Transactions)
	assert.True(t, cfg.Policy.Watch)
	assert.Equal(t, "debug", cfg.Log.Level, "file value survives when no env override")
}

func TestLoadWithoutFileUsesDefaultsAndEnv(t *testing.T) {
	t.Setenv("VIGIL_METRICS_ADDR", ":9100")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Metrics.Addr)
}

func TestLoadRejectsBadEnvValue(t *testing.T) {
	t.Setenv("VIGIL_STATE_HISTORY_CAPACITY", "lots")
	_, err := Load("")
	assert.ErrorContains(t, err, "parse env")
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.State.HistoryCapacity = 0
	cfg.Schedule.AnomalyInterval = 0
	cfg.Log.Level = "verbose"
	cfg.Policy.Watch = true

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state.historyCapacity")
	assert.Contains(t, err.Error(), "schedule.anomalyInterval")
	assert.Contains(t, err.Error(), "log.level")
	assert.Contains(t, err.Error(), "policy.watch requires policy.file")
}

func TestSaveToFileRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.State.File = "state.json"
	cfg.Schedule.ContractInterval = 1500 * time.Millisecond

	path := filepath.Join(t.TempDir(), "nested", "vigil.yaml")
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
