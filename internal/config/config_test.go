package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sequencer/internal/domain/sequence"
)

const sampleConfig = `
log:
  level: debug
storage:
  backend: memory
worker:
  sweep_interval: 2s
  sweep_batch: 50
sequences:
  - name: invoice
    scope: kyiv
    pattern: "INV-{YYYY}-{COUNTER:5}"
    reset_period: yearly
    gap_policy: fill
    overflow_behavior: extend-padding
    exhaustion_threshold: "90%"
  - name: receipt
    pattern: "R-{COUNTER}"
    active: false
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sequencer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FileOverDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 2*time.Second, cfg.Worker.SweepInterval)
	assert.Equal(t, 50, cfg.Worker.SweepBatch)
	assert.Equal(t, "log", cfg.Audit.Sink, "untouched sections keep defaults")
	assert.Equal(t, int32(25), cfg.Storage.MaxConns)

	defs, err := cfg.Definitions()
	require.NoError(t, err)
	require.Len(t, defs, 2)

	inv := defs[0]
	assert.Equal(t, sequence.NewKey("invoice", "kyiv"), inv.Key)
	assert.Equal(t, sequence.ResetYearly, inv.ResetPeriod)
	assert.Equal(t, sequence.GapFill, inv.GapPolicy)
	assert.Equal(t, sequence.OverflowExtendPadding, inv.OverflowBehavior)
	assert.True(t, decimal.NewFromInt(90).Equal(inv.ExhaustionThresholdPercent))
	assert.Equal(t, int64(1), inv.StepSize)
	assert.True(t, inv.Active)

	assert.False(t, defs[1].Active)
	assert.Equal(t, sequence.GapAllow, defs[1].GapPolicy)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("APP_ENV", "development")
	t.Setenv("DATABASE_URL", "postgres://localhost/seq")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("SEQUENCER_SWEEP_INTERVAL", "1m")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.True(t, cfg.Log.Development)
	assert.Equal(t, BackendPostgres, cfg.Storage.Backend)
	assert.Equal(t, "postgres://localhost/seq", cfg.Storage.DSN)
	assert.Equal(t, "localhost:6379", cfg.Redis.Address)
	assert.Equal(t, time.Minute, cfg.Worker.SweepInterval)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "unknown reset period",
			body: "sequences:\n  - name: a\n    pattern: \"{COUNTER}\"\n    reset_period: hourly\n",
		},
		{
			name: "pattern without counter",
			body: "sequences:\n  - name: a\n    pattern: \"A-{NOPE}\"\n",
		},
		{
			name: "duplicate key",
			body: "sequences:\n  - name: a\n    pattern: \"{COUNTER}\"\n  - name: a\n    pattern: \"B{COUNTER}\"\n",
		},
		{
			name: "threshold out of range",
			body: "sequences:\n  - name: a\n    pattern: \"{COUNTER}\"\n    exhaustion_threshold: \"120\"\n",
		},
		{
			name: "postgres without dsn",
			body: "storage:\n  backend: postgres\n",
		},
		{
			name: "postgres audit on memory",
			body: "audit:\n  sink: postgres\n",
		},
		{
			name: "unknown backend",
			body: "storage:\n  backend: sqlite\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	w, err := NewWatcher(path)
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond

	changes := make(chan *Config, 1)
	w.OnChange = func(c *Config) {
		select {
		case changes <- c:
		default:
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	updated := sampleConfig + "  - name: credit-note\n    pattern: \"CN-{COUNTER:4}\"\n"
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte(updated), 0o600)
		select {
		case cfg := <-changes:
			defs, err := cfg.Definitions()
			return err == nil && len(defs) == 3
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
