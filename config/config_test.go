package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketsentry/perpsim/broker"
)

func TestLoadFromFileYAML(t *testing.T) {
	t.Parallel()

	data := `
run:
  strategy: ema-cross
  params:
    fast: 9
    slow: 21
    size: 0.05
engine:
  initial_balance: 25000
  warmup_bars: 21
  prevent_look_ahead: true
  seed: 7
  leverage: 5
  margin_mode: isolated
symbols:
  - symbol: BTCUSDT
    candles_file: ./btc.csv
    weight: 0.7
  - symbol: ETHUSDT
    candles_file: ./eth.csv
    weight: 0.3
portfolio:
  max_concurrent_positions: 1
journal:
  type: sqlite
  db_path: ./runs.db
`
	path := filepath.Join(t.TempDir(), "perpsim.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "ema-cross", cfg.Run.Strategy)
	assert.InDelta(t, 9, cfg.Run.Params["fast"], 1e-12)
	assert.InDelta(t, 25000, cfg.Engine.InitialBalance, 1e-9)
	assert.Equal(t, 21, cfg.Engine.WarmupBars)
	assert.Equal(t, broker.Isolated, cfg.MarginMode())
	require.Len(t, cfg.Symbols, 2)
	assert.InDelta(t, 0.7, cfg.Symbols[0].Weight, 1e-12)
	assert.Equal(t, 1, cfg.Portfolio.MaxConcurrentPositions)
	assert.Equal(t, "sqlite", cfg.Journal.Type)
}

func TestLoadFromFileJSON(t *testing.T) {
	t.Parallel()

	data := `{
  "run": {"strategy": "rsi", "params": {"period": 14}},
  "engine": {"initial_balance": 5000},
  "symbols": [{"symbol": "SOLUSDT", "candles_file": "./sol.csv"}]
}`
	path := filepath.Join(t.TempDir(), "perpsim.json")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "rsi", cfg.Run.Strategy)
	assert.Equal(t, broker.Cross, cfg.MarginMode())
}

func TestLoadFromFileMissing(t *testing.T) {
	t.Parallel()

	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() *Config {
		c := Default()
		return c
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"default_is_valid", func(*Config) {}, true},
		{"missing_strategy", func(c *Config) { c.Run.Strategy = "" }, false},
		{"no_symbols", func(c *Config) { c.Symbols = nil }, false},
		{"symbol_without_name", func(c *Config) { c.Symbols[0].Symbol = "" }, false},
		{"symbol_without_file", func(c *Config) { c.Symbols[0].CandlesFile = "" }, false},
		{"zero_balance", func(c *Config) { c.Engine.InitialBalance = 0 }, false},
		{"negative_leverage", func(c *Config) { c.Engine.Leverage = -1 }, false},
		{"bad_margin_mode", func(c *Config) { c.Engine.MarginMode = "hedged" }, false},
		{"quality_above_one", func(c *Config) { c.Engine.MinQuality = 1.5 }, false},
		{"bad_journal_type", func(c *Config) { c.Journal.Type = "parquet" }, false},
		{"csv_journal_without_files", func(c *Config) { c.Journal.Type = "csv" }, false},
		{"sqlite_journal_without_path", func(c *Config) { c.Journal.Type = "sqlite" }, false},
		{"isolated_mode", func(c *Config) { c.Engine.MarginMode = "isolated" }, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestSpecsMergesOverrides(t *testing.T) {
	t.Parallel()

	c := Default()
	c.Symbols = append(c.Symbols, SymbolConfig{
		Symbol:      "ABCUSDT",
		CandlesFile: "./abc.csv",
	})

	specs := c.Specs()
	require.Contains(t, specs, "BTCUSDT")
	require.Contains(t, specs, "ABCUSDT")
	// Built-in rules survive, unknown symbols get the synthetic default.
	assert.InDelta(t, 0.1, specs["BTCUSDT"].TickSize, 1e-12)
	assert.InDelta(t, 0.01, specs["ABCUSDT"].TickSize, 1e-12)
}

func TestEngineOptions(t *testing.T) {
	t.Parallel()

	c := Default()
	c.Engine.Seed = 99
	c.Engine.MarginMode = "isolated"

	opts := c.EngineOptions()
	assert.InDelta(t, 10000, opts.InitialBalance, 1e-9)
	assert.Equal(t, int64(99), opts.Seed)
	assert.Equal(t, broker.Isolated, opts.Mode)
	assert.True(t, opts.PreventLookAhead)
	assert.Contains(t, opts.Specs, "BTCUSDT")
}

func TestSaveToFileRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c := Default()
	c.Engine.Seed = 5

	for _, name := range []string{"cfg.yaml", "cfg.json"} {
		path := filepath.Join(dir, name)
		require.NoError(t, c.SaveToFile(path))

		back, err := LoadFromFile(path)
		require.NoError(t, err)
		assert.Equal(t, c.Run.Strategy, back.Run.Strategy)
		assert.Equal(t, int64(5), back.Engine.Seed)
		assert.Equal(t, c.Symbols[0].Symbol, back.Symbols[0].Symbol)
	}
}
