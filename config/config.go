// Package config loads run configuration from YAML or JSON files.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/marketsentry/perpsim/backtest"
	"github.com/marketsentry/perpsim/broker"
	"github.com/marketsentry/perpsim/exchange"
)

// Config is the complete configuration of a backtest invocation.
type Config struct {
	Run       RunConfig       `json:"run" yaml:"run"`
	Engine    EngineConfig    `json:"engine" yaml:"engine"`
	Symbols   []SymbolConfig  `json:"symbols" yaml:"symbols"`
	Portfolio PortfolioConfig `json:"portfolio,omitempty" yaml:"portfolio,omitempty"`
	Journal   JournalConfig   `json:"journal,omitempty" yaml:"journal,omitempty"`
}

// RunConfig names the strategy and its parameters.
type RunConfig struct {
	Strategy         string             `json:"strategy" yaml:"strategy"`
	Params           map[string]float64 `json:"params,omitempty" yaml:"params,omitempty"`
	TimeframeMinutes int                `json:"timeframe_minutes,omitempty" yaml:"timeframe_minutes,omitempty"`
}

// SymbolConfig binds one symbol to its candle file and optional rule
// overrides.
type SymbolConfig struct {
	Symbol      string         `json:"symbol" yaml:"symbol"`
	CandlesFile string         `json:"candles_file" yaml:"candles_file"`
	Spec        *exchange.Spec `json:"spec,omitempty" yaml:"spec,omitempty"`
	Weight      float64        `json:"weight,omitempty" yaml:"weight,omitempty"`
}

// EngineConfig mirrors backtest.Options in file form.
type EngineConfig struct {
	InitialBalance   float64 `json:"initial_balance" yaml:"initial_balance"`
	WarmupBars       int     `json:"warmup_bars,omitempty" yaml:"warmup_bars,omitempty"`
	PreventLookAhead bool    `json:"prevent_look_ahead,omitempty" yaml:"prevent_look_ahead,omitempty"`
	ExecuteOnNextBar bool    `json:"execute_on_next_bar,omitempty" yaml:"execute_on_next_bar,omitempty"`
	SlippageBps      float64 `json:"slippage_bps,omitempty" yaml:"slippage_bps,omitempty"`
	MaxSpreadBps     float64 `json:"max_spread_bps,omitempty" yaml:"max_spread_bps,omitempty"`
	FundingEnabled   bool    `json:"funding_enabled,omitempty" yaml:"funding_enabled,omitempty"`
	Seed             int64   `json:"seed,omitempty" yaml:"seed,omitempty"`
	RiskFreeRate     float64 `json:"risk_free_rate,omitempty" yaml:"risk_free_rate,omitempty"`
	MinQuality       float64 `json:"min_quality,omitempty" yaml:"min_quality,omitempty"`
	Leverage         float64 `json:"leverage,omitempty" yaml:"leverage,omitempty"`
	MarginMode       string  `json:"margin_mode,omitempty" yaml:"margin_mode,omitempty"` // "cross" or "isolated"
}

// PortfolioConfig applies to multi-symbol runs only.
type PortfolioConfig struct {
	MaxConcurrentPositions int `json:"max_concurrent_positions,omitempty" yaml:"max_concurrent_positions,omitempty"`
}

// JournalConfig selects the audit sink.
type JournalConfig struct {
	Type       string `json:"type,omitempty" yaml:"type,omitempty"` // "", "csv" or "sqlite"
	TradesFile string `json:"trades_file,omitempty" yaml:"trades_file,omitempty"`
	EquityFile string `json:"equity_file,omitempty" yaml:"equity_file,omitempty"`
	DBPath     string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
}

// LoadFromFile reads a config, trying YAML first and falling back to JSON.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jerr := json.Unmarshal(data, cfg); jerr != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for the mistakes that would otherwise
// surface as confusing mid-run behavior.
func (c *Config) Validate() error {
	if c.Run.Strategy == "" {
		return fmt.Errorf("run.strategy is required")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	for i, s := range c.Symbols {
		if s.Symbol == "" {
			return fmt.Errorf("symbols[%d].symbol is required", i)
		}
		if s.CandlesFile == "" {
			return fmt.Errorf("symbols[%d].candles_file is required", i)
		}
		if s.Spec != nil {
			if s.Spec.MinOrderSize > s.Spec.MaxOrderSize && s.Spec.MaxOrderSize > 0 {
				return fmt.Errorf("symbols[%d].spec: min_order_size > max_order_size", i)
			}
		}
	}
	if c.Engine.InitialBalance <= 0 {
		return fmt.Errorf("engine.initial_balance must be positive")
	}
	if c.Engine.Leverage < 0 {
		return fmt.Errorf("engine.leverage must not be negative")
	}
	switch strings.ToLower(c.Engine.MarginMode) {
	case "", "cross", "isolated":
	default:
		return fmt.Errorf("engine.margin_mode must be cross or isolated, got %q", c.Engine.MarginMode)
	}
	if c.Engine.MinQuality < 0 || c.Engine.MinQuality > 1 {
		return fmt.Errorf("engine.min_quality must be in [0, 1]")
	}
	switch c.Journal.Type {
	case "", "csv", "sqlite":
	default:
		return fmt.Errorf("journal.type must be csv or sqlite, got %q", c.Journal.Type)
	}
	if c.Journal.Type == "csv" && (c.Journal.TradesFile == "" || c.Journal.EquityFile == "") {
		return fmt.Errorf("journal trades_file and equity_file required for csv type")
	}
	if c.Journal.Type == "sqlite" && c.Journal.DBPath == "" {
		return fmt.Errorf("journal db_path required for sqlite type")
	}
	return nil
}

// MarginMode parses the configured margin mode, defaulting to cross.
func (c *Config) MarginMode() broker.MarginMode {
	if strings.EqualFold(c.Engine.MarginMode, "isolated") {
		return broker.Isolated
	}
	return broker.Cross
}

// Specs merges built-in trading rules with the per-symbol overrides.
func (c *Config) Specs() map[string]exchange.Spec {
	out := make(map[string]exchange.Spec, len(c.Symbols))
	for _, s := range c.Symbols {
		if s.Spec != nil {
			spec := *s.Spec
			spec.Symbol = s.Symbol
			out[s.Symbol] = spec
			continue
		}
		spec, _ := exchange.Lookup(s.Symbol)
		out[s.Symbol] = spec
	}
	return out
}

// EngineOptions converts the file form into backtest options.
func (c *Config) EngineOptions() backtest.Options {
	return backtest.Options{
		InitialBalance:   c.Engine.InitialBalance,
		WarmupBars:       c.Engine.WarmupBars,
		PreventLookAhead: c.Engine.PreventLookAhead,
		ExecuteOnNextBar: c.Engine.ExecuteOnNextBar,
		SlippageBps:      c.Engine.SlippageBps,
		MaxSpreadBps:     c.Engine.MaxSpreadBps,
		FundingEnabled:   c.Engine.FundingEnabled,
		Seed:             c.Engine.Seed,
		RiskFreeRate:     c.Engine.RiskFreeRate,
		MinQuality:       c.Engine.MinQuality,
		Leverage:         c.Engine.Leverage,
		Mode:             c.MarginMode(),
		Specs:            c.Specs(),
	}
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Run: RunConfig{
			Strategy: "ema-cross",
			Params:   map[string]float64{"fast": 12, "slow": 26, "size": 0.01},
		},
		Engine: EngineConfig{
			InitialBalance:   10_000,
			WarmupBars:       30,
			PreventLookAhead: true,
			SlippageBps:      2,
			Leverage:         1,
			MarginMode:       "cross",
		},
		Symbols: []SymbolConfig{
			{Symbol: "BTCUSDT", CandlesFile: "./btcusdt_1m.csv"},
		},
	}
}

// SaveToFile writes the config as YAML or JSON based on the extension.
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
