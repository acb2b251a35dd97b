// Package config defines all configuration for the backtester.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// overrides via TICKSIM_* environment variables.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	Kernel   KernelConfig   `mapstructure:"kernel"`
	Source   SourceConfig   `mapstructure:"source"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Report   ReportConfig   `mapstructure:"report"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// KernelConfig parameterizes the execution kernel. Fees and spread are in
// basis points; tick_size is the monetary value of one price tick.
// maker_fee_bps is accepted for forward compatibility and currently unused
// by the fill path.
type KernelConfig struct {
	MakerFeeBps float64 `mapstructure:"maker_fee_bps"`
	TakerFeeBps float64 `mapstructure:"taker_fee_bps"`
	SpreadBps   float64 `mapstructure:"spread_bps"`
	InitialCash float64 `mapstructure:"initial_cash"`
	TickSize    float64 `mapstructure:"tick_size"`
}

// SourceConfig selects where ticks come from.
//
//   - csv:     Path points at a ts_ms,price_tick,qty,side file. Prices are
//     already quantized; kernel.tick_size applies as-is.
//   - binance: historical aggregate trades for Symbol over REST between
//     StartTsMs and EndTsMs. TickSize is the decimal tick size used to
//     quantize venue prices (e.g. "0.01").
//   - live:    Symbol's trade stream over WebSocket, quantized the same way.
type SourceConfig struct {
	Type      string `mapstructure:"type"`
	Path      string `mapstructure:"path"`
	Symbol    string `mapstructure:"symbol"`
	BaseURL   string `mapstructure:"base_url"`
	WSURL     string `mapstructure:"ws_url"`
	TickSize  string `mapstructure:"tick_size"`
	StartTsMs int64  `mapstructure:"start_ts_ms"`
	EndTsMs   int64  `mapstructure:"end_ts_ms"`
}

// StrategyConfig names the strategy to run and its parameters. An empty
// Name runs the tick stream through the kernel with no order flow (useful
// for checking data and the batch path).
type StrategyConfig struct {
	Name       string  `mapstructure:"name"`
	FastPeriod int     `mapstructure:"fast_period"`
	SlowPeriod int     `mapstructure:"slow_period"`
	OrderQty   float64 `mapstructure:"order_qty"`
}

// RiskConfig sets the stop conditions checked after every tick of a
// per-tick replay (the batch fast path does not check them).
// MaxDrawdownPct is the tolerated equity drop from its running peak
// (0.2 = stop after a 20% drawdown); EquityFloor is an absolute lower
// bound. Zero disables a check.
type RiskConfig struct {
	MaxDrawdownPct float64 `mapstructure:"max_drawdown_pct"`
	EquityFloor    float64 `mapstructure:"equity_floor"`
}

// ReportConfig sets where run results are persisted (JSON files).
type ReportConfig struct {
	OutputDir string `mapstructure:"output_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TICKSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	switch c.Source.Type {
	case "csv":
		if c.Source.Path == "" {
			return fmt.Errorf("source.path is required for csv sources")
		}
		if c.Kernel.TickSize <= 0 {
			return fmt.Errorf("kernel.tick_size must be > 0 for csv sources")
		}
	case "binance", "live":
		if c.Source.Symbol == "" {
			return fmt.Errorf("source.symbol is required for %s sources", c.Source.Type)
		}
		if c.Source.TickSize == "" {
			return fmt.Errorf("source.tick_size is required for %s sources", c.Source.Type)
		}
	default:
		return fmt.Errorf("source.type must be one of: csv, binance, live")
	}

	if c.Source.Type == "binance" && c.Source.EndTsMs <= c.Source.StartTsMs {
		return fmt.Errorf("source.end_ts_ms must be after source.start_ts_ms")
	}

	if c.Kernel.TakerFeeBps < 0 || c.Kernel.MakerFeeBps < 0 {
		return fmt.Errorf("kernel fees must be >= 0")
	}
	if c.Kernel.SpreadBps < 0 {
		return fmt.Errorf("kernel.spread_bps must be >= 0")
	}

	if c.Strategy.Name != "" {
		if c.Strategy.OrderQty <= 0 {
			return fmt.Errorf("strategy.order_qty must be > 0")
		}
	}

	if c.Risk.MaxDrawdownPct < 0 || c.Risk.MaxDrawdownPct >= 1 {
		return fmt.Errorf("risk.max_drawdown_pct must be in [0, 1)")
	}

	if c.Report.OutputDir == "" {
		return fmt.Errorf("report.output_dir is required")
	}

	return nil
}
