// ticksim, a deterministic tick backtester.
//
// Architecture:
//
//	main.go            entry point: loads config, wires the run, waits for SIGINT/SIGTERM
//	kernel/            deterministic execution core: orders, fills, position accounting
//	feed/              tick sources: CSV files, Binance REST history, live WebSocket trades
//	strategy/          pluggable strategies driving the kernel (ma_crossover shipped)
//	replay/            the run loop: source, kernel, strategy, risk guard
//	risk/              drawdown and equity-floor stop conditions
//	report/            performance metrics from the equity curve
//	store/             JSON file persistence for run results
//
// The kernel simulates fills against historical ticks: market orders fill
// at the next observed price, limit orders when the price crosses, spread
// widens fills against the taker, and fees hit cash while realized PnL
// stays gross. Everything downstream (metrics, reports) derives from the
// kernel's reconciled snapshots.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"ticksim/internal/config"
	"ticksim/internal/feed"
	"ticksim/internal/kernel"
	"ticksim/internal/replay"
	"ticksim/internal/report"
	"ticksim/internal/risk"
	"ticksim/internal/store"
	"ticksim/internal/strategy"
)

const (
	defaultBinanceBaseURL = "https://api.binance.com"
	defaultBinanceWSURL   = "wss://stream.binance.com:9443"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TICKSIM_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("run failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	kernCfg := kernel.Config{
		MakerFeeBps: cfg.Kernel.MakerFeeBps,
		TakerFeeBps: cfg.Kernel.TakerFeeBps,
		SpreadBps:   cfg.Kernel.SpreadBps,
		InitialCash: cfg.Kernel.InitialCash,
		TickSize:    cfg.Kernel.TickSize,
	}

	src, err := buildSource(cfg, &kernCfg, logger)
	if err != nil {
		return err
	}
	defer src.Close()

	kern, err := kernel.New(kernCfg)
	if err != nil {
		return fmt.Errorf("create kernel: %w", err)
	}
	defer kern.Close()

	strat, err := strategy.New(cfg.Strategy)
	if err != nil {
		return fmt.Errorf("create strategy: %w", err)
	}

	guard := risk.NewGuard(cfg.Risk, kernCfg.InitialCash)
	runner := replay.NewRunner(kern, src, strat, guard, logger)

	logger.Info("backtest started",
		"source", cfg.Source.Type,
		"strategy", cfg.Strategy.Name,
		"initial_cash", kernCfg.InitialCash,
		"tick_size", kernCfg.TickSize,
	)

	start := time.Now()
	var res replay.Result
	if strat == nil && cfg.Source.Type != "live" {
		// A finite source with no order flow can take the batch fast path;
		// the kernel guarantees the same final snapshot. The batch path does
		// not consult the risk guard.
		res, err = runner.RunBatch(ctx)
	} else {
		res, err = runner.Run(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	metrics := report.Compute(res, kernCfg.InitialCash)
	rec := report.Record{
		GeneratedAt: time.Now().UTC(),
		Strategy:    cfg.Strategy.Name,
		Symbol:      cfg.Source.Symbol,
		Metrics:     metrics,
		Result:      res,
	}

	st, err := store.Open(cfg.Report.OutputDir)
	if err != nil {
		return err
	}
	name := runName(cfg, rec.GeneratedAt)
	if err := st.SaveRun(name, rec); err != nil {
		return err
	}

	logger.Info("backtest finished",
		"run", name,
		"ticks", metrics.Ticks,
		"orders", metrics.OrdersPlaced,
		"final_equity", metrics.FinalEquity,
		"return_pct", metrics.TotalReturnPct*100,
		"max_drawdown_pct", metrics.MaxDrawdownPct*100,
		"elapsed", time.Since(start),
	)
	if res.Stopped {
		logger.Warn("run halted by risk guard", "reason", res.StopReason)
	}
	return nil
}

// buildSource constructs the configured tick source. For venue-priced
// sources it also derives the kernel tick size from the quantizer so the
// two layers can never disagree.
func buildSource(cfg *config.Config, kernCfg *kernel.Config, logger *slog.Logger) (feed.Source, error) {
	switch cfg.Source.Type {
	case "csv":
		return feed.OpenCSV(cfg.Source.Path)

	case "binance", "live":
		tick, err := decimal.NewFromString(cfg.Source.TickSize)
		if err != nil {
			return nil, fmt.Errorf("source.tick_size: %w", err)
		}
		quant, err := feed.NewQuantizer(tick)
		if err != nil {
			return nil, fmt.Errorf("source.tick_size: %w", err)
		}
		kernCfg.TickSize = quant.TickSize()

		if cfg.Source.Type == "live" {
			wsURL := cfg.Source.WSURL
			if wsURL == "" {
				wsURL = defaultBinanceWSURL
			}
			return feed.NewLiveSource(wsURL, cfg.Source.Symbol, quant, logger), nil
		}

		baseURL := cfg.Source.BaseURL
		if baseURL == "" {
			baseURL = defaultBinanceBaseURL
		}
		return feed.NewBinanceSource(baseURL, cfg.Source.Symbol,
			cfg.Source.StartTsMs, cfg.Source.EndTsMs, quant, logger), nil

	default:
		return nil, fmt.Errorf("unknown source type %q", cfg.Source.Type)
	}
}

func runName(cfg *config.Config, at time.Time) string {
	base := cfg.Strategy.Name
	if base == "" {
		base = "replay"
	}
	if cfg.Source.Symbol != "" {
		base += "-" + cfg.Source.Symbol
	}
	return fmt.Sprintf("%s-%s", base, at.Format("20060102-150405"))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
