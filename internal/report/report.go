// Package report computes end-of-run performance metrics from a replay
// result and packages them for persistence.
package report

import (
	"math"
	"time"

	"ticksim/internal/replay"
)

// Metrics are the headline numbers of one backtest run.
type Metrics struct {
	InitialCash    float64 `json:"initial_cash"`
	FinalEquity    float64 `json:"final_equity"`
	TotalReturn    float64 `json:"total_return"`
	TotalReturnPct float64 `json:"total_return_pct"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
	Ticks          int     `json:"ticks"`
	OrdersPlaced   int     `json:"orders_placed"`
	OrdersRejected int     `json:"orders_rejected"`
}

// Record is the persisted form of a completed run.
type Record struct {
	GeneratedAt time.Time     `json:"generated_at"`
	Strategy    string        `json:"strategy,omitempty"`
	Symbol      string        `json:"symbol,omitempty"`
	Metrics     Metrics       `json:"metrics"`
	Result      replay.Result `json:"result"`
}

// Compute derives metrics from a replay result.
func Compute(res replay.Result, initialCash float64) Metrics {
	m := Metrics{
		InitialCash:    initialCash,
		FinalEquity:    res.Final.Equity,
		TotalReturn:    res.Final.Equity - initialCash,
		Ticks:          res.Ticks,
		OrdersPlaced:   res.OrdersPlaced,
		OrdersRejected: res.OrdersRejected,
	}
	if initialCash != 0 {
		m.TotalReturnPct = m.TotalReturn / initialCash
	}
	m.MaxDrawdownPct = maxDrawdown(res.Curve)
	m.SharpeRatio = sharpe(res.Curve)
	return m
}

// maxDrawdown is the largest peak-to-trough equity drop, as a fraction of
// the peak.
func maxDrawdown(curve []replay.EquityPoint) float64 {
	var peak, maxDD float64
	for i, p := range curve {
		if i == 0 || p.Equity > peak {
			peak = p.Equity
		}
		if peak > 0 {
			if dd := (peak - p.Equity) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// sharpe is the mean per-sample equity return over its standard deviation.
// No annualization is applied: tick cadence is data-dependent, so the
// number is only comparable between runs on the same data.
func sharpe(curve []replay.EquityPoint) float64 {
	if len(curve) < 2 {
		return 0
	}

	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev == 0 {
			continue
		}
		returns = append(returns, (curve[i].Equity-prev)/prev)
	}
	if len(returns) < 2 {
		return 0
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var variance float64
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns))
	if variance == 0 {
		return 0
	}

	return mean / math.Sqrt(variance)
}
