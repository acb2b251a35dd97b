// Package risk enforces the stop conditions of a backtest run.
//
// The guard watches the equity reported after every tick and fires once
// when a limit is breached:
//
//   - Drawdown: equity fell more than MaxDrawdownPct below its running peak.
//   - Floor:    equity fell below the absolute EquityFloor.
//
// The replay loop checks the guard each tick and halts the run when it
// trips. The guard is pure and synchronous; a zero limit disables its
// check.
package risk

import (
	"fmt"

	"ticksim/internal/config"
)

// Guard tracks peak equity and evaluates the configured stop conditions.
type Guard struct {
	cfg     config.RiskConfig
	peak    float64
	tripped bool
	reason  string
}

// NewGuard creates a guard with the peak seeded at the starting equity.
func NewGuard(cfg config.RiskConfig, initialEquity float64) *Guard {
	return &Guard{cfg: cfg, peak: initialEquity}
}

// Observe records the equity after a tick and reports whether the run
// should stop. Once tripped the guard stays tripped.
func (g *Guard) Observe(equity float64) bool {
	if g.tripped {
		return true
	}

	if equity > g.peak {
		g.peak = equity
	}

	if g.cfg.EquityFloor != 0 && equity < g.cfg.EquityFloor {
		g.tripped = true
		g.reason = fmt.Sprintf("equity %.2f below floor %.2f", equity, g.cfg.EquityFloor)
		return true
	}

	if g.cfg.MaxDrawdownPct > 0 && g.peak > 0 {
		dd := (g.peak - equity) / g.peak
		if dd > g.cfg.MaxDrawdownPct {
			g.tripped = true
			g.reason = fmt.Sprintf("drawdown %.2f%% exceeds limit %.2f%%", dd*100, g.cfg.MaxDrawdownPct*100)
			return true
		}
	}

	return false
}

// Tripped reports whether a stop condition has fired.
func (g *Guard) Tripped() bool {
	return g.tripped
}

// Reason describes the stop condition that fired, or "" if none has.
func (g *Guard) Reason() string {
	return g.reason
}
