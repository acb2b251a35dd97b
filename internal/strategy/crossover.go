package strategy

import (
	"fmt"
	"math"

	"ticksim/internal/config"
	"ticksim/pkg/types"
)

// Crossover is a moving-average crossover strategy: when the fast SMA
// crosses above the slow SMA it targets a long position of OrderQty, and
// when it crosses below, a short position of the same size. Position
// changes are sent as market orders sized to reach the target. No order is
// sent before the first cross after warm-up.
type Crossover struct {
	fast     int
	slow     int
	qty      float64
	prices   []float64 // ring buffer over the slow window, in tick counts
	count    int64     // total ticks seen
	lastDiff float64   // previous fastSMA - slowSMA, NaN before warm-up
	nextID   uint64
}

func newCrossover(cfg config.StrategyConfig) (Strategy, error) {
	if cfg.FastPeriod <= 0 || cfg.SlowPeriod <= cfg.FastPeriod {
		return nil, fmt.Errorf("ma_crossover requires 0 < fast_period < slow_period, got %d/%d",
			cfg.FastPeriod, cfg.SlowPeriod)
	}
	return &Crossover{
		fast:     cfg.FastPeriod,
		slow:     cfg.SlowPeriod,
		qty:      cfg.OrderQty,
		prices:   make([]float64, cfg.SlowPeriod),
		lastDiff: math.NaN(),
	}, nil
}

func (c *Crossover) Name() string {
	return "ma_crossover"
}

// OnTick updates the moving averages and emits a market order when the
// fast average crosses the slow one.
func (c *Crossover) OnTick(snap types.Snapshot, tick types.Tick) []types.Order {
	c.prices[c.count%int64(c.slow)] = float64(tick.PriceTick)
	c.count++
	if c.count < int64(c.slow) {
		return nil
	}

	diff := c.sma(c.fast) - c.sma(c.slow)
	prev := c.lastDiff
	c.lastDiff = diff

	if math.IsNaN(prev) || diff == 0 || (prev > 0) == (diff > 0) {
		return nil
	}

	target := c.qty
	if diff < 0 {
		target = -c.qty
	}
	delta := target - snap.Position
	if delta == 0 {
		return nil
	}

	side := types.BUY
	if delta < 0 {
		side = types.SELL
	}
	c.nextID++
	return []types.Order{{
		ID:   c.nextID,
		Kind: types.MARKET,
		Side: side,
		Qty:  math.Abs(delta),
	}}
}

// sma averages the most recent n prices.
func (c *Crossover) sma(n int) float64 {
	sum := 0.0
	for i := int64(0); i < int64(n); i++ {
		idx := (c.count - 1 - i) % int64(c.slow)
		sum += c.prices[idx]
	}
	return sum / float64(n)
}
