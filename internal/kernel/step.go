// step.go advances the simulation clock: each tick scans the open-order
// set in insertion order, fills every order whose condition is satisfied at
// the new price, and compacts the set. Orders placed between ticks become
// eligible at the next submission. Within a tick, later fills observe the
// account changes of earlier ones.
package kernel

import (
	"fmt"
	"math"

	"ticksim/pkg/types"
)

// StepTick processes one market tick. Tick qty and side are informational
// at this boundary; fills are driven solely by the kernel's open orders.
// A failed validation leaves the handle unchanged.
func (k *Kernel) StepTick(tick types.Tick) error {
	if err := validateTick(tick.Qty, tick.Side); err != nil {
		return err
	}
	k.step(tick)
	return nil
}

// StepBatch processes len(tsMs) ticks with per-tick semantics: the final
// account state is the same as calling StepTick on each index in order.
// Sides are encoded 0 = buy, 1 = sell. All inputs are validated before any
// state is touched, so a failing batch mutates nothing.
func (k *Kernel) StepBatch(tsMs, priceTicks []int64, qtys []float64, sides []int64) error {
	n := len(tsMs)
	if len(priceTicks) != n || len(qtys) != n || len(sides) != n {
		return fmt.Errorf("%w: ts=%d price=%d qty=%d side=%d",
			ErrLengthMismatch, n, len(priceTicks), len(qtys), len(sides))
	}
	for i := 0; i < n; i++ {
		if sides[i] != 0 && sides[i] != 1 {
			return fmt.Errorf("%w: index %d: side must be 0 (buy) or 1 (sell), got %d",
				ErrInvalidTick, i, sides[i])
		}
		if math.IsNaN(qtys[i]) || math.IsInf(qtys[i], 0) {
			return fmt.Errorf("%w: index %d: qty must be finite", ErrInvalidTick, i)
		}
	}
	for i := 0; i < n; i++ {
		side := types.BUY
		if sides[i] == 1 {
			side = types.SELL
		}
		k.step(types.Tick{TsMs: tsMs[i], PriceTick: priceTicks[i], Qty: qtys[i], Side: side})
	}
	return nil
}

func validateTick(qty float64, side types.Side) error {
	if math.IsNaN(qty) || math.IsInf(qty, 0) {
		return fmt.Errorf("%w: qty must be finite", ErrInvalidTick)
	}
	if !side.Valid() {
		return fmt.Errorf("%w: unknown side %q", ErrInvalidTick, side)
	}
	return nil
}

// step applies one already-validated tick.
func (k *Kernel) step(tick types.Tick) {
	k.tsMs = tick.TsMs
	k.lastTick = tick.PriceTick

	for i := range k.orders {
		o := &k.orders[i]
		if !o.active || !crossed(o, tick.PriceTick) {
			continue
		}

		// Market orders price off the observed tick, limit orders off
		// their own limit; spread then widens against the taker.
		base := tick.PriceTick
		if o.kind == types.LIMIT {
			base = o.priceTick
		}
		fillTick := base
		if off := k.spreadOffset(base); off != 0 {
			if o.side == types.BUY {
				fillTick += off
			} else {
				fillTick -= off
			}
		}

		k.fill(o.side, o.qtyMicro, fillTick)
		o.active = false
	}

	k.compact()
}

// crossed reports whether the order fills at the given tick price.
func crossed(o *openOrder, priceTick int64) bool {
	if o.kind == types.MARKET {
		return true
	}
	if o.side == types.BUY {
		return priceTick <= o.priceTick
	}
	return priceTick >= o.priceTick
}

// spreadOffset converts the configured spread into a whole-tick widening.
// Any non-zero fractional offset rounds up, away from zero, so the kernel
// never tightens the market.
func (k *Kernel) spreadOffset(baseTick int64) int64 {
	if k.cfg.SpreadBps == 0 {
		return 0
	}
	s := k.cfg.SpreadBps / bpsDenom
	return int64(math.Ceil(math.Abs(float64(baseTick)) * s))
}

// fill executes a fill of qMicro micro-units at fillTick against the
// account. Fees go to cash only; realized PnL stays gross. The four
// position cases are open, add, reduce, and flip.
func (k *Kernel) fill(side types.Side, qMicro int64, fillTick int64) {
	qty := float64(qMicro) / microPerUnit
	price := float64(fillTick) * k.cfg.TickSize
	notional := price * qty
	fee := notional * (k.cfg.TakerFeeBps / bpsDenom)

	var delta int64
	if side == types.BUY {
		k.cash -= notional + fee
		delta = qMicro
	} else {
		k.cash += notional - fee
		delta = -qMicro
	}

	old := k.posMicro
	next := old + delta

	switch {
	case old == 0:
		// Opening from flat.
		k.avgEntryTick = float64(fillTick)

	case (old > 0) == (delta > 0):
		// Adding to the position: micro-unit-weighted average entry.
		// old, delta and next share a sign, so the ratio is positive.
		k.avgEntryTick = (float64(old)*k.avgEntryTick + float64(delta)*float64(fillTick)) / float64(next)

	default:
		// Reducing or flipping: realize PnL on the closed portion.
		reduced := absInt64(delta)
		if r := absInt64(old); reduced > r {
			reduced = r
		}
		exitValue := (float64(reduced) / microPerUnit) * float64(fillTick) * k.cfg.TickSize
		entryValue := (float64(reduced) / microPerUnit) * k.avgEntryTick * k.cfg.TickSize
		if old > 0 {
			k.realized += exitValue - entryValue
		} else {
			k.realized += entryValue - exitValue
		}

		switch {
		case next == 0:
			k.avgEntryTick = 0
		case absInt64(delta) > absInt64(old):
			// Flip: the residual opens a fresh position at the fill price.
			k.avgEntryTick = float64(fillTick)
		}
		// Plain reduction keeps the entry price.
	}

	k.posMicro = next
}

// compact drops inactive orders, preserving insertion order.
func (k *Kernel) compact() {
	n := 0
	for i := range k.orders {
		if k.orders[i].active {
			k.orders[n] = k.orders[i]
			n++
		}
	}
	k.orders = k.orders[:n]
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
