package kernel

import (
	"errors"
	"math"
	"testing"

	"ticksim/pkg/types"
)

const tol = 1e-9

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) <= tol
}

// marketFill places a market order and advances one tick so it fills.
func marketFill(t *testing.T, k *Kernel, id uint64, side types.Side, qty float64, ts, priceTick int64) {
	t.Helper()
	mustPlace(t, k, types.Order{ID: id, Kind: types.MARKET, Side: side, Qty: qty})
	mustStep(t, k, types.Tick{TsMs: ts, PriceTick: priceTick, Qty: 1, Side: side})
}

func TestOpenAndCloseFlat(t *testing.T) {
	t.Parallel()
	k := newTestKernel(t, testConfig())

	marketFill(t, k, 1, types.BUY, 1.5, 1, 100)
	marketFill(t, k, 2, types.SELL, 1.5, 2, 110)

	snap := k.Snapshot()
	if snap.Position != 0 {
		t.Errorf("Position = %v, want 0", snap.Position)
	}
	if !almostEqual(snap.RealizedPnL, 15.0) {
		t.Errorf("RealizedPnL = %v, want 15", snap.RealizedPnL)
	}
	if !almostEqual(snap.Cash, 100_015.0) {
		t.Errorf("Cash = %v, want 100015", snap.Cash)
	}
	if !almostEqual(snap.Equity, 100_015.0) {
		t.Errorf("Equity = %v, want 100015", snap.Equity)
	}
	if snap.AvgEntryPrice != 0 {
		t.Errorf("AvgEntryPrice = %v, want 0 when flat", snap.AvgEntryPrice)
	}
}

func TestWeightedAverageEntry(t *testing.T) {
	t.Parallel()
	k := newTestKernel(t, testConfig())

	marketFill(t, k, 1, types.BUY, 1.0, 1, 100)
	marketFill(t, k, 2, types.BUY, 3.0, 2, 120)

	snap := k.Snapshot()
	if !almostEqual(snap.Position, 4.0) {
		t.Errorf("Position = %v, want 4", snap.Position)
	}
	// avg = (1*100 + 3*120) / 4 = 115
	if !almostEqual(snap.AvgEntryPrice, 115.0) {
		t.Errorf("AvgEntryPrice = %v, want 115", snap.AvgEntryPrice)
	}
}

func TestPositionFlip(t *testing.T) {
	t.Parallel()
	k := newTestKernel(t, testConfig())

	marketFill(t, k, 1, types.BUY, 1.0, 1, 100)
	marketFill(t, k, 2, types.BUY, 3.0, 2, 120)
	marketFill(t, k, 3, types.SELL, 6.0, 3, 130)

	snap := k.Snapshot()
	if !almostEqual(snap.Position, -2.0) {
		t.Errorf("Position = %v, want -2", snap.Position)
	}
	// Realized on the reduced 4.0: (130 - 115) * 4 = 60.
	if !almostEqual(snap.RealizedPnL, 60.0) {
		t.Errorf("RealizedPnL = %v, want 60", snap.RealizedPnL)
	}
	// The residual short opens at the fill price.
	if !almostEqual(snap.AvgEntryPrice, 130.0) {
		t.Errorf("AvgEntryPrice = %v, want 130", snap.AvgEntryPrice)
	}
}

func TestShortRoundTrip(t *testing.T) {
	t.Parallel()
	k := newTestKernel(t, testConfig())

	marketFill(t, k, 1, types.SELL, 2.0, 1, 200)
	marketFill(t, k, 2, types.BUY, 2.0, 2, 180)

	snap := k.Snapshot()
	if snap.Position != 0 {
		t.Errorf("Position = %v, want 0", snap.Position)
	}
	// Short from 200 covered at 180: (200 - 180) * 2 = 40.
	if !almostEqual(snap.RealizedPnL, 40.0) {
		t.Errorf("RealizedPnL = %v, want 40", snap.RealizedPnL)
	}
	if !almostEqual(snap.Cash, 100_040.0) {
		t.Errorf("Cash = %v, want 100040", snap.Cash)
	}
}

func TestSpreadChargedOnBothSides(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.SpreadBps = 100 // 1%
	k := newTestKernel(t, cfg)

	marketFill(t, k, 1, types.BUY, 1.0, 1, 100)  // fills at 101
	marketFill(t, k, 2, types.SELL, 1.0, 2, 100) // fills at 99

	snap := k.Snapshot()
	if !almostEqual(snap.Cash, 100_000-2) {
		t.Errorf("Cash = %v, want 99998", snap.Cash)
	}
	if !almostEqual(snap.RealizedPnL, -2) {
		t.Errorf("RealizedPnL = %v, want -2", snap.RealizedPnL)
	}
}

func TestSpreadOffsetRounding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		spreadBps float64
		baseTick  int64
		want      int64
	}{
		{"zero spread", 0, 100, 0},
		{"exact whole tick", 100, 100, 1},
		{"fraction rounds up", 1, 100, 1},
		{"exact multiple", 1, 10_000, 1},
		{"half rounds up", 1, 15_000, 2},
		{"negative base uses magnitude", 100, -100, 1},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			cfg.SpreadBps = tt.spreadBps
			k := newTestKernel(t, cfg)
			if got := k.spreadOffset(tt.baseTick); got != tt.want {
				t.Errorf("spreadOffset(%d) = %d, want %d", tt.baseTick, got, tt.want)
			}
		})
	}
}

func TestFeeSeparateFromRealizedPnL(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.TakerFeeBps = 10 // 0.1%
	k := newTestKernel(t, cfg)

	marketFill(t, k, 1, types.BUY, 1.0, 1, 100)
	marketFill(t, k, 2, types.SELL, 1.0, 2, 100)

	snap := k.Snapshot()
	if !almostEqual(snap.RealizedPnL, 0) {
		t.Errorf("RealizedPnL = %v, want 0 (gross)", snap.RealizedPnL)
	}
	// Two fills of notional 100 at 0.1% each.
	if !almostEqual(snap.Cash, 100_000-0.2) {
		t.Errorf("Cash = %v, want 99999.8", snap.Cash)
	}
}

func TestFeeIsolationProperty(t *testing.T) {
	t.Parallel()

	run := func(takerBps float64) types.Snapshot {
		cfg := testConfig()
		cfg.TakerFeeBps = takerBps
		k := newTestKernel(t, cfg)
		marketFill(t, k, 1, types.BUY, 2.0, 1, 100)
		marketFill(t, k, 2, types.SELL, 1.0, 2, 130)
		marketFill(t, k, 3, types.SELL, 3.0, 3, 90)
		return k.Snapshot()
	}

	free := run(0)
	paid := run(10)

	if !almostEqual(free.RealizedPnL, paid.RealizedPnL) {
		t.Errorf("RealizedPnL differs with fees: %v vs %v", free.RealizedPnL, paid.RealizedPnL)
	}
	// Fee per fill = notional * 0.001; notionals are 200, 130, 270.
	wantFees := (200 + 130 + 270) * 0.001
	if !almostEqual(free.Cash-paid.Cash, wantFees) {
		t.Errorf("cash delta = %v, want %v", free.Cash-paid.Cash, wantFees)
	}
}

func TestLimitOrderTriggering(t *testing.T) {
	t.Parallel()
	k := newTestKernel(t, testConfig())

	mustPlace(t, k, types.Order{ID: 1, Kind: types.LIMIT, Side: types.BUY, Qty: 1.0, PriceTick: 100})

	mustStep(t, k, types.Tick{TsMs: 1, PriceTick: 101, Qty: 1, Side: types.SELL})
	if snap := k.Snapshot(); snap.Position != 0 {
		t.Fatalf("limit filled above its price: %+v", snap)
	}

	mustStep(t, k, types.Tick{TsMs: 2, PriceTick: 100, Qty: 1, Side: types.SELL})
	snap := k.Snapshot()
	if !almostEqual(snap.Position, 1.0) {
		t.Fatalf("Position = %v, want 1 after limit fill", snap.Position)
	}
	if !almostEqual(snap.Cash, 100_000-100) {
		t.Errorf("Cash = %v, want 99900 (filled at the limit price)", snap.Cash)
	}

	mustStep(t, k, types.Tick{TsMs: 3, PriceTick: 99, Qty: 1, Side: types.SELL})
	if snap := k.Snapshot(); !almostEqual(snap.Position, 1.0) {
		t.Errorf("inactive order filled again: %+v", snap)
	}
	if k.OpenOrders() != 0 {
		t.Errorf("OpenOrders = %d, want 0", k.OpenOrders())
	}
}

func TestSellLimitTriggersAtOrAbove(t *testing.T) {
	t.Parallel()
	k := newTestKernel(t, testConfig())

	mustPlace(t, k, types.Order{ID: 1, Kind: types.LIMIT, Side: types.SELL, Qty: 1.0, PriceTick: 100})

	mustStep(t, k, types.Tick{TsMs: 1, PriceTick: 99, Qty: 1, Side: types.BUY})
	if snap := k.Snapshot(); snap.Position != 0 {
		t.Fatalf("sell limit filled below its price: %+v", snap)
	}

	mustStep(t, k, types.Tick{TsMs: 2, PriceTick: 105, Qty: 1, Side: types.BUY})
	snap := k.Snapshot()
	if !almostEqual(snap.Position, -1.0) {
		t.Errorf("Position = %v, want -1", snap.Position)
	}
	// Limit orders price off their own limit, not the tick.
	if !almostEqual(snap.Cash, 100_100) {
		t.Errorf("Cash = %v, want 100100", snap.Cash)
	}
}

func TestFillsApplyInInsertionOrder(t *testing.T) {
	t.Parallel()
	k := newTestKernel(t, testConfig())

	// Long 2.0 at 100.
	marketFill(t, k, 1, types.BUY, 2.0, 1, 100)

	// At the next tick both orders fill; the sell is first in insertion
	// order, so it flips the position before the buy reduces the short.
	mustPlace(t, k, types.Order{ID: 2, Kind: types.MARKET, Side: types.SELL, Qty: 3.0})
	mustPlace(t, k, types.Order{ID: 3, Kind: types.MARKET, Side: types.BUY, Qty: 2.0})
	mustStep(t, k, types.Tick{TsMs: 2, PriceTick: 120, Qty: 1, Side: types.BUY})

	snap := k.Snapshot()
	// Sell 3: realizes (120-100)*2 = 40, flips to -1 @ 120.
	// Buy 2: covers 1 at 120 (no PnL), flips to +1 @ 120.
	if !almostEqual(snap.Position, 1.0) {
		t.Errorf("Position = %v, want 1", snap.Position)
	}
	if !almostEqual(snap.AvgEntryPrice, 120.0) {
		t.Errorf("AvgEntryPrice = %v, want 120", snap.AvgEntryPrice)
	}
	if !almostEqual(snap.RealizedPnL, 40.0) {
		t.Errorf("RealizedPnL = %v, want 40", snap.RealizedPnL)
	}
}

func TestQuantityTruncatesTowardZero(t *testing.T) {
	t.Parallel()
	k := newTestKernel(t, testConfig())

	// 1.9999999 becomes 1999999 micro-units; the seventh decimal is cut.
	marketFill(t, k, 1, types.BUY, 1.9999999, 1, 100)

	snap := k.Snapshot()
	if !almostEqual(snap.Position, 1.999999) {
		t.Errorf("Position = %v, want 1.999999", snap.Position)
	}
	if !almostEqual(snap.Cash, 100_000-199.9999) {
		t.Errorf("Cash = %v, want %v", snap.Cash, 100_000-199.9999)
	}
}

func TestConservationInvariant(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.TakerFeeBps = 5
	cfg.SpreadBps = 20
	k := newTestKernel(t, cfg)

	steps := []struct {
		order *types.Order
		tick  types.Tick
	}{
		{&types.Order{ID: 1, Kind: types.MARKET, Side: types.BUY, Qty: 1.5}, types.Tick{TsMs: 1, PriceTick: 100, Qty: 1, Side: types.BUY}},
		{&types.Order{ID: 2, Kind: types.LIMIT, Side: types.SELL, Qty: 0.5, PriceTick: 105}, types.Tick{TsMs: 2, PriceTick: 110, Qty: 2, Side: types.BUY}},
		{nil, types.Tick{TsMs: 3, PriceTick: 95, Qty: 1, Side: types.SELL}},
		{&types.Order{ID: 3, Kind: types.MARKET, Side: types.SELL, Qty: 4}, types.Tick{TsMs: 4, PriceTick: 90, Qty: 1, Side: types.SELL}},
		{&types.Order{ID: 4, Kind: types.MARKET, Side: types.BUY, Qty: 3}, types.Tick{TsMs: 5, PriceTick: 97, Qty: 1, Side: types.BUY}},
	}

	for _, s := range steps {
		if s.order != nil {
			mustPlace(t, k, *s.order)
		}
		mustStep(t, k, s.tick)

		snap := k.Snapshot()
		if !almostEqual(snap.Equity, snap.Cash+snap.UnrealizedPnL) {
			t.Fatalf("equity %v != cash %v + unrealized %v", snap.Equity, snap.Cash, snap.UnrealizedPnL)
		}
		if snap.Position == 0 && snap.UnrealizedPnL != 0 {
			t.Fatalf("flat position with unrealized PnL %v", snap.UnrealizedPnL)
		}
	}
}

func TestScalingTransparency(t *testing.T) {
	t.Parallel()

	run := func(scale float64) types.Snapshot {
		k := newTestKernel(t, testConfig())
		marketFill(t, k, 1, types.BUY, 1.0*scale, 1, 100)
		marketFill(t, k, 2, types.BUY, 2.0*scale, 2, 110)
		marketFill(t, k, 3, types.SELL, 2.5*scale, 3, 120)
		return k.Snapshot()
	}

	base := run(1)
	scaled := run(3)

	const k = 3.0
	if !almostEqual(scaled.Position, k*base.Position) {
		t.Errorf("Position = %v, want %v", scaled.Position, k*base.Position)
	}
	if math.Abs(scaled.RealizedPnL-k*base.RealizedPnL) > 1e-6 {
		t.Errorf("RealizedPnL = %v, want %v", scaled.RealizedPnL, k*base.RealizedPnL)
	}
	if math.Abs(scaled.UnrealizedPnL-k*base.UnrealizedPnL) > 1e-6 {
		t.Errorf("UnrealizedPnL = %v, want %v", scaled.UnrealizedPnL, k*base.UnrealizedPnL)
	}
	if math.Abs((scaled.Cash-100_000)-k*(base.Cash-100_000)) > 1e-6 {
		t.Errorf("cash delta = %v, want %v", scaled.Cash-100_000, k*(base.Cash-100_000))
	}
}

func TestStepTickValidation(t *testing.T) {
	t.Parallel()
	k := newTestKernel(t, testConfig())
	mustStep(t, k, types.Tick{TsMs: 1, PriceTick: 100, Qty: 1, Side: types.BUY})

	tests := []struct {
		name string
		tick types.Tick
	}{
		{"nan qty", types.Tick{TsMs: 2, PriceTick: 100, Qty: math.NaN(), Side: types.BUY}},
		{"inf qty", types.Tick{TsMs: 2, PriceTick: 100, Qty: math.Inf(1), Side: types.SELL}},
		{"unknown side", types.Tick{TsMs: 2, PriceTick: 100, Qty: 1, Side: "NONE"}},
	}

	for _, tt := range tests {
		tt := tt
		if err := k.StepTick(tt.tick); !errors.Is(err, ErrInvalidTick) {
			t.Errorf("%s: StepTick() error = %v, want ErrInvalidTick", tt.name, err)
		}
	}

	// Failed steps must not advance the clock.
	if snap := k.Snapshot(); snap.TsMs != 1 {
		t.Errorf("TsMs = %d, want 1 (unchanged)", snap.TsMs)
	}
}

func TestStepBatchValidation(t *testing.T) {
	t.Parallel()
	k := newTestKernel(t, testConfig())

	err := k.StepBatch([]int64{1, 2}, []int64{100}, []float64{1, 1}, []int64{0, 1})
	if !errors.Is(err, ErrLengthMismatch) {
		t.Errorf("StepBatch() error = %v, want ErrLengthMismatch", err)
	}

	err = k.StepBatch([]int64{1, 2}, []int64{100, 101}, []float64{1, 1}, []int64{0, 2})
	if !errors.Is(err, ErrInvalidTick) {
		t.Errorf("StepBatch() error = %v, want ErrInvalidTick", err)
	}

	err = k.StepBatch([]int64{1, 2}, []int64{100, 101}, []float64{1, math.NaN()}, []int64{0, 1})
	if !errors.Is(err, ErrInvalidTick) {
		t.Errorf("StepBatch() error = %v, want ErrInvalidTick", err)
	}

	// A failing batch is all-or-nothing: the first tick was valid but must
	// not have been applied.
	if snap := k.Snapshot(); snap.TsMs != 0 {
		t.Errorf("TsMs = %d, want 0 (no partial batch)", snap.TsMs)
	}
}

func TestBatchEquivalence(t *testing.T) {
	t.Parallel()

	tsMs := []int64{1, 2, 3, 4, 5, 6}
	priceTicks := []int64{100, 103, 99, 104, 101, 98}
	qtys := []float64{1, 0.5, 2, 1.5, 0.25, 3}
	sides := []int64{0, 1, 0, 1, 0, 1}

	cfg := testConfig()
	cfg.TakerFeeBps = 7
	cfg.SpreadBps = 15

	place := func(k *Kernel) {
		mustPlace(t, k, types.Order{ID: 1, Kind: types.MARKET, Side: types.BUY, Qty: 2})
		mustPlace(t, k, types.Order{ID: 2, Kind: types.LIMIT, Side: types.SELL, Qty: 1, PriceTick: 103})
		mustPlace(t, k, types.Order{ID: 3, Kind: types.LIMIT, Side: types.BUY, Qty: 0.5, PriceTick: 99})
	}

	single := newTestKernel(t, cfg)
	place(single)
	for i := range tsMs {
		side := types.BUY
		if sides[i] == 1 {
			side = types.SELL
		}
		mustStep(t, single, types.Tick{TsMs: tsMs[i], PriceTick: priceTicks[i], Qty: qtys[i], Side: side})
	}

	batch := newTestKernel(t, cfg)
	place(batch)
	if err := batch.StepBatch(tsMs, priceTicks, qtys, sides); err != nil {
		t.Fatalf("StepBatch() error = %v", err)
	}

	// Identical operations in identical order: snapshots must be bit-equal.
	if single.Snapshot() != batch.Snapshot() {
		t.Errorf("batch snapshot %+v != per-tick snapshot %+v", batch.Snapshot(), single.Snapshot())
	}
}

func TestRoundTripNeutrality(t *testing.T) {
	t.Parallel()
	k := newTestKernel(t, testConfig())

	marketFill(t, k, 1, types.BUY, 2.5, 1, 100)
	marketFill(t, k, 2, types.SELL, 2.5, 2, 100)

	snap := k.Snapshot()
	if snap.Position != 0 || snap.RealizedPnL != 0 {
		t.Errorf("round trip not neutral: %+v", snap)
	}
	if snap.Cash != 100_000 {
		t.Errorf("Cash = %v, want exactly 100000", snap.Cash)
	}
}
