package feed

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"ticksim/pkg/types"
)

// InferTickSize derives the instrument tick size from a sample of raw
// trade prices. The tick is the greatest common divisor of the price
// increments, computed exactly on the decimal representation so binary
// floating point never touches the venue's numbers. At least two distinct
// prices are required.
func InferTickSize(prices []string) (decimal.Decimal, error) {
	if len(prices) < 2 {
		return decimal.Zero, fmt.Errorf("tick size inference needs at least 2 prices, got %d", len(prices))
	}

	parsed := make([]decimal.Decimal, len(prices))
	minExp := int32(0)
	for i, p := range prices {
		d, err := decimal.NewFromString(p)
		if err != nil {
			return decimal.Zero, fmt.Errorf("price %q: %w", p, err)
		}
		parsed[i] = d
		if d.Exponent() < minExp {
			minExp = d.Exponent()
		}
	}

	// Rescale every price to integer units of 10^minExp, then take the
	// GCD of the offsets from the first price.
	scale := func(d decimal.Decimal) *big.Int {
		shift := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(d.Exponent()-minExp)), nil)
		return new(big.Int).Mul(d.Coefficient(), shift)
	}

	base := scale(parsed[0])
	gcd := new(big.Int)
	for _, d := range parsed[1:] {
		diff := new(big.Int).Sub(scale(d), base)
		diff.Abs(diff)
		if diff.Sign() == 0 {
			continue
		}
		gcd.GCD(nil, nil, gcd, diff)
	}
	if gcd.Sign() == 0 {
		return decimal.Zero, fmt.Errorf("tick size inference needs at least 2 distinct prices")
	}

	return decimal.NewFromBigInt(gcd, minExp), nil
}

// Quantizer converts decimal price strings to integer tick counts for a
// fixed tick size.
type Quantizer struct {
	tick decimal.Decimal
}

// NewQuantizer returns a quantizer for the given tick size.
func NewQuantizer(tick decimal.Decimal) (*Quantizer, error) {
	if !tick.IsPositive() {
		return nil, fmt.Errorf("tick size must be positive, got %s", tick)
	}
	return &Quantizer{tick: tick}, nil
}

// TickSize returns the tick size as a float64 for kernel configuration.
func (q *Quantizer) TickSize() float64 {
	return q.tick.InexactFloat64()
}

// PriceTick converts a decimal price string to a tick count, rounding to
// the nearest tick. Venue prices are exact multiples in practice; rounding
// guards against upstream noise.
func (q *Quantizer) PriceTick(price string) (int64, error) {
	d, err := decimal.NewFromString(price)
	if err != nil {
		return 0, fmt.Errorf("price %q: %w", price, err)
	}
	return d.DivRound(q.tick, 0).IntPart(), nil
}

// BucketTrades folds raw venue trades into kernel ticks: one tick per
// trade with the price quantized, qty and aggressor side carried through.
func BucketTrades(trades []types.Trade, q *Quantizer) ([]types.Tick, error) {
	ticks := make([]types.Tick, 0, len(trades))
	for i, tr := range trades {
		pt, err := q.PriceTick(tr.Price)
		if err != nil {
			return nil, fmt.Errorf("trade %d: %w", i, err)
		}
		ticks = append(ticks, types.Tick{
			TsMs:      tr.TsMs,
			PriceTick: pt,
			Qty:       tr.Qty,
			Side:      tr.Side,
		})
	}
	return ticks, nil
}
