// Package kernel implements the deterministic execution core of the
// backtester: it consumes tick events and open-order instructions and keeps
// a fully reconciled account (cash, signed position, weighted-average entry,
// realized and unrealized PnL, equity) after every step.
//
// The kernel is deliberately inert infrastructure. It reads no files, writes
// no files, and performs no logging; ingestion, configuration, strategy and
// reporting live in the surrounding packages. A Kernel has no internal
// locking: the caller must keep at most one operation in flight per handle.
// Distinct handles are independent and may be used from different goroutines.
//
// Prices are integer tick counts (monetary price = tick count × TickSize).
// Quantities cross the public boundary as float64 real units and are held
// internally as int64 micro-units (real quantity × 1e6, truncated toward
// zero). Every monetary computation descales micro-units first, so the
// fixed-point representation never leaks into the account arithmetic.
package kernel

import (
	"errors"
	"fmt"
	"math"

	"ticksim/pkg/types"
)

// Kernel error taxonomy. All errors are recoverable: a failed operation
// leaves the handle unchanged and usable. Callers match with errors.Is.
var (
	ErrInvalidConfig  = errors.New("invalid config")
	ErrInvalidOrder   = errors.New("invalid order")
	ErrDuplicateID    = errors.New("duplicate order id")
	ErrOrderBookFull  = errors.New("order book full")
	ErrNotFound       = errors.New("order not found")
	ErrInvalidTick    = errors.New("invalid tick")
	ErrLengthMismatch = errors.New("length mismatch")
)

const (
	// MaxOpenOrders bounds the live order set. The fixed bound keeps the
	// set inline-allocated; placements beyond it fail with ErrOrderBookFull.
	MaxOpenOrders = 1024

	// microPerUnit is the fixed-point scale for internal quantities.
	microPerUnit = 1_000_000

	// bpsDenom converts basis points to a fraction.
	bpsDenom = 10_000.0
)

// Config holds the immutable parameters of a simulation account.
// Fees and spread are in basis points. MakerFeeBps is accepted for forward
// compatibility; the current fill path always charges the taker rate.
type Config struct {
	MakerFeeBps float64
	TakerFeeBps float64
	SpreadBps   float64
	InitialCash float64
	TickSize    float64 // monetary value of one price tick, > 0
}

func (c Config) validate() error {
	if math.IsNaN(c.TickSize) || math.IsInf(c.TickSize, 0) || c.TickSize <= 0 {
		return fmt.Errorf("%w: tick_size must be a finite positive number", ErrInvalidConfig)
	}
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"maker_fee_bps", c.MakerFeeBps},
		{"taker_fee_bps", c.TakerFeeBps},
		{"spread_bps", c.SpreadBps},
	} {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) || f.v < 0 {
			return fmt.Errorf("%w: %s must be finite and >= 0", ErrInvalidConfig, f.name)
		}
	}
	if math.IsNaN(c.InitialCash) || math.IsInf(c.InitialCash, 0) {
		return fmt.Errorf("%w: initial_cash must be finite", ErrInvalidConfig)
	}
	return nil
}

// openOrder is a live order inside the handle. Orders are copied in at
// acceptance; the caller keeps no aliasing. Cancelled orders stay in the
// slice with active=false until the next tick step compacts them.
type openOrder struct {
	id        uint64
	kind      types.OrderKind
	side      types.Side
	qtyMicro  int64 // quantity in micro-units, > 0 at acceptance
	priceTick int64 // limit price; ignored for MARKET
	active    bool
}

// Kernel is a single-instrument, single-account execution handle.
type Kernel struct {
	cfg Config

	tsMs         int64   // current simulated time
	cash         float64 // free cash, fees included
	posMicro     int64   // signed position in micro-units
	avgEntryTick float64 // weighted-average entry price in tick counts
	realized     float64 // cumulative gross realized PnL since reset
	lastTick     int64   // last observed tick price

	orders []openOrder // insertion-ordered, capacity MaxOpenOrders
}

// New validates cfg and returns a zeroed handle with cash = InitialCash.
func New(cfg Config) (*Kernel, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Kernel{
		cfg:    cfg,
		cash:   cfg.InitialCash,
		orders: make([]openOrder, 0, MaxOpenOrders),
	}, nil
}

// Reset restores the initial account state while preserving the config.
func (k *Kernel) Reset() {
	k.tsMs = 0
	k.cash = k.cfg.InitialCash
	k.posMicro = 0
	k.avgEntryTick = 0
	k.realized = 0
	k.lastTick = 0
	k.orders = k.orders[:0]
}

// Close releases the handle's resources. The handle must not be used after
// Close; there is exactly one Close per successful New.
func (k *Kernel) Close() {
	k.orders = nil
}

// Config returns the immutable configuration the handle was created with.
func (k *Kernel) Config() Config {
	return k.cfg
}

// PlaceOrder validates and accepts an order into the open-order set. The
// order becomes eligible to fill at the next tick submission. On any
// failure the handle is unchanged.
func (k *Kernel) PlaceOrder(o types.Order) error {
	if math.IsNaN(o.Qty) || math.IsInf(o.Qty, 0) || o.Qty <= 0 {
		return fmt.Errorf("%w: qty must be a finite positive number", ErrInvalidOrder)
	}
	if !o.Side.Valid() {
		return fmt.Errorf("%w: unknown side %q", ErrInvalidOrder, o.Side)
	}
	if !o.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOrder, o.Kind)
	}
	if o.Kind == types.LIMIT && o.PriceTick <= 0 {
		return fmt.Errorf("%w: limit order requires price_tick > 0", ErrInvalidOrder)
	}

	// One scan covers both the duplicate-id check and the live count.
	// Cancelled-but-uncompacted orders are no longer live and count for
	// neither.
	live := 0
	for i := range k.orders {
		if !k.orders[i].active {
			continue
		}
		if k.orders[i].id == o.ID {
			return fmt.Errorf("%w: %d", ErrDuplicateID, o.ID)
		}
		live++
	}
	if live >= MaxOpenOrders {
		return ErrOrderBookFull
	}

	k.orders = append(k.orders, openOrder{
		id:        o.ID,
		kind:      o.Kind,
		side:      o.Side,
		qtyMicro:  int64(o.Qty * microPerUnit), // truncates toward zero
		priceTick: o.PriceTick,
		active:    true,
	})
	return nil
}

// CancelOrder removes the live order with the given id from fill
// consideration. The slot itself is reclaimed at the next tick step.
func (k *Kernel) CancelOrder(id uint64) error {
	for i := range k.orders {
		if k.orders[i].active && k.orders[i].id == id {
			k.orders[i].active = false
			return nil
		}
	}
	return fmt.Errorf("%w: %d", ErrNotFound, id)
}

// OpenOrders returns the number of live orders.
func (k *Kernel) OpenOrders() int {
	n := 0
	for i := range k.orders {
		if k.orders[i].active {
			n++
		}
	}
	return n
}

// Snapshot returns the reconciled account view. Unrealized PnL is marked
// to the last observed tick price and is zero for a flat position; equity
// is cash plus unrealized PnL.
func (k *Kernel) Snapshot() types.Snapshot {
	pos := float64(k.posMicro) / microPerUnit
	var unrealized float64
	if k.posMicro != 0 {
		unrealized = pos * (float64(k.lastTick) - k.avgEntryTick) * k.cfg.TickSize
	}
	return types.Snapshot{
		TsMs:          k.tsMs,
		Cash:          k.cash,
		Position:      pos,
		AvgEntryPrice: k.avgEntryTick,
		RealizedPnL:   k.realized,
		UnrealizedPnL: unrealized,
		Equity:        k.cash + unrealized,
	}
}
