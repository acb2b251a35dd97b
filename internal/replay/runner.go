// Package replay drives the execution kernel from a tick source.
//
// The runner owns the control loop of a backtest: pull a tick, step the
// kernel, snapshot, let the strategy react, place its orders, and consult
// the risk guard. Orders placed while handling a tick become eligible at
// the next one, which is exactly the kernel's own eligibility rule, so
// replay adds no semantics of its own.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"ticksim/internal/feed"
	"ticksim/internal/kernel"
	"ticksim/internal/risk"
	"ticksim/internal/strategy"
	"ticksim/pkg/types"
)

// EquityPoint is one sample of the equity curve.
type EquityPoint struct {
	TsMs   int64   `json:"ts_ms"`
	Equity float64 `json:"equity"`
}

// Result summarizes a completed run.
type Result struct {
	Final          types.Snapshot `json:"final"`
	Curve          []EquityPoint  `json:"curve"`
	Ticks          int            `json:"ticks"`
	OrdersPlaced   int            `json:"orders_placed"`
	OrdersRejected int            `json:"orders_rejected"`
	Stopped        bool           `json:"stopped"`
	StopReason     string         `json:"stop_reason,omitempty"`
}

// Runner executes one backtest over a tick source.
type Runner struct {
	kern   *kernel.Kernel
	src    feed.Source
	strat  strategy.Strategy // nil runs the stream with no order flow
	guard  *risk.Guard
	logger *slog.Logger
}

// NewRunner wires a runner. strat may be nil.
func NewRunner(kern *kernel.Kernel, src feed.Source, strat strategy.Strategy, guard *risk.Guard, logger *slog.Logger) *Runner {
	return &Runner{
		kern:   kern,
		src:    src,
		strat:  strat,
		guard:  guard,
		logger: logger.With("component", "replay"),
	}
}

// Run replays the source tick by tick until it is exhausted, the context
// is cancelled, or the risk guard trips.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	var res Result

	for {
		tick, err := r.src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			res.Final = r.kern.Snapshot()
			return res, fmt.Errorf("tick source: %w", err)
		}

		if err := r.kern.StepTick(tick); err != nil {
			res.Final = r.kern.Snapshot()
			return res, fmt.Errorf("step tick %d: %w", res.Ticks, err)
		}
		res.Ticks++

		snap := r.kern.Snapshot()
		res.Curve = append(res.Curve, EquityPoint{TsMs: snap.TsMs, Equity: snap.Equity})

		if r.guard.Observe(snap.Equity) {
			res.Stopped = true
			res.StopReason = r.guard.Reason()
			r.logger.Warn("risk guard tripped, stopping run", "reason", res.StopReason, "tick", res.Ticks)
			break
		}

		if r.strat == nil {
			continue
		}
		for _, order := range r.strat.OnTick(snap, tick) {
			if err := r.kern.PlaceOrder(order); err != nil {
				res.OrdersRejected++
				r.logger.Warn("order rejected", "id", order.ID, "error", err)
				continue
			}
			res.OrdersPlaced++
			r.logger.Debug("order placed",
				"id", order.ID,
				"kind", order.Kind,
				"side", order.Side,
				"qty", order.Qty,
			)
		}
	}

	res.Final = r.kern.Snapshot()
	return res, nil
}

// RunBatch buffers the whole source and ingests it through the kernel's
// batch path. Only valid without a strategy: batch ingestion leaves no
// room for order flow between ticks. The risk guard is not consulted, so
// the whole source is always ingested; when the guard would not trip, the
// final snapshot is identical to what Run would produce on the same data.
func (r *Runner) RunBatch(ctx context.Context) (Result, error) {
	if r.strat != nil {
		return Result{}, fmt.Errorf("batch replay cannot run a strategy")
	}

	ticks, err := feed.Collect(ctx, r.src)
	if err != nil {
		return Result{}, fmt.Errorf("buffer tick source: %w", err)
	}

	tsMs := make([]int64, len(ticks))
	priceTicks := make([]int64, len(ticks))
	qtys := make([]float64, len(ticks))
	sides := make([]int64, len(ticks))
	for i, t := range ticks {
		tsMs[i] = t.TsMs
		priceTicks[i] = t.PriceTick
		qtys[i] = t.Qty
		if t.Side == types.SELL {
			sides[i] = 1
		}
	}

	if err := r.kern.StepBatch(tsMs, priceTicks, qtys, sides); err != nil {
		return Result{}, fmt.Errorf("batch step: %w", err)
	}

	snap := r.kern.Snapshot()
	res := Result{
		Final: snap,
		Ticks: len(ticks),
	}
	if len(ticks) > 0 {
		res.Curve = []EquityPoint{{TsMs: snap.TsMs, Equity: snap.Equity}}
	}
	return res, nil
}
