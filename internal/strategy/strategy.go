// Package strategy contains the pluggable trading strategies that drive
// the execution kernel during replay.
//
// A strategy sees the reconciled account snapshot and the tick that
// produced it, and answers with zero or more orders. Orders are placed
// after the tick is processed, so they become eligible at the next tick,
// matching the kernel's eligibility rule.
package strategy

import (
	"fmt"

	"ticksim/internal/config"
	"ticksim/pkg/types"
)

// Strategy turns ticks into order flow.
type Strategy interface {
	// Name returns the strategy identifier used in config and reports.
	Name() string

	// OnTick processes one tick and returns the orders to place, or nil.
	OnTick(snap types.Snapshot, tick types.Tick) []types.Order
}

// factory builds a strategy from its config section.
type factory func(cfg config.StrategyConfig) (Strategy, error)

var registry = map[string]factory{
	"ma_crossover": newCrossover,
}

// New builds the named strategy. The empty name yields nil, meaning replay
// runs the tick stream with no order flow.
func New(cfg config.StrategyConfig) (Strategy, error) {
	if cfg.Name == "" {
		return nil, nil
	}
	build, ok := registry[cfg.Name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", cfg.Name)
	}
	return build(cfg)
}
