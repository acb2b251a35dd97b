// Package feed provides tick sources for the backtester: CSV files,
// historical downloads over REST, and live trade streams over WebSocket.
//
// A Source yields kernel-ready ticks one at a time. Raw venue trades carry
// decimal-string prices; the tick-size inference and quantization in this
// package convert them to integer tick counts before they reach the kernel.
package feed

import (
	"context"
	"errors"
	"io"

	"ticksim/pkg/types"
)

// Source is a stream of ticks in ascending time order. Next returns io.EOF
// once the stream is exhausted. Sources are not safe for concurrent use.
type Source interface {
	Next(ctx context.Context) (types.Tick, error)
	Close() error
}

// Collect drains src into a slice. Used by the replay layer to buffer a
// finite source for batch ingestion.
func Collect(ctx context.Context, src Source) ([]types.Tick, error) {
	var ticks []types.Tick
	for {
		tick, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return ticks, nil
		}
		if err != nil {
			return nil, err
		}
		ticks = append(ticks, tick)
	}
}

// sliceSource serves a pre-built tick slice. It backs tests and the
// bucketing path, where ticks are already in memory.
type sliceSource struct {
	ticks []types.Tick
	pos   int
}

// NewSliceSource returns a Source over ticks.
func NewSliceSource(ticks []types.Tick) Source {
	return &sliceSource{ticks: ticks}
}

func (s *sliceSource) Next(ctx context.Context) (types.Tick, error) {
	if err := ctx.Err(); err != nil {
		return types.Tick{}, err
	}
	if s.pos >= len(s.ticks) {
		return types.Tick{}, io.EOF
	}
	t := s.ticks[s.pos]
	s.pos++
	return t, nil
}

func (s *sliceSource) Close() error {
	return nil
}
